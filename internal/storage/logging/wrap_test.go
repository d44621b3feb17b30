package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage/logging"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage/memory"
)

func TestWrapPassesThroughAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	inner := memory.New()
	wrapped := logging.Wrap(inner, logger, "mem")
	ctx := pslog.ContextWithLogger(context.Background(), logger)

	if _, err := wrapped.PutObject(ctx, "s/a", strings.NewReader("x"), storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := wrapped.PutObject(ctx, "s/a", strings.NewReader("y"), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch through wrapper, got %v", err)
	}
	objects, err := storage.ListAll(ctx, wrapped, "s/")
	if err != nil || len(objects) != 1 {
		t.Fatalf("list: %v %+v", err, objects)
	}
	if err := wrapped.DeleteObject(ctx, "s/a", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if logging.Unwrap(wrapped) != storage.Backend(inner) {
		t.Fatal("unwrap should return inner backend")
	}
	out := buf.String()
	for _, want := range []string{"storage.put_object.success", "storage.put_object.rejected", "storage.delete_object.success"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in logs:\n%s", want, out)
		}
	}
}
