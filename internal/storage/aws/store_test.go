package aws

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/credentials"
	smithy "github.com/aws/smithy-go"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

func newFakeStore(t *testing.T) *Store {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("wabridge"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	store, err := New(context.Background(), Config{
		Endpoint:     server.URL,
		Region:       "us-east-1",
		Bucket:       "wabridge",
		Prefix:       "prod",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestAWSObjectLifecycle(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()

	info, err := store.PutObject(ctx, "whatsapp-session/device.db", bytes.NewReader([]byte("device")), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" || info.Size != 6 {
		t.Fatalf("unexpected info %+v", info)
	}
	data, got, err := storage.ReadObject(ctx, store, "whatsapp-session/device.db")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "device" || got.ETag != info.ETag {
		t.Fatalf("unexpected read %q %+v", data, got)
	}
	objects, err := storage.ListAll(ctx, store, "whatsapp-session/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 1 || objects[0].Key != "whatsapp-session/device.db" {
		t.Fatalf("unexpected listing %+v", objects)
	}
	if err := store.DeleteObject(ctx, "whatsapp-session/device.db", storage.DeleteObjectOptions{ExpectedETag: "nope"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "whatsapp-session/device.db", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "whatsapp-session/device.db", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetObject(ctx, "whatsapp-session/device.db"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected get not found, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}) {
		t.Fatal("PreconditionFailed should map to cas mismatch")
	}
	if !isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}) {
		t.Fatal("NoSuchKey should be not found")
	}
	if isNotFound(errors.New("boom")) || isPreconditionFailed(errors.New("boom")) {
		t.Fatal("plain errors misclassified")
	}
	if !isRetryable(context.DeadlineExceeded) {
		t.Fatal("deadline should be retryable")
	}
	if isRetryable(statusErr(http.StatusForbidden)) || !isRetryable(statusErr(http.StatusServiceUnavailable)) {
		t.Fatal("status classification wrong")
	}
}

type statusErr int

func (s statusErr) Error() string       { return http.StatusText(int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }
