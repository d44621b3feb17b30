package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

func setupFakeS3(t *testing.T) Config {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "wabridge-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "tenant",
		Insecure:       true,
		ForcePathStyle: true,
		CustomCreds:    credentials.NewStaticV4("test", "test", ""),
	}
}

func TestS3ObjectLifecycle(t *testing.T) {
	store, err := New(setupFakeS3(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"whatsapp-session/a.db", "whatsapp-session/b/c.json", "other/x"} {
		if _, err := store.PutObject(ctx, key, bytes.NewReader([]byte(key)), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	objects, err := storage.ListAll(ctx, store, "whatsapp-session/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 || objects[0].Key != "whatsapp-session/a.db" {
		t.Fatalf("unexpected listing: %+v", objects)
	}
	data, info, err := storage.ReadObject(ctx, store, "whatsapp-session/b/c.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "whatsapp-session/b/c.json" || info.ETag == "" {
		t.Fatalf("unexpected read: %q %+v", data, info)
	}
	if err := store.DeleteObject(ctx, "whatsapp-session/a.db", storage.DeleteObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "whatsapp-session/a.db", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "whatsapp-session/a.db", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "whatsapp-session/a.db", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
	if _, err := store.GetObject(ctx, "whatsapp-session/a.db"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected get not found, got %v", err)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusBadGateway}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestPreconditionClassification(t *testing.T) {
	if !isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("412 should be a precondition failure")
	}
	if !isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}) {
		t.Fatal("conditional conflict should be a precondition failure")
	}
	if isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "BucketNotEmpty"}) {
		t.Fatal("unrelated conflict misclassified")
	}
}

type stubObject struct {
	readErr error
	closed  bool
}

func (s *stubObject) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *stubObject) Close() error {
	s.closed = true
	return nil
}

func TestNotFoundAwareObjectConverts404(t *testing.T) {
	obj := &stubObject{readErr: minio.ErrorResponse{StatusCode: http.StatusNotFound}}
	reader := &notFoundAwareObject{object: obj}
	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Read: expected ErrNotFound, got %v", err)
	}
	if err := reader.Close(); err != nil || !obj.closed {
		t.Fatalf("Close: err=%v closed=%v", err, obj.closed)
	}
}
