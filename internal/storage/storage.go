// Package storage defines the blob store contract used to persist session
// files and the session lock, plus helpers shared by every backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"pkt.systems/pslog"
)

// Content types written by the session store and the session lock.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write or delete lost: the key
	// already existed on a create-only put, or its ETag changed.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented is returned by backends lacking an optional capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics for PutObject.
type PutObjectOptions struct {
	// ExpectedETag replaces the object only when its current ETag matches.
	ExpectedETag string
	// IfNotExists creates the object only when the key is absent. Ignored
	// when ExpectedETag is set.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures one page of ListObjects.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult pairs an object reader with its metadata. Callers must close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend is the uniform blob store contract. Keys are slash separated and
// listed in ascending lexical order.
type Backend interface {
	// ListObjects enumerates objects under opts.Prefix. Results are limited by
	// opts.Limit when >0 and resume after opts.StartAfter.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// GetObject opens the object stored at key.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes body to key applying the conditional options.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key, optionally guarded by opts.ExpectedETag.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// IsNetworkError reports whether err looks like a dropped or refused connection.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}

// Logger returns the logger carried by ctx tagged with the backend kind.
func Logger(ctx context.Context, kind string) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", kind)
}

// ListAll pages through ListObjects until the listing is no longer truncated.
func ListAll(ctx context.Context, backend Backend, prefix string) ([]ObjectInfo, error) {
	var (
		out        []ObjectInfo
		startAfter string
	)
	for {
		page, err := backend.ListObjects(ctx, ListOptions{Prefix: prefix, StartAfter: startAfter})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.Truncated {
			return out, nil
		}
		next := page.NextStartAfter
		if next == "" && len(page.Objects) > 0 {
			next = page.Objects[len(page.Objects)-1].Key
		}
		if next == "" || next == startAfter {
			return nil, fmt.Errorf("storage: list %q made no progress after %q", prefix, startAfter)
		}
		startAfter = next
	}
}

// ReadObject fetches key and reads it fully.
func ReadObject(ctx context.Context, backend Backend, key string) ([]byte, *ObjectInfo, error) {
	res, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, NewTransientError(fmt.Errorf("storage: read %s: %w", key, err))
	}
	return data, res.Info, nil
}
