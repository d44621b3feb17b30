// Package logging decorates a storage.Backend with trace/debug logs and
// OpenTelemetry spans for every operation.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

const tracerName = "github.com/KauaneAlmeida/projet-backendd/storage"

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	kind   string
}

// Wrap decorates inner. kind names the backend (s3, aws, disk, ...) in logs and spans.
func Wrap(inner storage.Backend, logger pslog.Logger, kind string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger.With("storage_backend", kind),
		tracer: otel.Tracer(tracerName),
		kind:   kind,
	}
}

// Unwrap returns the decorated backend.
func Unwrap(b storage.Backend) storage.Backend {
	if wrapped, ok := b.(*backend); ok {
		return wrapped.inner
	}
	return b
}

type finishFunc func(err error, attrs ...any)

func (b *backend) start(ctx context.Context, op, key string) (context.Context, finishFunc) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "wabridge.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("wabridge.storage.backend", b.kind),
		attribute.String("wabridge.storage.operation", op),
		attribute.String("wabridge.storage.key", key),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger.With("storage_backend", b.kind)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage."+op+".begin", "key", key)
	return ctx, func(err error, attrs ...any) {
		defer span.End()
		elapsed := time.Since(begin)
		fields := append([]any{"key", key, "elapsed", elapsed}, attrs...)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			logger.Debug("storage."+op+".success", fields...)
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
			span.SetAttributes(attribute.String("wabridge.storage.result", err.Error()))
			logger.Debug("storage."+op+".rejected", append(fields, "error", err)...)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", append(fields, "error", err, "transient", storage.IsTransient(err))...)
		}
	}
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, finish := b.start(ctx, "list_objects", opts.Prefix)
	res, err := b.inner.ListObjects(ctx, opts)
	if err != nil {
		finish(err)
		return nil, err
	}
	finish(nil, "count", len(res.Objects), "truncated", res.Truncated)
	return res, nil
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, finish := b.start(ctx, "get_object", key)
	res, err := b.inner.GetObject(ctx, key)
	if err != nil {
		finish(err)
		return res, err
	}
	var size int64
	if res.Info != nil {
		size = res.Info.Size
	}
	finish(nil, "size", size)
	return res, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, finish := b.start(ctx, "put_object", key)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err != nil {
		finish(err, "if_not_exists", opts.IfNotExists, "expected_etag", opts.ExpectedETag)
		return nil, err
	}
	finish(nil, "etag", info.ETag, "size", info.Size, "if_not_exists", opts.IfNotExists)
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, finish := b.start(ctx, "delete_object", key)
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)
	return err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
