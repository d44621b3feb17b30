// Package httpapi exposes the bridge over HTTP: health, pairing QR and the
// outbound message endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
	"github.com/KauaneAlmeida/projet-backendd/internal/connection"
	"github.com/KauaneAlmeida/projet-backendd/internal/correlation"
	"github.com/KauaneAlmeida/projet-backendd/internal/msgqueue"
	"github.com/KauaneAlmeida/projet-backendd/internal/svcfields"
)

const (
	headerRequestID   = "X-Request-Id"
	contentTypeJSON   = "application/json"
	maxSendBodyBytes  = 64 << 10
	defaultService    = "wabridge"
	defaultPhone      = "not-configured"
	defaultCORSOrigin = "*"
)

// Connection is the read side of the connection manager.
type Connection interface {
	State() connection.State
	Pairing() (string, time.Time)
	ConnectedSince() time.Time
}

// Queue is the outbound queue as seen by the send endpoint.
type Queue interface {
	Enqueue(ctx context.Context, recipient, body string, maxAttempts int) (msgqueue.Message, error)
	Len() int
	MaxSize() int
}

// Config wires a Handler.
type Config struct {
	Connection     Connection
	Queue          Queue
	Logger         pslog.Logger
	Clock          clock.Clock
	StartedAt      time.Time
	ServiceName    string
	Version        string
	PhoneNumber    string
	AllowedOrigin  string
	TracingEnabled bool
	// ProcessStats reports the resident set size of the process. Nil uses gopsutil.
	ProcessStats func(context.Context) (uint64, error)
}

// Handler serves the HTTP surface.
type Handler struct {
	conn      Connection
	queue     Queue
	logger    pslog.Logger
	clock     clock.Clock
	startedAt time.Time
	service   string
	version   string
	phone     string
	origin    string
	tracing   bool
	tracer    trace.Tracer
	rss       func(context.Context) (uint64, error)
}

// New returns a Handler. Connection and Queue are required.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Clock.Now()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultService
	}
	if strings.TrimSpace(cfg.PhoneNumber) == "" {
		cfg.PhoneNumber = defaultPhone
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = defaultCORSOrigin
	}
	if cfg.ProcessStats == nil {
		cfg.ProcessStats = processRSS
	}
	return &Handler{
		conn:      cfg.Connection,
		queue:     cfg.Queue,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		startedAt: cfg.StartedAt,
		service:   cfg.ServiceName,
		version:   cfg.Version,
		phone:     cfg.PhoneNumber,
		origin:    cfg.AllowedOrigin,
		tracing:   cfg.TracingEnabled,
		tracer:    otel.Tracer("github.com/KauaneAlmeida/projet-backendd/httpapi"),
		rss:       cfg.ProcessStats,
	}
}

// Register wires every route into mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/", h.wrap("root", h.handleRoot))
	mux.Handle("/health", h.wrap("health", h.handleHealth))
	mux.Handle("/qr", h.wrap("qr", h.handleQR))
	mux.Handle("/qr.png", h.wrap("qr.png", h.handleQRImage))
	mux.Handle("/api/qr-status", h.wrap("qr.status", h.handleQRStatus))
	mux.Handle("/send-message", h.wrap("send_message", h.handleSendMessage))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type httpError struct {
	Status  int
	Message string
}

func (e httpError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

type errorResponse struct {
	Error      bool   `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := svcfields.Subsystem("api", "http", operation)
	spanName := "wabridge.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := correlation.FromHeader(r.Header.Get(headerRequestID))
		ctx = correlation.With(ctx, reqID)
		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, spanName, trace.WithAttributes(
				attribute.String("wabridge.operation", operation),
				attribute.String("wabridge.route", r.URL.Path),
			))
			defer span.End()
		}
		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(headerRequestID, reqID)
		h.applyCORS(w)

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("http.request.panic", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
				if span != nil {
					span.SetStatus(codes.Error, "panic")
				}
				h.writeError(w, httpError{Status: http.StatusInternalServerError, Message: "Internal server error"})
			}
		}()

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			var httpErr httpError
			if !errors.As(err, &httpErr) {
				logger.Error("http.request.error", "elapsed", time.Since(start), "error", err)
				httpErr = httpError{Status: http.StatusInternalServerError, Message: "Internal server error"}
			} else {
				logger.Debug("http.request.failure", "status", httpErr.Status, "message", httpErr.Message)
			}
			if span != nil {
				span.SetStatus(codes.Error, httpErr.Message)
				span.SetAttributes(attribute.Int("wabridge.status", httpErr.Status))
			}
			h.writeError(w, httpErr)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

func (h *Handler) applyCORS(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", h.origin)
	hdr.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+headerRequestID)
	if h.origin != "*" {
		hdr.Add("Vary", "Origin")
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, err httpError) {
	h.writeJSON(w, err.Status, errorResponse{Error: true, Message: err.Message, StatusCode: err.Status})
}

func allowMethods(r *http.Request, methods ...string) error {
	for _, m := range methods {
		if r.Method == m {
			return nil
		}
	}
	return httpError{Status: http.StatusMethodNotAllowed, Message: "Method not allowed"}
}
