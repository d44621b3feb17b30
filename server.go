package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
	"github.com/KauaneAlmeida/projet-backendd/internal/connection"
	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
	"github.com/KauaneAlmeida/projet-backendd/internal/engine/whatsapp"
	"github.com/KauaneAlmeida/projet-backendd/internal/httpapi"
	"github.com/KauaneAlmeida/projet-backendd/internal/msgqueue"
	"github.com/KauaneAlmeida/projet-backendd/internal/notify"
	"github.com/KauaneAlmeida/projet-backendd/internal/retry"
	"github.com/KauaneAlmeida/projet-backendd/internal/sessionlock"
	"github.com/KauaneAlmeida/projet-backendd/internal/sessionstore"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
	"github.com/KauaneAlmeida/projet-backendd/internal/svcfields"
	"github.com/KauaneAlmeida/projet-backendd/internal/version"
)

// Server owns the session storage, the connection manager, the outbound
// queue and the HTTP surface.
type Server struct {
	cfg         Config
	logger      pslog.Logger
	clock       clock.Clock
	backend     storage.Backend
	ownsBackend bool
	telemetry   *telemetry

	lock     *sessionlock.Lock
	sessions *sessionstore.Store
	manager  *connection.Manager
	queue    *msgqueue.Queue
	notifier *notify.Notifier
	handler  *httpapi.Handler
	httpSrv  *http.Server

	runCtx    context.Context
	runCancel context.CancelFunc
	bg        sync.WaitGroup

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger   pslog.Logger
	backend  storage.Backend
	clock    clock.Clock
	engine   engine.Engine
	delivery func(msgqueue.Result)
}

// WithLogger supplies the root logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithBackend injects a backend instead of opening cfg.Store. The caller
// keeps ownership and closes it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithClock overrides the clock used by timers and debouncing.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithEngine replaces the WhatsApp engine.
func WithEngine(e engine.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithDeliveryResults receives the final outcome of every queued message.
// It runs on the queue's drain goroutine and must not block.
func WithDeliveryResults(fn func(msgqueue.Result)) Option {
	return func(o *options) {
		o.delivery = fn
	}
}

// NewServer validates cfg and wires every component. Nothing connects or
// listens until Start.
func NewServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	logger := svcfields.WithSubsystem(o.logger, "server.core")
	ver := version.Current()

	tel, err := setupTelemetry(ctx, cfg, DefaultServiceName, ver, svcfields.WithSubsystem(o.logger, "observability.telemetry"))
	if err != nil {
		return nil, err
	}

	backend := o.backend
	ownsBackend := false
	if backend == nil {
		backend, err = OpenBackend(ctx, cfg, svcfields.WithSubsystem(o.logger, "storage.backend"))
		if err != nil {
			_ = tel.Shutdown(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("open store: %w", err)
		}
		ownsBackend = true
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		clock:       o.clock,
		backend:     backend,
		ownsBackend: ownsBackend,
		telemetry:   tel,
		readyCh:     make(chan struct{}),
	}
	if err := s.wire(o); err != nil {
		if ownsBackend {
			_ = backend.Close()
		}
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	logger.Info("server.configured",
		"store", cfg.Store,
		"session_prefix", cfg.SessionPrefix,
		"session_dir", cfg.SessionDir,
		"lock", !cfg.DisableLock,
		"notify", cfg.NotifyURL != "",
		"version", ver,
	)
	return s, nil
}

func (s *Server) wire(o options) error {
	cfg := s.cfg
	sub := func(name string) pslog.Logger {
		return svcfields.WithSubsystem(o.logger, name)
	}
	retrier := retry.New(cfg.RetryPolicy(), s.clock, sub("session.retry"))

	var locker connection.Locker
	if !cfg.DisableLock {
		lock, err := sessionlock.New(sessionlock.Config{
			Backend: s.backend,
			Prefix:  cfg.SessionPrefix,
			TTL:     cfg.LockTTL,
			Clock:   s.clock,
			Logger:  sub("session.lock"),
		})
		if err != nil {
			return err
		}
		s.lock = lock
		locker = lock
	}

	sessions, err := sessionstore.New(sessionstore.Config{
		Dir:     cfg.SessionDir,
		Prefix:  cfg.SessionPrefix,
		Backend: s.backend,
		Retry:   retrier,
		Clock:   s.clock,
		Logger:  sub("session.store"),
	})
	if err != nil {
		return err
	}
	s.sessions = sessions

	if cfg.NotifyURL != "" {
		s.notifier, err = notify.New(notify.Config{
			URL:         cfg.NotifyURL,
			Rate:        cfg.NotifyRate,
			Burst:       cfg.NotifyBurst,
			PhoneNumber: cfg.PhoneNumber,
			Retry:       retry.New(cfg.RetryPolicy(), s.clock, sub("notify.retry")),
			Logger:      sub("notify.webhook"),
		})
		if err != nil {
			return err
		}
	}

	eng := o.engine
	if eng == nil {
		eng = whatsapp.New(whatsapp.Options{Logger: sub("engine.whatsapp"), DeviceName: cfg.DeviceName})
	}
	s.manager, err = connection.New(connection.Config{
		Engine:           eng,
		Sessions:         sessions,
		Lock:             locker,
		QRDebounce:       cfg.QRDebounce,
		ReconnectDelay:   cfg.ReconnectDelay,
		ReconnectBackoff: cfg.ReconnectPolicy(),
		Clock:            s.clock,
		Logger:           sub("connection.manager"),
		OnMessage:        s.onMessage,
	})
	if err != nil {
		return err
	}

	s.queue, err = msgqueue.New(s.manager,
		msgqueue.WithMaxSize(cfg.QueueSize),
		msgqueue.WithMaxAttempts(cfg.QueueMaxAttempts),
		msgqueue.WithRetryDelay(cfg.QueueRetryDelay),
		msgqueue.WithItemDelay(cfg.QueueItemDelay),
		msgqueue.WithClock(s.clock),
		msgqueue.WithLogger(sub("queue.outbound")),
		msgqueue.WithResultHandler(o.delivery),
	)
	if err != nil {
		return err
	}

	s.handler = httpapi.New(httpapi.Config{
		Connection:     s.manager,
		Queue:          s.queue,
		Logger:         sub("api.http"),
		Clock:          s.clock,
		StartedAt:      s.clock.Now(),
		ServiceName:    DefaultServiceName,
		Version:        version.Current(),
		PhoneNumber:    cfg.PhoneNumber,
		AllowedOrigin:  cfg.AllowedOrigin,
		TracingEnabled: s.telemetry.TracingEnabled(),
	})
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (s *Server) onMessage(msg engine.MessageReceived) {
	s.logger.Debug("message.received", "message_id", msg.ID, "from", msg.From, "outbound", msg.Outbound)
	if s.notifier != nil {
		s.notifier.Notify(msg)
	}
}

// Handler returns the HTTP handler for embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Manager exposes the connection manager.
func (s *Server) Manager() *connection.Manager {
	return s.manager
}

// Queue exposes the outbound queue.
func (s *Server) Queue() *msgqueue.Queue {
	return s.queue
}

// Start listens, brings up the connection in the background and serves
// until Shutdown. Connection start failures are logged, not returned.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("server: shut down")
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	runCtx := s.runCtx
	s.bg.Add(2)
	s.mu.Unlock()

	s.logger.Info("listening", "address", ln.Addr().String())
	s.signalReady()
	s.startBackground(runCtx)

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// startBackground runs the connection and the session watcher. The caller
// has already added both to s.bg.
func (s *Server) startBackground(ctx context.Context) {
	go func() {
		defer s.bg.Done()
		if err := s.manager.Start(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("connection.start.failed", "error", err)
		}
		if s.lock == nil || !s.lock.Held() {
			return
		}
		if err := s.lock.Keepalive(ctx, s.cfg.LockKeepalive); err != nil {
			s.logger.Error("session.lock.lost", "error", err)
		}
	}()
	go func() {
		defer s.bg.Done()
		if err := s.sessions.Watch(ctx, s.cfg.UploadDebounce, s.manager.RequestPersist); err != nil {
			s.logger.Warn("session.watch.failed", "error", err)
		}
	}()
}

// Shutdown stops serving, closes the queue, saves the session, releases the
// lock and flushes telemetry. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	runCancel := s.runCancel
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue close: %w", err))
	}
	// Cancelling first ends a startup that is still restoring the session.
	if runCancel != nil {
		runCancel()
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connection shutdown: %w", err))
	}
	s.bg.Wait()
	if s.notifier != nil {
		if err := s.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notifier close: %w", err))
		}
	}
	if s.ownsBackend {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend close: %w", err))
		}
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("server.shutdown.error", "error", err)
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once Start has listened.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Serve returned, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer builds a server, starts it in the background and waits until
// it listens. The returned stop function shuts it down with
// cfg.ShutdownTimeout; it also runs when ctx ends.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.WithoutCancel(ctx))
		if err == nil {
			err = errors.New("server: stopped before listening")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), srv.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			shutdownCtx, cancel := context.WithTimeout(shutdownCtx, srv.cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.WithoutCancel(ctx))
	}()
	return srv, stop, nil
}
