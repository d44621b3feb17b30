// Package msgqueue buffers outbound chat messages and delivers them one at a
// time through a Sender, retrying failed messages ahead of newer ones.
package msgqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
	"github.com/KauaneAlmeida/projet-backendd/internal/correlation"
	"github.com/KauaneAlmeida/projet-backendd/internal/ids"
)

// Defaults for Queue options.
const (
	DefaultMaxSize     = 100
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
	DefaultItemDelay   = time.Second
)

var (
	// ErrQueueFull rejects an enqueue at capacity. The queue is unchanged.
	ErrQueueFull = errors.New("msgqueue: queue full")
	// ErrClosed rejects an enqueue after Close.
	ErrClosed = errors.New("msgqueue: closed")
	// ErrInvalidMessage rejects an empty recipient or body.
	ErrInvalidMessage = errors.New("msgqueue: recipient and body required")
)

// Sender delivers one message and returns the delivery id.
type Sender interface {
	Send(ctx context.Context, recipient, body string) (string, error)
}

// Message is a pending outbound message.
type Message struct {
	ID                string    `json:"id"`
	Recipient         string    `json:"to"`
	Body              string    `json:"message"`
	RemainingAttempts int       `json:"remainingAttempts"`
	Attempts          int       `json:"attempts"`
	EnqueuedAt        time.Time `json:"enqueuedAt"`
	LastError         string    `json:"lastError,omitempty"`
	CorrelationID     string    `json:"correlationId,omitempty"`
}

// Outcome is the final fate of a message.
type Outcome string

// Outcomes reported through the result handler.
const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDropped   Outcome = "dropped"
)

// Result reports a message leaving the queue.
type Result struct {
	Message    Message
	Outcome    Outcome
	DeliveryID string
	Err        error
}

// Option customises a Queue.
type Option func(*Queue)

// WithMaxSize caps the number of pending messages (default 100).
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithMaxAttempts sets the attempt budget used when Enqueue gets 0 (default 3).
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the wait before retrying a failed message (default 2s).
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.retryDelay = d
		}
	}
}

// WithItemDelay sets the pause after every processed message (default 1s).
func WithItemDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.itemDelay = d
		}
	}
}

// WithClock installs the time source for delays and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) {
		if clk != nil {
			q.clock = clk
		}
	}
}

// WithLogger assigns the queue logger.
func WithLogger(logger pslog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithResultHandler registers fn to observe delivered and dropped messages.
// It runs on the drain goroutine.
func WithResultHandler(fn func(Result)) Option {
	return func(q *Queue) {
		q.onResult = fn
	}
}

// Queue is a bounded FIFO drained by at most one goroutine.
type Queue struct {
	sender      Sender
	maxSize     int
	maxAttempts int
	retryDelay  time.Duration
	itemDelay   time.Duration
	clock       clock.Clock
	logger      pslog.Logger
	onResult    func(Result)
	metrics     *queueMetrics

	mu       sync.Mutex
	items    []Message
	draining bool
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an empty queue delivering through sender.
func New(sender Sender, opts ...Option) (*Queue, error) {
	if sender == nil {
		return nil, errors.New("msgqueue: sender required")
	}
	q := &Queue{
		sender:      sender,
		maxSize:     DefaultMaxSize,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		itemDelay:   DefaultItemDelay,
		clock:       clock.Real{},
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.metrics = newQueueMetrics(q.logger, q)
	return q, nil
}

// MaxSize returns the capacity.
func (q *Queue) MaxSize() int { return q.maxSize }

// Enqueue appends a message and starts draining if idle. maxAttempts <= 0
// uses the queue default. A full queue returns ErrQueueFull without change.
// The correlation id carried by ctx follows the message into every send.
func (q *Queue) Enqueue(ctx context.Context, recipient, body string, maxAttempts int) (Message, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || body == "" {
		return Message{}, ErrInvalidMessage
	}
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Message{}, ErrClosed
	}
	if len(q.items) >= q.maxSize {
		depth := len(q.items)
		q.mu.Unlock()
		q.metrics.rejected(q.ctx)
		q.logger.Warn("queue.enqueue.rejected", "to", recipient, "size", depth, "max_size", q.maxSize)
		return Message{}, ErrQueueFull
	}
	msg := Message{
		ID:                ids.NewMessageID(),
		Recipient:         recipient,
		Body:              body,
		RemainingAttempts: maxAttempts,
		EnqueuedAt:        q.clock.Now(),
		CorrelationID:     correlation.ID(ctx),
	}
	q.items = append(q.items, msg)
	depth := len(q.items)
	start := !q.draining
	if start {
		q.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.metrics.enqueued(q.ctx)
	q.logger.Info("queue.enqueue", "message_id", msg.ID, "correlation_id", msg.CorrelationID, "to", recipient, "size", depth, "max_attempts", maxAttempts)
	if start {
		go q.drain()
	}
	return msg, nil
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending messages, front first.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.items...)
}

// Draining reports whether the drain goroutine is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Close rejects further enqueues and stops the drain goroutine. Pending
// messages stay in the queue. It waits until the goroutine exits or ctx ends.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	pending := len(q.items)
	q.mu.Unlock()
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if pending > 0 {
			q.logger.Warn("queue.close.pending", "size", pending)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.ctx.Err() != nil {
			q.draining = false
			q.mu.Unlock()
			return
		}
		msg := q.items[0]
		q.mu.Unlock()

		msg.Attempts++
		id, err := q.sender.Send(correlation.With(q.ctx, msg.CorrelationID), msg.Recipient, msg.Body)
		if err != nil && q.ctx.Err() != nil {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		}

		var (
			result *Result
			retry  bool
		)
		q.mu.Lock()
		switch {
		case err == nil:
			q.items = q.items[1:]
			result = &Result{Message: msg, Outcome: OutcomeDelivered, DeliveryID: id}
		case msg.RemainingAttempts > 1:
			msg.RemainingAttempts--
			msg.LastError = err.Error()
			q.items[0] = msg
			retry = true
		default:
			msg.RemainingAttempts = 0
			msg.LastError = err.Error()
			q.items = q.items[1:]
			result = &Result{Message: msg, Outcome: OutcomeDropped, Err: err}
		}
		depth := len(q.items)
		q.mu.Unlock()

		switch {
		case retry:
			q.metrics.retried(q.ctx)
			q.logger.Warn("queue.send.retry",
				"message_id", msg.ID,
				"correlation_id", msg.CorrelationID,
				"to", msg.Recipient,
				"attempt", msg.Attempts,
				"remaining_attempts", msg.RemainingAttempts,
				"retry_in", q.retryDelay,
				"error", err,
			)
			if clock.Wait(q.ctx, q.clock, q.retryDelay) != nil {
				continue
			}
		case result.Outcome == OutcomeDelivered:
			q.metrics.delivered(q.ctx)
			q.logger.Info("queue.send.success", "message_id", msg.ID, "correlation_id", msg.CorrelationID, "to", msg.Recipient, "delivery_id", id, "attempts", msg.Attempts, "size", depth)
		default:
			q.metrics.dropped(q.ctx)
			q.logger.Error("queue.send.dropped", "message_id", msg.ID, "correlation_id", msg.CorrelationID, "to", msg.Recipient, "attempts", msg.Attempts, "error", err, "size", depth)
		}
		if result != nil && q.onResult != nil {
			q.onResult(*result)
		}
		_ = clock.Wait(q.ctx, q.clock, q.itemDelay)
	}
}
