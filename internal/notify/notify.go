// Package notify forwards inbound chat messages to an HTTP endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
	"github.com/KauaneAlmeida/projet-backendd/internal/retry"
)

// Defaults for Config.
const (
	DefaultBufferSize = 256
	DefaultRate       = 10
	DefaultBurst      = 20
	DefaultTimeout    = 10 * time.Second
)

// EventMessageReceived is the payload event name.
const EventMessageReceived = "message.received"

// Payload is the JSON body posted for each message.
type Payload struct {
	Event        string    `json:"event"`
	MessageID    string    `json:"messageId"`
	From         string    `json:"from"`
	Text         string    `json:"message"`
	DeliveryType string    `json:"type,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	PhoneNumber  string    `json:"phoneNumber,omitempty"`
}

// Config configures a Notifier.
type Config struct {
	URL         string
	Client      *http.Client
	BufferSize  int
	Rate        float64
	Burst       int
	PhoneNumber string
	Retry       *retry.Retrier
	Logger      pslog.Logger
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("notify: endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("notify: endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Notifier posts payloads from a bounded buffer on one worker goroutine.
type Notifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	retry   *retry.Retrier
	logger  pslog.Logger
	phone   string

	queue  chan Payload
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New validates cfg and starts the worker.
func New(cfg Config) (*Notifier, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid url %q", cfg.URL)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New(retry.DefaultPolicy(), nil, cfg.Logger)
	}
	n := &Notifier{
		url:     u.String(),
		client:  cfg.Client,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		retry:   cfg.Retry,
		logger:  cfg.Logger.With("notify_host", u.Host),
		phone:   cfg.PhoneNumber,
		queue:   make(chan Payload, cfg.BufferSize),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.wg.Add(1)
	go n.run()
	return n, nil
}

// Notify queues msg for delivery. Outbound messages and messages without text
// are ignored. It never blocks and reports whether msg was queued.
func (n *Notifier) Notify(msg engine.MessageReceived) bool {
	if msg.Outbound || msg.Text == "" {
		return false
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload := Payload{
		Event:        EventMessageReceived,
		MessageID:    msg.ID,
		From:         msg.From,
		Text:         msg.Text,
		DeliveryType: msg.DeliveryType,
		Timestamp:    ts,
		PhoneNumber:  n.phone,
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- payload:
		return true
	default:
		n.logger.Warn("notify.buffer_full", "message_id", msg.ID, "from", msg.From)
		return false
	}
}

// Close stops accepting payloads, lets the worker finish what is buffered
// and waits until it exits or ctx ends. Remaining payloads are abandoned
// when ctx ends.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	defer n.cancel()
	for payload := range n.queue {
		if err := n.limiter.Wait(n.ctx); err != nil {
			n.logger.Warn("notify.abandoned", "message_id", payload.MessageID, "error", err)
			continue
		}
		err := n.retry.Do(n.ctx, "notify.post", func(ctx context.Context) error {
			return n.post(ctx, payload)
		})
		if err != nil {
			n.logger.Error("notify.failed", "message_id", payload.MessageID, "from", payload.From, "error", err)
			continue
		}
		n.logger.Debug("notify.delivered", "message_id", payload.MessageID, "from", payload.From)
	}
}

func (n *Notifier) post(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return statusErr
	}
	return retry.Permanent(statusErr)
}

// IsStatus reports whether err carries an endpoint response with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
