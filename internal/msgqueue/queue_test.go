package msgqueue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/correlation"
	"github.com/KauaneAlmeida/projet-backendd/internal/msgqueue"
)

var errNotConnected = errors.New("not connected")

type recordingClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *recordingClock) Now() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *recordingClock) Sleep(d time.Duration) { <-c.After(d) }

func (c *recordingClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type call struct {
	Recipient     string
	Body          string
	CorrelationID string
}

type scriptedSender struct {
	mu    sync.Mutex
	calls []call
	fn    func(n int, recipient, body string) (string, error)
}

func (s *scriptedSender) Send(ctx context.Context, recipient, body string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{Recipient: recipient, Body: body, CorrelationID: correlation.ID(ctx)})
	n := len(s.calls)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return fmt.Sprintf("wamid-%d", n), nil
	}
	return fn(n, recipient, body)
}

func (s *scriptedSender) Calls() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

type resultLog struct {
	mu      sync.Mutex
	results []msgqueue.Result
	done    chan struct{}
	want    int
}

func newResultLog(want int) *resultLog {
	return &resultLog{done: make(chan struct{}), want: want}
}

func (r *resultLog) record(res msgqueue.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	if len(r.results) == r.want {
		close(r.done)
	}
}

func (r *resultLog) wait(t *testing.T) []msgqueue.Result {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d results", r.want)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]msgqueue.Result(nil), r.results...)
}

func waitIdle(t *testing.T, q *msgqueue.Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for q.Draining() {
		if time.Now().After(deadline) {
			t.Fatal("queue never went idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeliversInOrder(t *testing.T) {
	t.Parallel()
	sender := &scriptedSender{}
	results := newResultLog(3)
	clk := &recordingClock{}
	q, err := msgqueue.New(sender, msgqueue.WithClock(clk), msgqueue.WithResultHandler(results.record))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := q.Enqueue(context.Background(), "+5511999999999", fmt.Sprintf("m%d", i), 0); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	got := results.wait(t)
	for i, res := range got {
		if res.Outcome != msgqueue.OutcomeDelivered || res.Message.Body != fmt.Sprintf("m%d", i+1) {
			t.Fatalf("result %d: %+v", i, res)
		}
		if res.DeliveryID == "" || res.Message.Attempts != 1 {
			t.Fatalf("result %d missing delivery details: %+v", i, res)
		}
	}
	waitIdle(t, q)
	for _, d := range clk.Sleeps() {
		if d != msgqueue.DefaultItemDelay {
			t.Fatalf("expected only item delays, got %v", clk.Sleeps())
		}
	}
	if len(clk.Sleeps()) != 3 {
		t.Fatalf("expected 3 item delays, got %v", clk.Sleeps())
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	sender := &scriptedSender{fn: func(n int, _, _ string) (string, error) {
		<-release
		return "ok", nil
	}}
	q, err := msgqueue.New(sender, msgqueue.WithMaxSize(2), msgqueue.WithClock(&recordingClock{}))
	if err != nil {
		t.Fatal(err)
	}
	defer close(release)
	if _, err := q.Enqueue(context.Background(), "a", "1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), "b", "2", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), "c", "3", 0); !errors.Is(err, msgqueue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("queue must not grow, len=%d", q.Len())
	}
	snap := q.Snapshot()
	if snap[0].Recipient != "a" || snap[1].Recipient != "b" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestFailedMessageIsAttemptedExactlyNTimes(t *testing.T) {
	t.Parallel()
	sender := &scriptedSender{fn: func(int, string, string) (string, error) { return "", errNotConnected }}
	results := newResultLog(1)
	clk := &recordingClock{}
	q, err := msgqueue.New(sender,
		msgqueue.WithClock(clk),
		msgqueue.WithRetryDelay(2*time.Second),
		msgqueue.WithItemDelay(time.Second),
		msgqueue.WithResultHandler(results.record),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), "+5511999999999", "Test", 4); err != nil {
		t.Fatal(err)
	}
	got := results.wait(t)
	waitIdle(t, q)
	if len(sender.Calls()) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(sender.Calls()))
	}
	res := got[0]
	if res.Outcome != msgqueue.OutcomeDropped || !errors.Is(res.Err, errNotConnected) {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Message.Attempts != 4 || res.Message.RemainingAttempts != 0 || res.Message.LastError != "not connected" {
		t.Fatalf("unexpected message %+v", res.Message)
	}
	if q.Len() != 0 {
		t.Fatalf("dropped message must leave the queue, len=%d", q.Len())
	}
	want := []time.Duration{2 * time.Second, time.Second, 2 * time.Second, time.Second, 2 * time.Second, time.Second, time.Second}
	sleeps := clk.Sleeps()
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps %v want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleeps %v want %v", sleeps, want)
		}
	}
}

func TestRetryStaysAheadOfNewerMessages(t *testing.T) {
	t.Parallel()
	var q *msgqueue.Queue
	enqueued := make(chan error, 1)
	sender := &scriptedSender{}
	sender.fn = func(n int, _, body string) (string, error) {
		if n == 1 {
			_, err := q.Enqueue(context.Background(), "+5511888888888", "newer", 0)
			enqueued <- err
			return "", errNotConnected
		}
		return "id-" + body, nil
	}
	results := newResultLog(2)
	var err error
	q, err = msgqueue.New(sender, msgqueue.WithClock(&recordingClock{}), msgqueue.WithResultHandler(results.record))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), "+5511999999999", "older", 0); err != nil {
		t.Fatal(err)
	}
	if err := <-enqueued; err != nil {
		t.Fatalf("enqueue during send: %v", err)
	}
	got := results.wait(t)
	calls := sender.Calls()
	if len(calls) != 3 || calls[0].Body != "older" || calls[1].Body != "older" || calls[2].Body != "newer" {
		t.Fatalf("unexpected send order %+v", calls)
	}
	if got[0].Message.Body != "older" || got[0].Message.Attempts != 2 || got[0].Message.RemainingAttempts != 2 {
		t.Fatalf("unexpected first result %+v", got[0])
	}
	if got[1].Message.Body != "newer" {
		t.Fatalf("unexpected second result %+v", got[1])
	}
}

func TestDrainRestartsLazily(t *testing.T) {
	t.Parallel()
	sender := &scriptedSender{}
	results := newResultLog(2)
	q, err := msgqueue.New(sender, msgqueue.WithClock(&recordingClock{}), msgqueue.WithResultHandler(results.record))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), "a", "first", 0); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, q)
	if len(sender.Calls()) != 1 {
		t.Fatalf("expected first delivery, got %d calls", len(sender.Calls()))
	}
	if _, err := q.Enqueue(context.Background(), "a", "second", 0); err != nil {
		t.Fatal(err)
	}
	got := results.wait(t)
	if got[1].Message.Body != "second" || got[1].Outcome != msgqueue.OutcomeDelivered {
		t.Fatalf("unexpected result %+v", got[1])
	}
}

func TestCloseStopsDrainAndRejects(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	var once sync.Once
	sender := &scriptedSender{}
	sender.fn = func(int, string, string) (string, error) {
		once.Do(func() { close(started) })
		return "", errNotConnected
	}
	clk := &blockingClock{}
	q, err := msgqueue.New(sender, msgqueue.WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), "a", "pending", 5); err != nil {
		t.Fatal(err)
	}
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if q.Draining() {
		t.Fatal("drain goroutine still running")
	}
	if q.Len() != 1 {
		t.Fatalf("pending message should remain, len=%d", q.Len())
	}
	if _, err := q.Enqueue(context.Background(), "a", "late", 0); !errors.Is(err, msgqueue.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEnqueueValidates(t *testing.T) {
	t.Parallel()
	q, err := msgqueue.New(&scriptedSender{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), " ", "body", 0); !errors.Is(err, msgqueue.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "a", "", 0); !errors.Is(err, msgqueue.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := msgqueue.New(nil); err == nil {
		t.Fatal("expected error without sender")
	}
}

// blockingClock never fires so the drain loop parks in its retry wait.
type blockingClock struct{}

func (blockingClock) Now() time.Time                       { return time.Unix(1_700_000_000, 0).UTC() }
func (blockingClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (blockingClock) Sleep(time.Duration)                  { select {} }

func TestCorrelationIDFollowsRetries(t *testing.T) {
	t.Parallel()
	sender := &scriptedSender{fn: func(n int, _, _ string) (string, error) {
		if n == 1 {
			return "", errNotConnected
		}
		return "wamid-ok", nil
	}}
	results := newResultLog(1)
	q, err := msgqueue.New(sender, msgqueue.WithClock(&recordingClock{}), msgqueue.WithResultHandler(results.record))
	if err != nil {
		t.Fatal(err)
	}
	msg, err := q.Enqueue(correlation.With(context.Background(), "req-42"), "+5511999999999", "hello", 2)
	if err != nil {
		t.Fatal(err)
	}
	if msg.CorrelationID != "req-42" {
		t.Fatalf("expected correlation id on message, got %q", msg.CorrelationID)
	}
	if got := results.wait(t); got[0].Outcome != msgqueue.OutcomeDelivered {
		t.Fatalf("unexpected result %+v", got[0])
	}
	for i, c := range sender.Calls() {
		if c.CorrelationID != "req-42" {
			t.Fatalf("attempt %d lost the correlation id: %+v", i+1, c)
		}
	}
}
