package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
	"github.com/KauaneAlmeida/projet-backendd/internal/notify"
	"github.com/KauaneAlmeida/projet-backendd/internal/retry"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now().UTC() }
func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}
func (instantClock) Sleep(time.Duration) {}

func newNotifier(t *testing.T, url string) *notify.Notifier {
	t.Helper()
	n, err := notify.New(notify.Config{
		URL:         url,
		PhoneNumber: "+5511000000000",
		Rate:        1000,
		Burst:       100,
		Retry:       retry.New(retry.Policy{MaxAttempts: 3, Jitter: -1}, instantClock{}, nil),
	})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	return n
}

func closeNotifier(t *testing.T, n *notify.Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNotifyPostsPayload(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got []notify.Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		var p notify.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL)
	if !n.Notify(engine.MessageReceived{ID: "m1", From: "5511999999999@s.whatsapp.net", Text: "Oi", DeliveryType: "notify"}) {
		t.Fatal("message should be queued")
	}
	if n.Notify(engine.MessageReceived{ID: "m2", From: "me", Text: "echo", Outbound: true}) {
		t.Fatal("outbound messages must be ignored")
	}
	if n.Notify(engine.MessageReceived{ID: "m3", From: "x"}) {
		t.Fatal("empty messages must be ignored")
	}
	closeNotifier(t, n)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 post, got %d", len(got))
	}
	p := got[0]
	if p.Event != notify.EventMessageReceived || p.MessageID != "m1" || p.Text != "Oi" || p.PhoneNumber != "+5511000000000" || p.DeliveryType != "notify" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Timestamp.IsZero() {
		t.Fatal("timestamp should be filled")
	}
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL)
	n.Notify(engine.MessageReceived{ID: "m1", From: "a", Text: "hi"})
	closeNotifier(t, n)
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestNotifyGivesUpOnClientErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL)
	n.Notify(engine.MessageReceived{ID: "m1", From: "a", Text: "hi"})
	n.Notify(engine.MessageReceived{ID: "m2", From: "a", Text: "again"})
	closeNotifier(t, n)
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected one call per message, got %d", got)
	}
}

func TestNotifyAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	n := newNotifier(t, srv.URL)
	closeNotifier(t, n)
	if n.Notify(engine.MessageReceived{ID: "m1", From: "a", Text: "hi"}) {
		t.Fatal("closed notifier must not accept messages")
	}
	closeNotifier(t, n)
}

func TestNewRejectsInvalidURL(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "ftp://example.com/hook", "http://", "::"} {
		if _, err := notify.New(notify.Config{URL: raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()
	err := error(&notify.StatusError{StatusCode: 404, Body: "missing"})
	if !notify.IsStatus(err, 404) || notify.IsStatus(err, 500) {
		t.Fatal("IsStatus mismatch")
	}
	if err.Error() != "notify: endpoint returned 404: missing" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
