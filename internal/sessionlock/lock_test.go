package sessionlock_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
	"github.com/KauaneAlmeida/projet-backendd/internal/sessionlock"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage/memory"
)

func newLock(t *testing.T, backend storage.Backend, clk clock.Clock, holder string) *sessionlock.Lock {
	t.Helper()
	l, err := sessionlock.New(sessionlock.Config{
		Backend:  backend,
		Prefix:   "/whatsapp-session/",
		HolderID: holder,
		TTL:      time.Minute,
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	return l
}

func readRecord(t *testing.T, backend storage.Backend) sessionlock.Record {
	t.Helper()
	data, _, err := storage.ReadObject(context.Background(), backend, "whatsapp-session/lock.json")
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	var rec sessionlock.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode lock: %v", err)
	}
	return rec
}

func TestKey(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":                   "lock.json",
		"whatsapp-session":   "whatsapp-session/lock.json",
		"/a/b/":              "a/b/lock.json",
		"whatsapp-session//": "whatsapp-session/lock.json",
	}
	for prefix, want := range cases {
		if got := sessionlock.Key(prefix); got != want {
			t.Fatalf("Key(%q) = %q want %q", prefix, got, want)
		}
	}
}

func TestAcquireCreatesRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l := newLock(t, backend, clk, "holder-a")

	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	rec := readRecord(t, backend)
	if rec.HolderID != "holder-a" || rec.AcquiredAtMs != clk.Now().UnixMilli() || rec.TTLMs != time.Minute.Milliseconds() {
		t.Fatalf("unexpected record %+v", rec)
	}
	ok, err = l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("re-acquire by owner: ok=%v err=%v", ok, err)
	}
}

func TestAcquireContendedThenStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	a := newLock(t, backend, clk, "holder-a")
	b := newLock(t, backend, clk, "holder-b")

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("a acquire: ok=%v err=%v", ok, err)
	}
	clk.Advance(30 * time.Second)
	if ok, err := b.Acquire(ctx); err != nil || ok {
		t.Fatalf("b should be refused while a is fresh: ok=%v err=%v", ok, err)
	}
	if b.Held() {
		t.Fatal("b must not report held")
	}

	clk.Advance(31 * time.Second)
	ok, err := b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("b should break stale lock: ok=%v err=%v", ok, err)
	}
	if rec := readRecord(t, backend); rec.HolderID != "holder-b" {
		t.Fatalf("expected holder-b to own the record, got %+v", rec)
	}
	if err := a.Refresh(ctx); !errors.Is(err, sessionlock.ErrLockLost) {
		t.Fatalf("a refresh should report loss, got %v", err)
	}
	if a.Held() {
		t.Fatal("a should no longer be held")
	}
}

func TestAcquireBreaksUnreadableRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	if _, err := backend.PutObject(ctx, "whatsapp-session/lock.json", bytes.NewReader([]byte("{not json")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	l := newLock(t, backend, clock.NewManual(time.Unix(1_700_000_000, 0)), "holder-a")
	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire over corrupt record: ok=%v err=%v", ok, err)
	}
	if rec := readRecord(t, backend); rec.HolderID != "holder-a" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestReleaseIgnoresMissingAndForeignRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	a := newLock(t, backend, clk, "holder-a")

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release without acquire: %v", err)
	}
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	if err := backend.DeleteObject(ctx, a.Key(), storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("external delete: %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release of missing record should succeed: %v", err)
	}

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("second acquire failed")
	}
	clk.Advance(2 * time.Minute)
	b := newLock(t, backend, clk, "holder-b")
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("b should take over stale lock")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release foreign: %v", err)
	}
	if rec := readRecord(t, backend); rec.HolderID != "holder-b" {
		t.Fatalf("a must not delete b's record, got %+v", rec)
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("b release: %v", err)
	}
	if backend.Len() != 0 {
		t.Fatalf("expected empty store, got %d objects", backend.Len())
	}
}

func TestKeepaliveRefreshesUntilCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := memory.New()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l := newLock(t, backend, clk, "holder-a")
	if ok, _ := l.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	start := readRecord(t, backend).AcquiredAtMs

	done := make(chan error, 1)
	go func() { done <- l.Keepalive(ctx, 20*time.Second) }()
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("keepalive never waited")
	}
	clk.Advance(20 * time.Second)
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("keepalive did not loop")
	}
	if got := readRecord(t, backend).AcquiredAtMs; got != start+20_000 {
		t.Fatalf("expected refreshed timestamp %d, got %d", start+20_000, got)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("keepalive returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("keepalive did not stop")
	}
}

func TestNewRequiresBackend(t *testing.T) {
	t.Parallel()
	if _, err := sessionlock.New(sessionlock.Config{}); err == nil {
		t.Fatal("expected error without backend")
	}
	l, err := sessionlock.New(sessionlock.Config{Backend: memory.New()})
	if err != nil {
		t.Fatal(err)
	}
	if l.HolderID() == "" {
		t.Fatal("expected generated holder id")
	}
}
