// Package sessionlock implements the advisory lock that keeps two bridge
// instances from mutating the same remote session at once.
//
// The lock is a small JSON record created with create-if-absent semantics.
// Breaking a stale record is a delete followed by a create; these are two
// remote calls, so two instances that observe the same stale record can both
// end up believing they hold the lock. The lock is a safety net, not a
// correctness guarantee, and callers must keep working when Acquire returns
// false.
package sessionlock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
	"github.com/KauaneAlmeida/projet-backendd/internal/ids"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

// ObjectName is the lock object's name under the session prefix.
const ObjectName = "lock.json"

// DefaultTTL is the age after which a lock record is considered abandoned.
const DefaultTTL = 5 * time.Minute

// ErrLockLost is returned by Refresh when another holder replaced or removed the record.
var ErrLockLost = errors.New("sessionlock: lock lost")

// Record is the persisted lock document.
type Record struct {
	HolderID     string `json:"holderId"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
	TTLMs        int64  `json:"ttlMs"`
}

// Stale reports whether the record has outlived its TTL at now. A record
// without a TTL falls back to fallback.
func (r Record) Stale(now time.Time, fallback time.Duration) bool {
	ttl := r.TTLMs
	if ttl <= 0 {
		ttl = fallback.Milliseconds()
	}
	return now.UnixMilli()-r.AcquiredAtMs > ttl
}

// Key returns the lock object key for prefix.
func Key(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ObjectName
	}
	return path.Join(prefix, ObjectName)
}

// Config configures a Lock.
type Config struct {
	Backend  storage.Backend
	Prefix   string
	HolderID string
	TTL      time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Lock is one holder's view of the session lock.
type Lock struct {
	backend storage.Backend
	key     string
	holder  string
	ttl     time.Duration
	clock   clock.Clock
	logger  pslog.Logger

	mu   sync.Mutex
	held bool
	etag string
}

// New validates cfg and returns a Lock. An empty HolderID gets a fresh UUIDv7.
func New(cfg Config) (*Lock, error) {
	if cfg.Backend == nil {
		return nil, errors.New("sessionlock: backend required")
	}
	if cfg.HolderID == "" {
		cfg.HolderID = ids.NewHolderID()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Lock{
		backend: cfg.Backend,
		key:     Key(cfg.Prefix),
		holder:  cfg.HolderID,
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("lock_key", Key(cfg.Prefix), "holder_id", cfg.HolderID),
	}, nil
}

// HolderID returns this holder's identifier.
func (l *Lock) HolderID() string { return l.holder }

// Key returns the lock object key.
func (l *Lock) Key() string { return l.key }

// Held reports whether the last Acquire or Refresh succeeded.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire tries to create the lock record. It returns true when this holder
// owns the lock afterwards and false when a live record belongs to someone
// else. A stale record is broken and creation retried once.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}
	ok, err := l.create(ctx)
	if err != nil || ok {
		return ok, err
	}

	existing, info, err := l.read(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		l.logger.Debug("session.lock.vanished")
		return l.create(ctx)
	case errors.Is(err, errUnreadable):
		l.logger.Warn("session.lock.unreadable", "error", err)
	case err != nil:
		return false, err
	case existing.HolderID == l.holder:
		l.held = true
		l.etag = info.ETag
		return true, nil
	case !existing.Stale(l.clock.Now(), l.ttl):
		l.logger.Info("session.lock.contended",
			"owner", existing.HolderID,
			"acquired_at", time.UnixMilli(existing.AcquiredAtMs).UTC(),
			"ttl", time.Duration(existing.TTLMs)*time.Millisecond,
		)
		return false, nil
	default:
		l.logger.Warn("session.lock.stale",
			"owner", existing.HolderID,
			"age", l.clock.Now().Sub(time.UnixMilli(existing.AcquiredAtMs)),
		)
	}

	err = l.backend.DeleteObject(ctx, l.key, storage.DeleteObjectOptions{ExpectedETag: info.ETag, IgnoreNotFound: true})
	if errors.Is(err, storage.ErrCASMismatch) {
		l.logger.Info("session.lock.break_lost")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sessionlock: break stale lock: %w", err)
	}
	return l.create(ctx)
}

// Release deletes the record when this holder owns it. A missing record is
// not an error. A record replaced by another holder is left alone.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	err := l.backend.DeleteObject(ctx, l.key, storage.DeleteObjectOptions{ExpectedETag: l.etag, IgnoreNotFound: true})
	l.etag = ""
	switch {
	case err == nil:
		l.logger.Info("session.lock.released")
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrCASMismatch):
		l.logger.Warn("session.lock.release_foreign")
		return nil
	default:
		return fmt.Errorf("sessionlock: release: %w", err)
	}
}

// Refresh rewrites acquiredAtMs so the record stays fresh. It returns
// ErrLockLost when the record changed underneath this holder.
func (l *Lock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrLockLost
	}
	body, err := l.encode()
	if err != nil {
		return err
	}
	info, err := l.backend.PutObject(ctx, l.key, bytes.NewReader(body), storage.PutObjectOptions{
		ExpectedETag: l.etag,
		ContentType:  storage.ContentTypeJSON,
	})
	if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
		l.held = false
		l.etag = ""
		l.logger.Warn("session.lock.lost")
		return ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("sessionlock: refresh: %w", err)
	}
	l.etag = info.ETag
	l.logger.Trace("session.lock.refreshed")
	return nil
}

// Keepalive refreshes the record every interval until ctx ends or the lock is
// lost. A non-positive interval returns immediately.
func (l *Lock) Keepalive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	for {
		if err := clock.Wait(ctx, l.clock, interval); err != nil {
			return nil
		}
		if !l.Held() {
			return ErrLockLost
		}
		err := l.Refresh(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrLockLost):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			l.logger.Warn("session.lock.refresh_failed", "error", err)
		}
	}
}

var errUnreadable = errors.New("sessionlock: unreadable record")

func (l *Lock) create(ctx context.Context) (bool, error) {
	body, err := l.encode()
	if err != nil {
		return false, err
	}
	info, err := l.backend.PutObject(ctx, l.key, bytes.NewReader(body), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if errors.Is(err, storage.ErrCASMismatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sessionlock: create: %w", err)
	}
	l.held = true
	l.etag = info.ETag
	l.logger.Info("session.lock.acquired", "ttl", l.ttl)
	return true, nil
}

func (l *Lock) read(ctx context.Context) (Record, *storage.ObjectInfo, error) {
	data, info, err := storage.ReadObject(ctx, l.backend, l.key)
	if err != nil {
		return Record{}, nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, info, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if rec.HolderID == "" || rec.AcquiredAtMs <= 0 {
		return Record{}, info, fmt.Errorf("%w: missing fields", errUnreadable)
	}
	return rec, info, nil
}

func (l *Lock) encode() ([]byte, error) {
	return json.Marshal(Record{
		HolderID:     l.holder,
		AcquiredAtMs: l.clock.Now().UnixMilli(),
		TTLMs:        l.ttl.Milliseconds(),
	})
}
