// Package sessionstore mirrors the local session directory to a blob store
// prefix so a restarted process can resume without pairing again.
//
// Files are transferred one by one. An interrupted upload leaves a mix of old
// and new objects remotely; the engine treats a missing or corrupt file as a
// fresh pairing, so a partial set is tolerated.
package sessionstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
	"github.com/KauaneAlmeida/projet-backendd/internal/retry"
	"github.com/KauaneAlmeida/projet-backendd/internal/sessionlock"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

// DefaultPrefix is the remote prefix used when none is configured.
const DefaultPrefix = "whatsapp-session"

const tempPrefix = ".wabridge-"

// Config configures a Store.
type Config struct {
	Dir     string
	Prefix  string
	Backend storage.Backend
	Retry   *retry.Retrier
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Stats summarises one transfer.
type Stats struct {
	Files int
	Bytes int64
}

func (s *Stats) add(n int64) {
	s.Files++
	s.Bytes += n
}

// Store synchronises Dir with Prefix on Backend.
type Store struct {
	dir     string
	prefix  string
	lockKey string
	backend storage.Backend
	retry   *retry.Retrier
	clock   clock.Clock
	logger  pslog.Logger

	mu sync.Mutex
}

// New validates cfg and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("sessionstore: backend required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("sessionstore: session directory required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: resolve %s: %w", cfg.Dir, err)
	}
	prefix := NormalizePrefix(cfg.Prefix)
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New(retry.DefaultPolicy(), cfg.Clock, cfg.Logger)
	}
	return &Store{
		dir:     dir,
		prefix:  prefix,
		lockKey: sessionlock.Key(prefix),
		backend: cfg.Backend,
		retry:   cfg.Retry,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("session_prefix", prefix),
	}, nil
}

// NormalizePrefix strips surrounding slashes and falls back to DefaultPrefix.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// Dir returns the absolute local session directory.
func (s *Store) Dir() string { return s.dir }

// Prefix returns the normalized remote prefix.
func (s *Store) Prefix() string { return s.prefix }

// Download writes every remote session object into the local directory. An
// empty prefix is a fresh start and leaves the directory untouched.
func (s *Store) Download(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	err := s.retry.Do(ctx, "session.download", func(ctx context.Context) error {
		stats = Stats{}
		objects, err := storage.ListAll(ctx, s.backend, s.prefix+"/")
		if err != nil {
			return remoteError(fmt.Errorf("list: %w", err))
		}
		for _, obj := range objects {
			if obj.Key == s.lockKey {
				continue
			}
			target, err := s.localPath(obj.Key)
			if err != nil {
				s.logger.Warn("session.download.skip", "key", obj.Key, "error", err)
				continue
			}
			n, err := s.fetch(ctx, obj.Key, target)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			stats.add(n)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if stats.Files == 0 {
		s.logger.Info("session.download.empty")
	} else {
		s.logger.Info("session.download.success", "files", stats.Files, "size", humanize.IBytes(uint64(stats.Bytes)))
	}
	return stats, nil
}

// Upload copies every local session file to the remote prefix. A missing local
// directory is a no-op. Repeated uploads of unchanged files leave the remote
// set unchanged.
func (s *Store) Upload(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("session.upload.no_directory", "dir", s.dir)
		return stats, nil
	}
	err := s.retry.Do(ctx, "session.upload", func(ctx context.Context) error {
		stats = Stats{}
		return filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return retry.Permanent(err)
			}
			if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
				return nil
			}
			rel, err := filepath.Rel(s.dir, p)
			if err != nil {
				return err
			}
			key := s.remoteKey(rel)
			if key == s.lockKey {
				return nil
			}
			data, err := os.ReadFile(p)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return retry.Permanent(fmt.Errorf("read %s: %w", rel, err))
			}
			if _, err := s.backend.PutObject(ctx, key, bytes.NewReader(data), storage.PutObjectOptions{
				ContentType: storage.ContentTypeOctetStream,
			}); err != nil {
				return remoteError(fmt.Errorf("put %s: %w", key, err))
			}
			stats.add(int64(len(data)))
			return nil
		})
	})
	if err != nil {
		return stats, err
	}
	s.logger.Info("session.upload.success", "files", stats.Files, "size", humanize.IBytes(uint64(stats.Bytes)))
	return stats, nil
}

// Clear deletes every remote object under the prefix except the lock record.
func (s *Store) Clear(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	err := s.retry.Do(ctx, "session.clear", func(ctx context.Context) error {
		stats = Stats{}
		objects, err := storage.ListAll(ctx, s.backend, s.prefix+"/")
		if err != nil {
			return remoteError(fmt.Errorf("list: %w", err))
		}
		for _, obj := range objects {
			if obj.Key == s.lockKey {
				continue
			}
			if err := s.backend.DeleteObject(ctx, obj.Key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
				return remoteError(fmt.Errorf("delete %s: %w", obj.Key, err))
			}
			stats.add(obj.Size)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	s.logger.Info("session.clear.success", "files", stats.Files)
	return stats, nil
}

// ResetLocal removes the local session directory and recreates it empty.
func (s *Store) ResetLocal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("sessionstore: remove %s: %w", s.dir, err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("sessionstore: create %s: %w", s.dir, err)
	}
	s.logger.Info("session.local.reset", "dir", s.dir)
	return nil
}

func (s *Store) remoteKey(rel string) string {
	return path.Join(s.prefix, filepath.ToSlash(rel))
}

func (s *Store) localPath(key string) (string, error) {
	rel := strings.TrimPrefix(key, s.prefix+"/")
	if rel == key || rel == "" || strings.HasSuffix(rel, "/") {
		return "", errors.New("key outside prefix")
	}
	native := filepath.FromSlash(rel)
	if !filepath.IsLocal(native) {
		return "", errors.New("key escapes session directory")
	}
	return filepath.Join(s.dir, native), nil
}

func (s *Store) fetch(ctx context.Context, key, target string) (int64, error) {
	res, err := s.backend.GetObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
		return 0, remoteError(err)
	}
	defer res.Reader.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return 0, retry.Permanent(fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("create temp for %s: %w", key, err))
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, res.Reader)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr != nil {
			return 0, storage.NewTransientError(fmt.Errorf("read %s: %w", key, copyErr))
		}
		return 0, retry.Permanent(fmt.Errorf("close %s: %w", tmpName, closeErr))
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return 0, retry.Permanent(err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return 0, retry.Permanent(fmt.Errorf("rename %s: %w", target, err))
	}
	s.logger.Trace("session.download.file", "key", key, "size", n)
	return n, nil
}

// remoteError marks backend failures that another attempt cannot fix. Lost
// conditional writes and missing capabilities stop the retry loop; anything
// else is left for the retrier.
func remoteError(err error) error {
	if storage.IsTransient(err) {
		return err
	}
	if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotImplemented) {
		return retry.Permanent(err)
	}
	return err
}
