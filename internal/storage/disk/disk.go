// Package disk implements storage.Backend on a local or mounted filesystem.
// Each object is stored as a data file plus an ".info.json" sidecar holding
// its ETag and content type.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	lockDir   string
	now       func() time.Time

	locks sync.Map
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

type heldLock struct {
	mu   *sync.Mutex
	file *os.File
}

func (h *heldLock) release() {
	if h.file != nil {
		_ = unlockFile(h.file)
		_ = h.file.Close()
	}
	h.mu.Unlock()
}

// New prepares the directory layout under cfg.Root.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root: %w", err)
	}
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		now:       cfg.Now,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Close satisfies storage.Backend.
func (s *Store) Close() error {
	return nil
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	return storage.Logger(ctx, "disk")
}

func normalizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func (s *Store) dataPath(key string) (string, error) {
	clean, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(clean)), nil
}

func (s *Store) lock(key string) (*heldLock, error) {
	clean, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	muAny, _ := s.locks.LoadOrStore(clean, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	lockPath := filepath.Join(s.lockDir, filepath.FromSlash(clean)+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: prepare lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return &heldLock{mu: mu, file: f}, nil
}

func (s *Store) loadInfo(key string) (*storage.ObjectInfo, error) {
	dataPath, err := s.dataPath(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		ContentType:  rec.ContentType,
	}, nil
}

// ListObjects walks the object tree and returns keys in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.loggers(ctx)
	start := time.Now()
	keys := make([]string, 0, 64)
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{Objects: make([]storage.ObjectInfo, 0, limit)}
	for _, key := range keys[:limit] {
		info, err := s.loadInfo(key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	logger.Trace("disk.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", result.Truncated, "elapsed", time.Since(start))
	return result, nil
}

// GetObject opens the data file for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	dataPath, err := s.dataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadInfo(key)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	s.loggers(ctx).Trace("disk.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes body through a temp file and renames it into place.
// Conditional writes hold the key lock across the check and the rename.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggers(ctx)
	dataPath, err := s.dataPath(key)
	if err != nil {
		return nil, err
	}
	held, err := s.lock(key)
	if err != nil {
		return nil, err
	}
	defer held.release()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadInfo(key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && current != nil:
			logger.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
	}

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	hasher := sha256.New()
	if err := s.writeAtomic(dataPath, func(w io.Writer) error {
		_, err := io.Copy(io.MultiWriter(w, hasher), body)
		return err
	}); err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now()
	rec := objectInfoRecord{
		ETag:          hex.EncodeToString(hasher.Sum(nil)),
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
	}
	if err := s.writeAtomic(dataPath+infoSuffix, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(rec)
	}); err != nil {
		return nil, fmt.Errorf("disk: write metadata for %q: %w", key, err)
	}
	info, err := s.loadInfo(key)
	if err != nil {
		return nil, err
	}
	logger.Trace("disk.put_object.success", "key", key, "size", info.Size, "etag", info.ETag)
	return info, nil
}

// DeleteObject removes key and prunes empty parent directories.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.loggers(ctx)
	dataPath, err := s.dataPath(key)
	if err != nil {
		return err
	}
	held, err := s.lock(key)
	if err != nil {
		return err
	}
	defer held.release()

	info, err := s.loadInfo(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		logger.Debug("disk.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", info.ETag)
		return storage.ErrCASMismatch
	}
	for _, p := range []string{dataPath, dataPath + infoSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("disk: remove %q: %w", p, err)
		}
	}
	for dir := filepath.Dir(dataPath); dir != s.objectDir && strings.HasPrefix(dir, s.objectDir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, os.ErrNotExist) {
				logger.Debug("disk.delete_object.prune_error", "dir", dir, "error", err)
			}
			break
		}
	}
	logger.Trace("disk.delete_object.success", "key", key)
	return nil
}

func (s *Store) writeAtomic(dest string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := write(tmp); err != nil {
		return cleanup(err)
	}
	if err := flushFile(tmp); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return flushDir(filepath.Dir(dest))
}
