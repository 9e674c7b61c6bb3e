package configstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/proxyvisor/internal/backup"
	"github.com/loykin/proxyvisor/internal/events"
	"github.com/loykin/proxyvisor/internal/metrics"
)

var (
	ErrNotFound       = errors.New("config not found")
	ErrParse          = errors.New("config parse error")
	ErrWrite          = errors.New("config write error")
	ErrLockContention = errors.New("config lock contention")
)

const (
	DefaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 25 * time.Millisecond
)

// Options configures a Store. Zero values select defaults.
type Options struct {
	// BackupDir defaults to <dir of path>/backups.
	BackupDir string
	// BackupKeep is the retention cap; defaults to backup.DefaultKeep.
	BackupKeep int
	// LockTimeout bounds advisory lock acquisition.
	LockTimeout time.Duration
	Logger      *slog.Logger
	// Sink receives configChanged events after successful writes.
	Sink events.Sink
}

// Store owns one configuration file. Reads share an in-process RWMutex and an
// OS advisory lock on a sibling ".lock" file; writes hold both exclusively and
// replace the file with write-to-temp, fsync and rename.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	mu          sync.RWMutex
	backups     *backup.Registry
	logger      *slog.Logger
	sink        events.Sink

	// digest of the last content this process installed; see Watcher
	lastDigest atomic.Value

	// test hook run between the temp file sync and the rename
	beforeRename func()
}

// New creates a Store for path. Nothing touches the disk until the first call.
func New(path string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bdir := opts.BackupDir
	if bdir == "" {
		bdir = filepath.Join(filepath.Dir(path), "backups")
	}
	lt := opts.LockTimeout
	if lt <= 0 {
		lt = DefaultLockTimeout
	}
	reg := backup.New(bdir,
		backup.WithPrefix(filepath.Base(path)+".backup"),
		backup.WithKeep(opts.BackupKeep),
		backup.WithLogger(logger))
	return &Store{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: lt,
		backups:     reg,
		logger:      logger,
		sink:        opts.Sink,
	}
}

// Path returns the canonical configuration path.
func (s *Store) Path() string { return s.path }

// Backups exposes the registry owned by this store.
func (s *Store) Backups() *backup.Registry { return s.backups }

// Exists reports whether the configuration file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Read returns the first document of the configuration file.
func (s *Store) Read(ctx context.Context) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(ctx)
}

func (s *Store) readLocked(ctx context.Context) (Document, error) {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}
	fl, err := s.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	_ = fl.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	res, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if res.extra > 0 {
		s.logger.Warn("config file holds multiple documents; only the first is used", "path", s.path, "ignored", res.extra)
	}
	return res.doc, nil
}

// Write backs up the current file (if any) and atomically replaces it with doc.
func (s *Store) Write(ctx context.Context, doc Document) error {
	return s.write(ctx, doc, true)
}

// WriteNoBackup replaces the file without taking a backup first. Callers that
// already saved a rollback point upstream use it.
func (s *Store) WriteNoBackup(ctx context.Context, doc Document) error {
	return s.write(ctx, doc, false)
}

func (s *Store) write(ctx context.Context, doc Document, withBackup bool) error {
	data, err := encode(doc)
	if err != nil {
		metrics.IncConfigWrite(false)
		return fmt.Errorf("%w: encode: %w", ErrWrite, err)
	}
	s.mu.Lock()
	err = s.writeLocked(ctx, data, withBackup)
	s.mu.Unlock()
	metrics.IncConfigWrite(err == nil)
	if err != nil {
		return err
	}
	s.logger.Info("config saved", "path", s.path, "backup", withBackup)
	events.Emit(ctx, s.sink, s.logger, events.ConfigChanged(s.path, "store", time.Now()))
	return nil
}

// Update runs read, fn and write under one exclusive span so concurrent
// read-modify-write callers cannot lose each other's changes. A missing file
// starts from an empty document. An error from fn aborts without writing.
func (s *Store) Update(ctx context.Context, fn func(Document) error) error {
	wrote, err := s.updateLocked(ctx, fn)
	if wrote {
		metrics.IncConfigWrite(err == nil)
	}
	if err != nil {
		return err
	}
	s.logger.Info("config updated", "path", s.path)
	events.Emit(ctx, s.sink, s.logger, events.ConfigChanged(s.path, "store", time.Now()))
	return nil
}

// updateLocked reports whether a write was attempted.
func (s *Store) updateLocked(ctx context.Context, fn func(Document) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if doc == nil {
		doc = Document{}
	}
	if err := fn(doc); err != nil {
		return false, err
	}
	data, err := encode(doc)
	if err != nil {
		return true, fmt.Errorf("%w: encode: %w", ErrWrite, err)
	}
	return true, s.writeLocked(ctx, data, true)
}

// EnsureDefault writes def when no configuration file exists yet. It reports
// whether a file was created.
func (s *Store) EnsureDefault(ctx context.Context, def Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	}
	data, err := encode(def)
	if err != nil {
		return false, fmt.Errorf("%w: encode: %w", ErrWrite, err)
	}
	if err := s.writeLocked(ctx, data, false); err != nil {
		return false, err
	}
	s.logger.Info("default config created", "path", s.path)
	return true, nil
}

// Backup snapshots the current file on request, with an optional label.
func (s *Store) Backup(label string) (backup.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	return s.backups.CreateLabeled(s.path, label)
}

// ListBackups returns the registry content, newest first.
func (s *Store) ListBackups() ([]backup.Record, error) { return s.backups.List() }

// DeleteBackup removes a backup by id.
func (s *Store) DeleteBackup(id backup.ID) error { return wrapBackupErr(s.backups.Delete(id)) }

// RenameBackup relabels a backup and returns its new id.
func (s *Store) RenameBackup(id backup.ID, label string) (backup.ID, error) {
	next, err := s.backups.Rename(id, label)
	return next, wrapBackupErr(err)
}

// Restore replaces the live configuration with the content of backup id. The
// current file is saved first with the before-restore label.
func (s *Store) Restore(ctx context.Context, id backup.ID) error {
	err := s.restoreLocked(ctx, id)
	if err != nil {
		return wrapBackupErr(err)
	}
	events.Emit(ctx, s.sink, s.logger, events.ConfigChanged(s.path, "restore", time.Now()))
	return nil
}

func (s *Store) restoreLocked(ctx context.Context, id backup.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// a backup that does not decode is refused before the safety copy is taken
	data, err := s.backups.Read(id)
	if err != nil {
		return err
	}
	if _, err := decode(data); err != nil {
		return fmt.Errorf("%w: backup %s: %w", ErrParse, id, err)
	}
	return s.backups.Restore(id, s.path, func(data []byte) error {
		return s.writeLocked(ctx, data, false)
	})
}

// writeLocked performs the physical write. Caller holds s.mu exclusively.
func (s *Store) writeLocked(ctx context.Context, data []byte, withBackup bool) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: create dir: %w", ErrWrite, err)
	}
	fl, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	mode := os.FileMode(0o644)
	if info, err := os.Stat(s.path); err == nil {
		mode = info.Mode().Perm()
		if withBackup {
			if _, err := s.backups.Create(s.path); err != nil {
				return fmt.Errorf("%w: backup: %w", ErrWrite, err)
			}
		}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", ErrWrite, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write temp: %w", ErrWrite, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		s.logger.Debug("chmod temp config", "error", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync temp: %w", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp: %w", ErrWrite, err)
	}
	if s.beforeRename != nil {
		s.beforeRename()
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: rename: %w", ErrWrite, err)
	}
	committed = true
	syncDir(dir)
	sum := sha256.Sum256(data)
	s.lastDigest.Store(sum)
	return nil
}

// acquire takes the advisory lock, retrying until LockTimeout.
func (s *Store) acquire(ctx context.Context, exclusive bool) (*flock.Flock, error) {
	fl := flock.New(s.lockPath)
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = fl.TryLockContext(lctx, lockRetryDelay)
	} else {
		ok, err = fl.TryRLockContext(lctx, lockRetryDelay)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lock config: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", ErrLockContention, s.lockPath, err)
		}
		if exclusive {
			return nil, fmt.Errorf("%w: lock: %w", ErrWrite, err)
		}
		return nil, fmt.Errorf("lock config: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockContention, s.lockPath)
	}
	return fl, nil
}

// ownsContent reports whether data is what this process last wrote.
func (s *Store) ownsContent(data []byte) bool {
	v, ok := s.lastDigest.Load().([sha256.Size]byte)
	if !ok {
		return false
	}
	return v == sha256.Sum256(data)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func wrapBackupErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backup.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return err
	}
}
