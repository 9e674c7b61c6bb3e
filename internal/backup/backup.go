package backup

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/proxyvisor/internal/metrics"
)

const (
	// DefaultPrefix is the filename prefix shared by every backup.
	DefaultPrefix = "config.yaml.backup"
	// DefaultKeep is the retention cap applied after each backup.
	DefaultKeep = 10
	// LabelBeforeRestore marks the safety copy taken by Restore.
	LabelBeforeRestore = "before-restore"

	timestampLayout = "20060102T150405.000000000Z"
	maxLabelLen     = 64
)

var (
	ErrNotFound     = errors.New("backup not found")
	ErrInvalidName  = errors.New("invalid backup name")
	ErrInvalidLabel = errors.New("invalid backup label")
	ErrExists       = errors.New("backup already exists")
)

// ID is the file name of a backup inside the registry directory.
type ID string

// Record describes one backup on disk.
type Record struct {
	ID        ID        `json:"id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
}

// Registry keeps a bounded, timestamped history of a single file.
// All mutations of the backup directory go through the registry's mutex.
type Registry struct {
	mu     sync.Mutex
	dir    string
	prefix string
	keep   int
	now    func() time.Time
	logger *slog.Logger
	// last issued timestamp; keeps names unique when the clock does not advance
	last time.Time
	re   *regexp.Regexp
	// remove deletes pruned files; replaced in tests
	remove func(string) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrefix names backups after the file they protect, e.g. "clash.yaml.backup".
func WithPrefix(p string) Option { return func(r *Registry) { r.prefix = p } }

func WithKeep(n int) Option { return func(r *Registry) { r.keep = n } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New creates a registry rooted at dir. The directory is created lazily.
func New(dir string, opts ...Option) *Registry {
	r := &Registry{
		dir:    dir,
		prefix: DefaultPrefix,
		keep:   DefaultKeep,
		now:    time.Now,
		logger: slog.Default(),
		remove: os.Remove,
	}
	for _, o := range opts {
		o(r)
	}
	if r.keep <= 0 {
		r.keep = DefaultKeep
	}
	r.re = regexp.MustCompile(`^` + regexp.QuoteMeta(r.prefix) + `\.(\d{8}T\d{6}\.\d{9}Z)(?:\.([A-Za-z0-9_-]{1,64}))?$`)
	return r
}

func (r *Registry) Dir() string { return r.dir }

// Create copies src into the registry and prunes to the retention cap.
func (r *Registry) Create(src string) (ID, error) {
	return r.CreateLabeled(src, "")
}

// CreateLabeled is Create with an optional label suffix.
func (r *Registry) CreateLabeled(src, label string) (ID, error) {
	if label != "" {
		l, err := sanitizeLabel(label)
		if err != nil {
			return "", err
		}
		label = l
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.createLocked(src, label)
	if err != nil {
		return "", err
	}
	r.pruneLocked(r.keep)
	return id, nil
}

func (r *Registry) createLocked(src, label string) (ID, error) {
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	ts := r.now().UTC()
	if !ts.After(r.last) {
		ts = r.last.Add(time.Nanosecond)
	}
	r.last = ts
	name := r.prefix + "." + ts.Format(timestampLayout)
	if label != "" {
		name += "." + label
	}
	dst := filepath.Join(r.dir, name)
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("copy %s to backup: %w", src, err)
	}
	// mtime carries the creation order for pruning; pin it to the embedded timestamp
	_ = os.Chtimes(dst, ts, ts)
	r.logger.Info("backup created", "id", name)
	metrics.IncBackup()
	return ID(name), nil
}

// List returns all backups, newest first.
func (r *Registry) List() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, label, ok := r.parse(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Record{
			ID:        ID(e.Name()),
			Label:     label,
			CreatedAt: ts,
			ModTime:   info.ModTime(),
			Size:      info.Size(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Restore takes a safety copy of live, then hands the chosen backup's content
// to install. install is expected to replace live atomically.
func (r *Registry) Restore(id ID, live string, install func([]byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.resolve(id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", id, err)
	}
	if _, err := os.Stat(live); err == nil {
		if _, err := r.createLocked(live, LabelBeforeRestore); err != nil {
			return fmt.Errorf("safety backup: %w", err)
		}
	}
	if err := install(data); err != nil {
		return err
	}
	r.logger.Info("backup restored", "id", id)
	metrics.IncRestore()
	r.pruneLocked(r.keep)
	return nil
}

// Read returns the content of a backup.
func (r *Registry) Read(id ID) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.resolve(id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (r *Registry) Delete(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.resolve(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	r.logger.Info("backup deleted", "id", id)
	return nil
}

// Rename replaces the label of a backup. The timestamp component is kept so
// ordering does not change.
func (r *Registry) Rename(id ID, label string) (ID, error) {
	l, err := sanitizeLabel(label)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.resolve(id)
	if err != nil {
		return "", err
	}
	ts, _, _ := r.parse(string(id))
	next := r.prefix + "." + ts.Format(timestampLayout) + "." + l
	if next == string(id) {
		return id, nil
	}
	dst := filepath.Join(r.dir, next)
	if _, err := os.Lstat(dst); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, next)
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("rename backup %s: %w", id, err)
	}
	r.logger.Info("backup renamed", "from", id, "to", next)
	return ID(next), nil
}

// Prune deletes all but the keep most recently modified backups.
func (r *Registry) Prune(keep int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(keep)
}

func (r *Registry) pruneLocked(keep int) {
	if keep <= 0 {
		return
	}
	recs, err := r.listLocked()
	if err != nil {
		r.logger.Warn("list backups for pruning", "error", err)
		return
	}
	if len(recs) <= keep {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].ModTime.Equal(recs[j].ModTime) {
			return recs[i].ModTime.After(recs[j].ModTime)
		}
		return recs[i].ID > recs[j].ID
	})
	for _, rec := range recs[keep:] {
		p := filepath.Join(r.dir, string(rec.ID))
		if err := r.remove(p); err != nil {
			r.logger.Warn("failed to remove old backup", "id", rec.ID, "error", err)
			continue
		}
		r.logger.Debug("removed old backup", "id", rec.ID)
	}
}

// resolve maps an ID to a path, refusing anything outside the naming convention.
func (r *Registry) resolve(id ID) (string, error) {
	name := string(id)
	if name == "" || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, _, ok := r.parse(name); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(r.dir, name)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

func (r *Registry) parse(name string) (time.Time, string, bool) {
	m := r.re.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(timestampLayout, m[1])
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, m[2], true
}

// sanitizeLabel keeps letters, digits, '_' and '-'; whitespace becomes '-'.
func sanitizeLabel(label string) (string, error) {
	var b strings.Builder
	for _, c := range strings.TrimSpace(label) {
		switch {
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-':
			b.WriteRune(c)
		case c == ' ' || c == '\t':
			b.WriteByte('-')
		}
	}
	out := b.String()
	if out == "" {
		return "", fmt.Errorf("%w: label is empty", ErrInvalidLabel)
	}
	if len(out) > maxLabelLen {
		out = out[:maxLabelLen]
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
