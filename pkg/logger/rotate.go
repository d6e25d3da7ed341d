package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Backup suffixes sort lexically in time order.
const backupTimeFormat = "20060102T150405.000"

const (
	defaultAuditMaxSizeMB  = 50
	defaultAuditMaxBackups = 10
	defaultAuditMaxAgeDays = 90
)

// rotatingWriter is the audit sink. The live file is renamed to
// <path>.<timestamp> when the next write would push it past maxSize.
type rotatingWriter struct {
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time

	mu      sync.Mutex
	current *os.File
	written int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(positiveOr(maxSizeMB, defaultAuditMaxSizeMB)) << 20,
		maxBackups: positiveOr(maxBackups, defaultAuditMaxBackups),
		maxAge:     time.Duration(positiveOr(maxAgeDays, defaultAuditMaxAgeDays)) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureOpen(); err != nil {
		return 0, err
	}
	if w.overflows(len(p)) {
		if err := w.rollOver(); err != nil {
			return 0, err
		}
		if err := w.ensureOpen(); err != nil {
			return 0, err
		}
	}
	n, err := w.current.Write(p)
	w.written += int64(n)
	return n, err
}

// overflows never fires on an empty file so a single oversized record
// still lands somewhere.
func (w *rotatingWriter) overflows(n int) bool {
	return w.maxSize > 0 && w.written > 0 && w.written+int64(n) > w.maxSize
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCurrent()
}

func (w *rotatingWriter) closeCurrent() error {
	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current, w.written = nil, 0
	return err
}

func (w *rotatingWriter) ensureOpen() error {
	if w.current != nil {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.current, w.written = f, info.Size()
	return nil
}

func (w *rotatingWriter) rollOver() error {
	if err := w.closeCurrent(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	target := fmt.Sprintf("%s.%s", w.path, w.now().UTC().Format(backupTimeFormat))
	if err := os.Rename(w.path, target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.removeStale()
	return nil
}

// backups lists rotated files, newest first.
func (w *rotatingWriter) backups() []string {
	found, _ := filepath.Glob(w.path + ".*")
	slices.Sort(found)
	slices.Reverse(found)
	return found
}

func (w *rotatingWriter) removeStale() {
	list := w.backups()
	if len(list) > w.maxBackups {
		for _, old := range list[w.maxBackups:] {
			_ = os.Remove(old)
		}
		list = list[:w.maxBackups]
	}
	if w.maxAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.maxAge)
	for _, p := range list {
		if info, err := os.Stat(p); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(p)
		}
	}
}
