package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls the audit stream. Audit lines record every
// user-visible mutation of a project (snapshots, reports, anchors).
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// state is one generation of loggers together with the files it owns.
type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	current atomic.Pointer[state]
	swapMu  sync.Mutex
)

// Init installs a new generation of loggers. Files held by the previous
// generation are closed after the swap.
func Init(cfg Config) error {
	next, err := build(cfg)
	if err != nil {
		return err
	}
	swapMu.Lock()
	var stale []io.Closer
	if prev := current.Swap(next); prev != nil {
		stale, prev.closers = prev.closers, nil
	}
	swapMu.Unlock()
	_ = closeAll(stale)
	return nil
}

func build(cfg Config) (st *state, err error) {
	st = &state{}
	defer func() {
		if err != nil {
			_ = closeAll(st.closers)
			st = nil
		}
	}()

	out, err := st.open(cfg.OutputPaths)
	if err != nil {
		return st, err
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}
	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		h = slog.NewTextHandler(out, opts)
	}
	st.app = slog.New(h)
	st.audit = st.app

	if !cfg.Audit.Enabled {
		return st, nil
	}
	if strings.TrimSpace(cfg.Audit.Path) == "" {
		return st, errors.New("audit log path cannot be empty when enabled")
	}
	rw, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
	if err != nil {
		return st, err
	}
	st.closers = append(st.closers, rw)
	st.audit = slog.New(slog.NewJSONHandler(rw, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With(slog.String("stream", "audit"))
	return st, nil
}

// open resolves every output path and fans them into one writer.
// No paths means stdout.
func (st *state) open(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		w, err := st.sink(p)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func (st *state) sink(path string) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	st.closers = append(st.closers, f)
	return f, nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch v := strings.ToLower(strings.TrimSpace(level)); v {
	case "warning":
		return slog.LevelWarn
	case "debug", "info", "warn", "error":
		_ = l.UnmarshalText([]byte(v))
		return l
	default:
		return slog.LevelInfo
	}
}

func closeAll(list []io.Closer) error {
	errs := make([]error, 0, len(list))
	for _, c := range list {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func loaded() *state {
	if st := current.Load(); st != nil {
		return st
	}
	// Lazily fall back to stdout JSON at info level.
	if err := Init(Config{}); err != nil {
		return &state{app: slog.Default(), audit: slog.Default()}
	}
	return current.Load()
}

// L returns the application logger.
func L() *slog.Logger { return loaded().app }

// Audit returns the audit logger; without a dedicated audit file it is the
// application logger.
func Audit() *slog.Logger { return loaded().audit }

// Named tags a child logger with a component name.
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// ForProject tags base (or the application logger) with a project id.
func ForProject(base *slog.Logger, projectID string) *slog.Logger {
	if base == nil {
		base = L()
	}
	return base.With(slog.String("project_id", projectID))
}

// Sync closes the files owned by the current generation. The loggers stay
// installed.
func Sync() error {
	st := current.Load()
	if st == nil {
		return nil
	}
	swapMu.Lock()
	list := st.closers
	st.closers = nil
	swapMu.Unlock()
	return closeAll(list)
}
