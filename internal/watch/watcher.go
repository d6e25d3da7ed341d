// Package watch 监听项目的 reports 目录，把外部放入的 PDF 自动登记到清单。
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/pkg/logger"
)

// Registrar 登记一个尚未出现在清单中的报告 PDF。
type Registrar interface {
	RegisterOrphan(projectID, path string) (bool, error)
}

// Option 定制 Watcher。
type Option func(*Watcher)

// WithDebounce 设置文件静默多久后才登记。
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Stats 记录监听器的活动计数。
type Stats struct {
	Events     int
	Registered int
	Errors     int
}

// Watcher 基于 fsnotify 监听 <data_dir>/projects 下的报告目录。
type Watcher struct {
	root      string
	registrar Registrar
	debounce  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	stats   Stats
}

// New 创建监听器，root 为 projects 根目录。
func New(root string, registrar Registrar, opts ...Option) *Watcher {
	w := &Watcher{
		root:      filepath.Clean(root),
		registrar: registrar,
		debounce:  1500 * time.Millisecond,
		logger:    logger.Named("watch"),
		pending:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run 阻塞运行直到 ctx 结束。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建文件监听失败")
	}
	defer fw.Close()

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建项目目录失败")
	}
	if err := fw.Add(w.root); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "监听项目目录失败")
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取项目目录失败")
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addProject(fw, filepath.Join(w.root, e.Name()))
		}
	}
	w.logger.Info("报告目录监听已启动", slog.String("root", w.root), slog.Duration("debounce", w.debounce))

	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("报告目录监听已停止")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("文件监听错误", slog.Any("error", err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.flush(time.Now())
		}
	}
}

// Stats 返回当前计数的副本。
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) addProject(fw *fsnotify.Watcher, dir string) {
	if err := fw.Add(dir); err != nil {
		w.logger.Warn("监听项目目录失败", slog.String("dir", dir), slog.Any("error", err))
		return
	}
	reports := filepath.Join(dir, manifest.CategoryReports)
	if info, err := os.Stat(reports); err == nil && info.IsDir() {
		w.addTree(fw, reports)
	}
}

// addTree 监听 reports 目录及其全部子目录，并把已有的 PDF 放入待登记队列。
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) {
	now := time.Now()
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				w.logger.Warn("监听报告目录失败", slog.String("dir", path), slog.Any("error", err))
			}
			return nil
		}
		if isPDF(path) {
			w.mark(path, now)
		}
		return nil
	})
}

func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			switch {
			case len(parts) == 1:
				w.addProject(fw, event.Name)
			case parts[1] == manifest.CategoryReports:
				w.addTree(fw, event.Name)
			}
			return
		}
	}
	if len(parts) < 3 || parts[1] != manifest.CategoryReports || !isPDF(event.Name) {
		return
	}
	w.mark(event.Name, time.Now())
}

func (w *Watcher) mark(path string, at time.Time) {
	w.mu.Lock()
	w.pending[path] = at
	w.stats.Events++
	w.mu.Unlock()
}

// flush 登记所有静默时间超过去抖窗口的文件。
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.register(path)
	}
}

func (w *Watcher) register(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	projectID := strings.Split(filepath.ToSlash(rel), "/")[0]
	log := logger.ForProject(w.logger, projectID)

	added, err := w.registrar.RegisterOrphan(projectID, path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.stats.Errors++
		log.Warn("自动登记报告失败", slog.String("path", path), slog.Any("error", err))
		return
	}
	if added {
		w.stats.Registered++
		log.Info("自动登记报告", slog.String("path", path))
	}
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}
