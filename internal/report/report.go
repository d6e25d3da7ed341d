package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/pkg/logger"
)

// 报告模块自有的错误码。
const (
	CodeNoCandidates xerrors.Code = "BINDER_NO_CANDIDATES"
	CodeNoneValid    xerrors.Code = "BINDER_NONE_VALID"
)

func init() {
	xerrors.Register(CodeNoCandidates, xerrors.Attributes{
		Message:    "no report PDFs to merge",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeNoneValid, xerrors.Attributes{
		Message:    "no readable report PDFs",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

// Option 定制 Service。
type Option func(*Service)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLogoPath 设置报告页眉使用的徽标。
func WithLogoPath(path string) Option {
	return func(s *Service) { s.logoPath = path }
}

// WithConcurrency 限制同时进行的渲染任务数量。
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Service 负责把快照和清单渲染成报告、装订册与导出包。
type Service struct {
	store       *manifest.FileStore
	now         func() time.Time
	logger      *slog.Logger
	logoPath    string
	concurrency int
	sem         *semaphore.Weighted
}

// NewService 创建报告服务。
func NewService(store *manifest.FileStore, opts ...Option) *Service {
	s := &Service{
		store:       store,
		now:         time.Now,
		logger:      logger.Named("report"),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.concurrency))
	return s
}

// acquire 占用一个渲染名额，返回释放函数。
func (s *Service) acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待渲染名额超时")
	}
	return func() { s.sem.Release(1) }, nil
}

func (s *Service) logo() string {
	if s.logoPath == "" {
		return ""
	}
	if _, err := os.Stat(s.logoPath); err != nil {
		return ""
	}
	return s.logoPath
}

var slugPattern = regexp.MustCompile(`[^A-Za-z0-9]+`)

// Slugify 把任意字符串转换为文件名片段，结果为空时返回 fallback。
func Slugify(value, fallback string) string {
	cleaned := strings.Trim(slugPattern.ReplaceAllString(strings.TrimSpace(value), "-"), "-")
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

// StepFilename 生成 <项目>-<步骤>-<时间戳>.<扩展名>。
func StepFilename(projectID, step string, ts int64, ext string) string {
	if ext == "" {
		ext = "pdf"
	}
	return fmt.Sprintf("%s-%s-%d.%s", Slugify(projectID, "project"), Slugify(step, "step"), ts, strings.TrimPrefix(ext, "."))
}

const maxNameAttempts = 1000

// reservePath 以 O_EXCL 在 dir 下占用 name。同名文件已存在时在扩展名前依次追加 -1、-2 等序号，
// 同一秒内的多次生成不会互相覆盖。
func reservePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := range maxNameAttempts {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建输出文件失败")
		}
	}
	return "", xerrors.New(xerrors.CodeConflict, "同名输出文件过多: "+name)
}

func renderErr(err error, what string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeRenderFailure, err, what)
}
