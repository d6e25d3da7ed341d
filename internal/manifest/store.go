package manifest

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/pkg/logger"
)

const manifestFile = "manifest.json"

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateProjectID 校验项目 ID，防止路径穿越。
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) || len(id) > 128 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的项目 ID: %q", id))
	}
	return nil
}

// Option 用于定制 FileStore。
type Option func(*FileStore)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// FileStore 将每个项目的清单保存在 <data_dir>/projects/<id>/manifest.json。
// 同一进程内对同一项目的读改写由项目级互斥锁串行化。
type FileStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore 创建基于数据目录的清单存储。
func NewFileStore(dataDir string, opts ...Option) (*FileStore, error) {
	if dataDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据目录不能为空")
	}
	root := filepath.Join(dataDir, "projects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建项目目录失败")
	}
	s := &FileStore{
		root:   root,
		logger: logger.Named("manifest"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root 返回 projects 根目录。
func (s *FileStore) Root() string { return s.root }

// Now 返回存储使用的当前时间。
func (s *FileStore) Now() time.Time { return s.now() }

func (s *FileStore) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ListProjects 返回排序后的项目目录名。
func (s *FileStore) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取项目目录失败")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && projectIDPattern.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exists 判断项目目录是否存在。
func (s *FileStore) Exists(id string) bool {
	if ValidateProjectID(id) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.root, id))
	return err == nil && info.IsDir()
}

// CreateProject 创建项目目录与初始清单。
func (s *FileStore) CreateProject(id string, meta map[string]any) (*Manifest, error) {
	if err := ValidateProjectID(id); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()
	if s.Exists(id) {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("项目 %s 已存在", id))
	}

	if err := s.ensureDirs(id); err != nil {
		return nil, err
	}
	m, err := s.load(id)
	if err != nil {
		return nil, err
	}
	m.Meta = DeepMerge(m.Meta, meta)
	m.Meta["project_id"] = id
	if isZero(m.Meta["created_at"]) {
		m.Meta["created_at"] = s.now().Unix()
	}
	if err := s.save(id, m); err != nil {
		return nil, err
	}
	logger.Audit().Info("project created", slog.String("project_id", id))
	return m, nil
}

// Load 读取清单，缺失时创建默认清单，损坏时备份后重置。
func (s *FileStore) Load(id string) (*Manifest, error) {
	if err := ValidateProjectID(id); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.load(id)
}

// Save 原子地写入整个清单。
func (s *FileStore) Save(id string, m *Manifest) error {
	if err := ValidateProjectID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.save(id, m)
}

// Update 在项目锁内完成读改写。fn 返回错误时不写回。
func (s *FileStore) Update(id string, fn func(*Manifest) error) (*Manifest, error) {
	if err := ValidateProjectID(id); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()

	m, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.save(id, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Meta 返回 meta 的深拷贝。
func (s *FileStore) Meta(id string) (map[string]any, error) {
	m, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	return CloneMap(m.Meta), nil
}

// UpdateMeta 将 updates 深度合并进 meta 并返回新的 meta。
func (s *FileStore) UpdateMeta(id string, updates map[string]any) (map[string]any, error) {
	m, err := s.Update(id, func(m *Manifest) error {
		m.Meta = DeepMerge(m.Meta, updates)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return CloneMap(m.Meta), nil
}

// RegisterFile 向 files[category] 追加一条记录。
func (s *FileStore) RegisterFile(id, category string, entry FileEntry) error {
	if category == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "文件分类不能为空")
	}
	_, err := s.Update(id, func(m *Manifest) error {
		m.Files[category] = append(m.Files[category], entry)
		return nil
	})
	return err
}

// RegisterChainTx 向 chain 追加一条交易记录。
func (s *FileStore) RegisterChainTx(id string, record ChainRecord) error {
	if record.Timestamp == 0 {
		record.Timestamp = s.now().Unix()
	}
	_, err := s.Update(id, func(m *Manifest) error {
		m.Chain = append(m.Chain, record)
		return nil
	})
	return err
}

// AppendAudit 追加审计记录，同时写一行审计日志。
func (s *FileStore) AppendAudit(id string, entry AuditEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = s.now().Unix()
	}
	if _, err := s.Update(id, func(m *Manifest) error {
		m.Audit = append(m.Audit, entry)
		return nil
	}); err != nil {
		return err
	}
	logger.Audit().Info(entry.Action,
		slog.String("project_id", id),
		slog.String("step", entry.Step),
		slog.String("actor", entry.Actor),
		slog.String("path", entry.Path),
		slog.String("digest", entry.Digest),
		slog.String("tx_hash", entry.TxHash),
	)
	return nil
}

// ProjectDir 返回项目根目录，不做创建。
func (s *FileStore) ProjectDir(id string) string {
	return filepath.Join(s.root, id)
}

// ManifestPath 返回清单文件路径。
func (s *FileStore) ManifestPath(id string) string {
	return filepath.Join(s.root, id, manifestFile)
}

// Dir 返回项目子目录并确保其存在。
func (s *FileStore) Dir(id string, parts ...string) (string, error) {
	if err := ValidateProjectID(id); err != nil {
		return "", err
	}
	if err := s.ensureDirs(id); err != nil {
		return "", err
	}
	path := filepath.Join(append([]string{s.root, id}, parts...)...)
	rel, err := filepath.Rel(filepath.Join(s.root, id), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "子目录超出项目范围")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建项目子目录失败")
	}
	return path, nil
}

func (s *FileStore) ensureDirs(id string) error {
	base := filepath.Join(s.root, id)
	for _, folder := range ProjectFolders {
		if err := os.MkdirAll(filepath.Join(base, folder), 0o755); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建项目目录失败")
		}
	}
	return nil
}

func (s *FileStore) load(id string) (*Manifest, error) {
	if err := s.ensureDirs(id); err != nil {
		return nil, err
	}
	path := s.ManifestPath(id)
	data, err := os.ReadFile(path)
	switch {
	case stdErrors.Is(err, os.ErrNotExist):
		m := Default()
		return m, s.save(id, m)
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取清单失败")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
		if rerr := os.Rename(path, backup); rerr != nil {
			return nil, xerrors.Wrap(xerrors.CodeManifestCorrupt, rerr, "备份损坏的清单失败")
		}
		s.logger.Warn("清单损坏，已备份并重置",
			slog.String("project_id", id),
			slog.String("backup", backup),
			slog.Any("error", err),
		)
		fresh := Default()
		return fresh, s.save(id, fresh)
	}
	if m.fill() {
		if err := s.save(id, &m); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (s *FileStore) save(id string, m *Manifest) error {
	if m == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "清单不能为空")
	}
	m.fill()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化清单失败")
	}
	if err := WriteFileAtomic(s.ManifestPath(id), data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入清单失败")
	}
	return nil
}

func isZero(v any) bool {
	switch n := v.(type) {
	case nil:
		return true
	case int:
		return n == 0
	case int64:
		return n == 0
	case float64:
		return n == 0
	case json.Number:
		return n.String() == "0"
	default:
		return false
	}
}
