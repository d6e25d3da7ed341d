package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/protocol"
	"AssuredChain/pkg/logger"
)

var stepPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// ValidateStep 校验步骤键，步骤键会出现在目录名中。
func ValidateStep(step string) error {
	if !stepPattern.MatchString(step) || len(step) > 64 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的步骤: %q", step))
	}
	return nil
}

// SaveRequest 描述一次快照保存。
type SaveRequest struct {
	ProjectID   string
	Step        string
	Author      string
	Payload     map[string]any
	MetaUpdates map[string]any
}

// Result 是快照保存结果。
type Result struct {
	Path        string             `json:"path"`
	Digest      string             `json:"digest"`
	Timestamp   int64              `json:"timestamp"`
	MetadataURI string             `json:"metadata_uri"`
	Readiness   protocol.Readiness `json:"readiness"`
}

// Upload 描述一个已保存的上传文件。
type Upload struct {
	Filename  string `json:"filename"`
	StoredAs  string `json:"stored_as"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"`
	Step      string `json:"step"`
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

// Service 负责快照与上传文件的落盘和登记。
type Service struct {
	store  *manifest.FileStore
	now    func() time.Time
	logger *slog.Logger
}

// NewService 创建快照服务。
func NewService(store *manifest.FileStore, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now, logger: logger.Named("snapshot")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save 写入快照 JSON，登记到清单并返回就绪状态。
func (s *Service) Save(ctx context.Context, req SaveRequest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := manifest.ValidateProjectID(req.ProjectID); err != nil {
		return Result{}, err
	}
	if err := ValidateStep(req.Step); err != nil {
		return Result{}, err
	}

	ts := s.now().Unix()
	payload := manifest.CloneMap(req.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["project_id"] = req.ProjectID
	payload["author"] = req.Author
	payload["timestamp_unix"] = ts

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "快照内容无法序列化")
	}
	digest := DigestBytes(data)

	dir, err := s.store.Dir(req.ProjectID, manifest.CategorySnapshots, req.Step)
	if err != nil {
		return Result{}, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d_%s.json", req.ProjectID, ts, digest[:12]))
	if err := manifest.WriteFileAtomic(path, data, 0o644); err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照失败")
	}

	if _, err := s.store.Update(req.ProjectID, func(m *manifest.Manifest) error {
		m.Files[manifest.CategorySnapshots] = append(m.Files[manifest.CategorySnapshots], manifest.FileEntry{
			Step:      req.Step,
			Path:      path,
			Digest:    digest,
			Timestamp: ts,
		})
		if len(req.MetaUpdates) > 0 {
			m.Meta = manifest.DeepMerge(m.Meta, req.MetaUpdates)
		}
		return nil
	}); err != nil {
		return Result{}, err
	}
	if err := s.store.AppendAudit(req.ProjectID, manifest.AuditEntry{
		Timestamp: ts,
		Step:      req.Step,
		Action:    "snapshot_saved",
		Actor:     req.Author,
		Path:      path,
		Digest:    digest,
	}); err != nil {
		return Result{}, err
	}

	readiness := protocol.Evaluate(req.Step, payload)
	logger.ForProject(s.logger, req.ProjectID).Info("快照已保存",
		slog.String("step", req.Step),
		slog.String("digest", digest),
		slog.Bool("ready", readiness.Ready),
	)
	return Result{
		Path:        path,
		Digest:      digest,
		Timestamp:   ts,
		MetadataURI: FileURI(path),
		Readiness:   readiness,
	}, nil
}

// SaveUpload 将上传内容保存到 uploads/<step>/ 并登记。
func (s *Service) SaveUpload(ctx context.Context, projectID, step, filename string, r io.Reader) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}
	if err := manifest.ValidateProjectID(projectID); err != nil {
		return Upload{}, err
	}
	if err := ValidateStep(step); err != nil {
		return Upload{}, err
	}

	dir, err := s.store.Dir(projectID, manifest.CategoryUploads, step)
	if err != nil {
		return Upload{}, err
	}
	now := s.now()
	name := UploadName(filename, now)
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Upload{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建上传文件失败")
	}
	hasher := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(file, hasher), r)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr == nil {
			copyErr = closeErr
		}
		return Upload{}, xerrors.Wrap(xerrors.CodeStorageFailure, copyErr, "写入上传文件失败")
	}

	up := Upload{
		Filename:  cleanFilename(filename),
		StoredAs:  path,
		Digest:    hex.EncodeToString(hasher.Sum(nil)),
		Size:      size,
		Timestamp: now.Unix(),
		Step:      step,
	}
	if err := s.store.RegisterFile(projectID, manifest.CategoryUploads, manifest.FileEntry{
		Step:      step,
		Path:      path,
		Filename:  up.Filename,
		StoredAs:  path,
		Digest:    up.Digest,
		Timestamp: up.Timestamp,
	}); err != nil {
		return Upload{}, err
	}
	if err := s.store.AppendAudit(projectID, manifest.AuditEntry{
		Timestamp: up.Timestamp,
		Step:      step,
		Action:    "upload_saved",
		Path:      path,
		Digest:    up.Digest,
		Details:   map[string]any{"filename": up.Filename, "size": size},
	}); err != nil {
		return Upload{}, err
	}
	return up, nil
}

// Latest 返回某步骤最新的快照记录及其内容。
func (s *Service) Latest(projectID, step string) (manifest.FileEntry, map[string]any, error) {
	m, err := s.store.Load(projectID)
	if err != nil {
		return manifest.FileEntry{}, nil, err
	}
	entry, ok := LatestEntry(m.Entries(manifest.CategorySnapshots), step)
	if !ok {
		return manifest.FileEntry{}, nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 没有步骤 %s 的快照", projectID, step))
	}
	payload, err := ReadPayload(entry.Path)
	if err != nil {
		return entry, nil, err
	}
	return entry, payload, nil
}

// LatestEntry 返回指定步骤时间戳最大的记录，时间戳相同时取后登记者。
func LatestEntry(entries []manifest.FileEntry, step string) (manifest.FileEntry, bool) {
	var (
		best  manifest.FileEntry
		found bool
	)
	for _, e := range entries {
		if e.Step != step {
			continue
		}
		if !found || e.Timestamp >= best.Timestamp {
			best = e
			found = true
		}
	}
	return best, found
}

// LatestPerStep 返回每个步骤最新的记录。
func LatestPerStep(entries []manifest.FileEntry) map[string]manifest.FileEntry {
	out := map[string]manifest.FileEntry{}
	for _, e := range entries {
		if cur, ok := out[e.Step]; !ok || e.Timestamp >= cur.Timestamp {
			out[e.Step] = e
		}
	}
	return out
}

// StepsWithEntries 返回有记录的步骤，按协议顺序排列。
func StepsWithEntries(entries []manifest.FileEntry) []string {
	seen := map[string]bool{}
	var steps []string
	for _, e := range entries {
		if e.Step != "" && !seen[e.Step] {
			seen[e.Step] = true
			steps = append(steps, e.Step)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if protocol.Index(steps[i]) != protocol.Index(steps[j]) {
			return protocol.Index(steps[i]) < protocol.Index(steps[j])
		}
		return steps[i] < steps[j]
	})
	return steps
}

// ReadPayload 读取快照 JSON。
func ReadPayload(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "快照文件不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取快照失败")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "快照不是合法的 JSON 对象")
	}
	return payload, nil
}

// Digest 计算文件内容的 SHA-256（十六进制）。
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestBytes 计算字节内容的 SHA-256（十六进制）。
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileURI 返回文件的 file:// URI。
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// UploadName 生成 <毫秒时间戳>_<10 位随机串><扩展名>，扩展名超过 10 个字符时丢弃。
func UploadName(filename string, now time.Time) string {
	ext := filepath.Ext(cleanFilename(filename))
	if len(ext) > 10 {
		ext = ""
	}
	slug := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("%d_%s%s", now.UnixMilli(), slug, ext)
}

func cleanFilename(name string) string {
	if i := strings.IndexAny(name, "\r\n"); i >= 0 {
		name = name[:i]
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	if len(name) > 200 {
		name = name[:200]
	}
	return name
}
