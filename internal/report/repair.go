package report

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"AssuredChain/internal/auth"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/protocol"
	"AssuredChain/internal/snapshot"
	"AssuredChain/pkg/logger"
)

type stepPattern struct {
	step    string
	pattern *regexp.Regexp
}

// stepPatterns 按顺序匹配，第一个命中的步骤生效。
var stepPatterns = []stepPattern{
	{protocol.StepBinder, regexp.MustCompile(`assured[-_]?binder|(^|/)binders/`)},
	{protocol.StepCertificate, regexp.MustCompile(`(^|/)coa/`)},
	{protocol.StepCharter, regexp.MustCompile(`charter`)},
	{protocol.StepDesign, regexp.MustCompile(`design`)},
	{protocol.StepDelivery, regexp.MustCompile(`delivery`)},
	{protocol.StepAssessment, regexp.MustCompile(`assessment`)},
	{protocol.StepCloning, regexp.MustCompile(`cloning`)},
	{protocol.StepSeedBank, regexp.MustCompile(`seed[-_]?bank`)},
	{protocol.StepMasterBankRegistry, regexp.MustCompile(`master[-_]?bank`)},
	{protocol.StepScreening, regexp.MustCompile(`screening`)},
	{"form_z", regexp.MustCompile(`form[-_]?z`)},
}

var timestampPattern = regexp.MustCompile(`[-_](\d{10,})[-_.]`)

// DetectStep 根据 reports/ 下的相对路径推断步骤，无法识别时返回 misc。
func DetectStep(relPath string) string {
	p := strings.ToLower(filepath.ToSlash(relPath))
	for _, sp := range stepPatterns {
		if sp.pattern.MatchString(p) {
			return sp.step
		}
	}
	return protocol.StepMisc
}

// FilenameTimestamp 从 <项目>-<步骤>-<时间戳>.pdf 形式的文件名中提取时间戳。
func FilenameTimestamp(name string) (int64, bool) {
	m := timestampPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// 修复结果状态。
const (
	RepairClean    = "clean"
	RepairDryRun   = "dry-run"
	RepairRepaired = "repaired"
)

// RepairedFile 是一条补登记（或预演中将要补登记）的报告。
type RepairedFile struct {
	Step      string `json:"step"`
	Path      string `json:"path"`
	Digest    string `json:"digest"`
	Timestamp int64  `json:"timestamp"`
}

// RepairResult 描述一次清单修复。
type RepairResult struct {
	ProjectID string         `json:"project_id"`
	Status    string         `json:"status"`
	Added     int            `json:"added"`
	Files     []RepairedFile `json:"files"`
}

// Repair 扫描 reports/ 下未登记的 PDF 并补登记。dryRun 时只返回将要登记的文件。
func (s *Service) Repair(ctx context.Context, projectID string, dryRun bool) (RepairResult, error) {
	res := RepairResult{ProjectID: projectID, Files: []RepairedFile{}}
	if !s.store.Exists(projectID) {
		return res, xerrors.New(xerrors.CodeNotFound, "项目不存在: "+projectID)
	}
	orphans, err := s.findOrphans(ctx, projectID)
	if err != nil {
		return res, err
	}
	if len(orphans) == 0 {
		res.Status = RepairClean
		return res, nil
	}
	if dryRun {
		res.Files = orphans
		res.Added = len(orphans)
		res.Status = RepairDryRun
		return res, nil
	}

	var added []RepairedFile
	if _, err := s.store.Update(projectID, func(m *manifest.Manifest) error {
		added = appendOrphans(m, orphans)
		return nil
	}); err != nil {
		return res, err
	}
	// 扫描之后可能已有其他请求登记了同一文件。
	if len(added) == 0 {
		res.Status = RepairClean
		return res, nil
	}
	res.Files = added
	res.Added = len(added)
	if err := s.store.AppendAudit(projectID, manifest.AuditEntry{
		Action:  "manifest_repaired",
		Actor:   auth.Actor(ctx),
		Details: map[string]any{"added": res.Added},
	}); err != nil {
		return res, err
	}
	res.Status = RepairRepaired
	logger.ForProject(s.logger, projectID).Info("清单已修复", slog.Int("added", res.Added))
	return res, nil
}

// appendOrphans 把 m 中尚未登记的文件追加到 reports 分类，返回实际追加的条目。
func appendOrphans(m *manifest.Manifest, orphans []RepairedFile) []RepairedFile {
	registered := registeredPDFs(m)
	added := make([]RepairedFile, 0, len(orphans))
	for _, o := range orphans {
		key := cleanAbs(o.Path)
		if registered[key] {
			continue
		}
		registered[key] = true
		m.Files[manifest.CategoryReports] = append(m.Files[manifest.CategoryReports], manifest.FileEntry{
			Step:      o.Step,
			Path:      o.Path,
			Digest:    o.Digest,
			Timestamp: o.Timestamp,
			Type:      "pdf",
		})
		added = append(added, o)
	}
	return added
}

// RegisterOrphan 登记单个尚未登记的报告 PDF，步骤和时间戳按 Repair 的规则推断。
func (s *Service) RegisterOrphan(projectID, path string) (bool, error) {
	m, err := s.store.Load(projectID)
	if err != nil {
		return false, err
	}
	if registeredPDFs(m)[cleanAbs(path)] {
		return false, nil
	}
	reportsDir := filepath.Join(s.store.ProjectDir(projectID), manifest.CategoryReports)
	rel, err := filepath.Rel(reportsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "文件不在 reports 目录下")
	}
	ts, ok := FilenameTimestamp(filepath.Base(path))
	if !ok {
		info, err := os.Stat(path)
		if err != nil {
			return false, nil
		}
		ts = info.ModTime().Unix()
	}
	return s.EnsureRegistered(projectID, DetectStep(rel), path, ts)
}

func registeredPDFs(m *manifest.Manifest) map[string]bool {
	out := map[string]bool{}
	for _, e := range m.Entries(manifest.CategoryReports) {
		if e.Type == "pdf" {
			out[cleanAbs(e.Path)] = true
		}
	}
	return out
}

func (s *Service) findOrphans(ctx context.Context, projectID string) ([]RepairedFile, error) {
	m, err := s.store.Load(projectID)
	if err != nil {
		return nil, err
	}
	registered := registeredPDFs(m)
	reportsDir := filepath.Join(s.store.ProjectDir(projectID), manifest.CategoryReports)

	var paths []string
	err = filepath.WalkDir(reportsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return nil
		}
		if !registered[cleanAbs(path)] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描报告目录失败")
	}
	sort.Strings(paths)

	files := make([]RepairedFile, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel, _ := filepath.Rel(reportsDir, path)
			ts, ok := FilenameTimestamp(filepath.Base(path))
			if !ok {
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				ts = info.ModTime().Unix()
			}
			digest, err := snapshot.Digest(path)
			if err != nil {
				return err
			}
			files[i] = RepairedFile{Step: DetectStep(rel), Path: path, Digest: digest, Timestamp: ts}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取未登记报告失败")
	}
	return files, nil
}
