package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"AssuredChain/internal/auth"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/protocol"
	"AssuredChain/internal/render"
	"AssuredChain/internal/snapshot"
	"AssuredChain/pkg/logger"
)

// Artifact 描述一个已生成并登记的文件。
type Artifact struct {
	Step      string `json:"step,omitempty"`
	Path      string `json:"path"`
	Digest    string `json:"digest"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// RenderSnapshot 将快照渲染为 PDF 并登记到 files.reports。snapshotPath 为空时
// 使用该步骤最新的快照；非空时必须是项目已登记的快照。
func (s *Service) RenderSnapshot(ctx context.Context, projectID, step, snapshotPath string) (Artifact, error) {
	if err := snapshot.ValidateStep(step); err != nil {
		return Artifact{}, err
	}
	if !s.store.Exists(projectID) {
		return Artifact{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", projectID))
	}
	m, err := s.store.Load(projectID)
	if err != nil {
		return Artifact{}, err
	}
	source, err := resolveSnapshot(m, step, snapshotPath)
	if err != nil {
		return Artifact{}, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return Artifact{}, err
	}
	defer release()

	root, err := render.ParseFile(source)
	if err != nil {
		return Artifact{}, renderErr(err, "读取快照失败")
	}
	ts := s.now().Unix()
	dir, err := s.store.Dir(projectID, manifest.CategoryReports, step)
	if err != nil {
		return Artifact{}, err
	}
	path, err := reservePath(dir, StepFilename(projectID, step, ts, "pdf"))
	if err != nil {
		return Artifact{}, err
	}
	title := fmt.Sprintf("%s Snapshot - %s", protocol.Label(step), projectID)
	blocks := render.Layout(title, root, render.Options{LogoPath: s.logo(), Now: s.now})
	if err := render.WritePDF(path, blocks); err != nil {
		_ = os.Remove(path)
		return Artifact{}, renderErr(err, "生成 PDF 失败")
	}

	art, err := s.registerReport(projectID, step, path, ts, "pdf")
	if err != nil {
		return Artifact{}, err
	}
	if err := s.store.AppendAudit(projectID, manifest.AuditEntry{
		Timestamp: ts,
		Step:      step,
		Action:    "report_rendered",
		Actor:     auth.Actor(ctx),
		Path:      path,
		Digest:    art.Digest,
		Details:   map[string]any{"snapshot": source},
	}); err != nil {
		return Artifact{}, err
	}
	logger.ForProject(s.logger, projectID).Info("报告已生成", slog.String("step", step), slog.String("path", path))
	return art, nil
}

func resolveSnapshot(m *manifest.Manifest, step, requested string) (string, error) {
	snaps := m.Entries(manifest.CategorySnapshots)
	if requested == "" {
		entry, ok := snapshot.LatestEntry(snaps, step)
		if !ok {
			return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("步骤 %s 没有快照", step))
		}
		return entry.Path, nil
	}
	want := cleanAbs(requested)
	for _, e := range snaps {
		if cleanAbs(e.Path) == want {
			return e.Path, nil
		}
	}
	return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("快照未登记: %s", filepath.Base(requested)))
}

// registerReport 计算摘要并追加 files.reports 记录。
func (s *Service) registerReport(projectID, step, path string, ts int64, typ string) (Artifact, error) {
	digest, err := snapshot.Digest(path)
	if err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算报告摘要失败")
	}
	art := Artifact{Step: step, Path: path, Digest: digest, Timestamp: ts, Type: typ}
	if err := s.store.RegisterFile(projectID, manifest.CategoryReports, manifest.FileEntry{
		Step:      step,
		Path:      path,
		Digest:    digest,
		Timestamp: ts,
		Type:      typ,
	}); err != nil {
		return Artifact{}, err
	}
	return art, nil
}

// EnsureRegistered 在 files.reports 中不存在相同路径、步骤且类型为 pdf 的记录时
// 登记该 PDF，返回是否新增。文件不存在时不登记。
func (s *Service) EnsureRegistered(projectID, step, pdfPath string, ts int64) (bool, error) {
	if _, err := os.Stat(pdfPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取报告失败")
	}
	digest, err := snapshot.Digest(pdfPath)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算报告摘要失败")
	}
	if ts == 0 {
		ts = s.now().Unix()
	}

	added := false
	if _, err := s.store.Update(projectID, func(m *manifest.Manifest) error {
		for _, e := range m.Files[manifest.CategoryReports] {
			if e.Path == pdfPath && e.Step == step && e.Type == "pdf" {
				return nil
			}
		}
		m.Files[manifest.CategoryReports] = append(m.Files[manifest.CategoryReports], manifest.FileEntry{
			Step:      step,
			Path:      pdfPath,
			Digest:    digest,
			Timestamp: ts,
			Type:      "pdf",
		})
		added = true
		return nil
	}); err != nil {
		return false, err
	}
	if added {
		logger.ForProject(s.logger, projectID).Info("补登记报告", slog.String("step", step), slog.String("path", pdfPath))
	}
	return added, nil
}

// OrderedPDFEntries 返回 PDF 报告记录：协议步骤按协议顺序，步骤内按时间；
// 其余步骤的记录按时间排在最后。未标注类型的记录视为 PDF。
func (s *Service) OrderedPDFEntries(projectID string) ([]manifest.FileEntry, error) {
	m, err := s.store.Load(projectID)
	if err != nil {
		return nil, err
	}
	return orderPDFEntries(m.Entries(manifest.CategoryReports)), nil
}

func orderPDFEntries(reports []manifest.FileEntry) []manifest.FileEntry {
	grouped := map[string][]manifest.FileEntry{}
	for _, e := range reports {
		if e.Type != "" && e.Type != "pdf" {
			continue
		}
		step := e.Step
		if step == "" {
			step = protocol.StepMisc
		}
		grouped[step] = append(grouped[step], e)
	}
	for _, list := range grouped {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp < list[j].Timestamp })
	}

	var ordered []manifest.FileEntry
	for _, key := range protocol.Keys() {
		ordered = append(ordered, grouped[key]...)
		delete(grouped, key)
	}
	var rest []manifest.FileEntry
	for _, list := range grouped {
		rest = append(rest, list...)
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Timestamp != rest[j].Timestamp {
			return rest[i].Timestamp < rest[j].Timestamp
		}
		return rest[i].Path < rest[j].Path
	})
	return append(ordered, rest...)
}

func cleanAbs(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
