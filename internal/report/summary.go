package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"AssuredChain/internal/auth"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/protocol"
	"AssuredChain/internal/render"
	"AssuredChain/internal/snapshot"
)

// StepProgress 是单个协议步骤的完成情况。
type StepProgress struct {
	Key            string `json:"key"`
	Label          string `json:"label"`
	Snapshots      int    `json:"snapshots"`
	Reports        int    `json:"reports"`
	Present        bool   `json:"present"`
	LatestSnapshot int64  `json:"latest_snapshot,omitempty"`
}

// Progress 汇总项目在协议中的进度。
type Progress struct {
	ProjectID  string         `json:"project_id"`
	Steps      []StepProgress `json:"steps"`
	Present    []string       `json:"present"`
	Missing    []string       `json:"missing"`
	Completion float64        `json:"completion"`
}

// Progress 统计每个协议步骤是否已有快照或报告。
func (s *Service) Progress(projectID string) (Progress, error) {
	if !s.store.Exists(projectID) {
		return Progress{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", projectID))
	}
	m, err := s.store.Load(projectID)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(projectID, m), nil
}

func progressOf(projectID string, m *manifest.Manifest) Progress {
	p := Progress{ProjectID: projectID, Present: []string{}, Missing: []string{}}
	snaps := m.Entries(manifest.CategorySnapshots)
	reports := m.Entries(manifest.CategoryReports)
	for _, step := range protocol.Steps() {
		sp := StepProgress{Key: step.Key, Label: step.Label}
		for _, e := range snaps {
			if e.Step == step.Key {
				sp.Snapshots++
				if e.Timestamp > sp.LatestSnapshot {
					sp.LatestSnapshot = e.Timestamp
				}
			}
		}
		for _, e := range reports {
			if e.Step == step.Key {
				sp.Reports++
			}
		}
		sp.Present = sp.Snapshots > 0 || sp.Reports > 0
		if sp.Present {
			p.Present = append(p.Present, step.Key)
		} else {
			p.Missing = append(p.Missing, step.Key)
		}
		p.Steps = append(p.Steps, sp)
	}
	if len(p.Steps) > 0 {
		p.Completion = float64(len(p.Present)) / float64(len(p.Steps))
	}
	return p
}

// SummaryDocument 生成项目总结 DOCX：元数据、进度、链上记录以及每个步骤最新快照。
func (s *Service) SummaryDocument(ctx context.Context, projectID string) (Artifact, error) {
	if !s.store.Exists(projectID) {
		return Artifact{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", projectID))
	}
	m, err := s.store.Load(projectID)
	if err != nil {
		return Artifact{}, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return Artifact{}, err
	}
	defer release()

	ts := s.now().Unix()
	var blocks []render.Block
	if logo, ok := render.LogoBlock(s.logo()); ok {
		blocks = append(blocks, logo, render.Block{Kind: render.BlockSpacer, Space: 12})
	}
	blocks = append(blocks,
		render.Block{Kind: render.BlockTitle, Text: "Project Summary - " + projectID},
		render.Block{Kind: render.BlockHeading, Text: "Project", Level: 1},
		metaTable(m.Meta),
		render.Block{Kind: render.BlockHeading, Text: "Progress", Level: 1},
		progressTable(progressOf(projectID, m)),
		render.Block{Kind: render.BlockHeading, Text: "Chain Records", Level: 1},
	)
	if len(m.Chain) == 0 {
		blocks = append(blocks, render.Block{Kind: render.BlockParagraph, Text: "No entries"})
	} else {
		blocks = append(blocks, chainTable(m.Chain))
	}

	latest := snapshot.LatestPerStep(m.Entries(manifest.CategorySnapshots))
	for _, step := range snapshot.StepsWithEntries(m.Entries(manifest.CategorySnapshots)) {
		entry := latest[step]
		blocks = append(blocks, render.Block{Kind: render.BlockHeading, Text: protocol.Label(step), Level: 1})
		root, err := render.ParseFile(entry.Path)
		if err != nil {
			blocks = append(blocks, render.Block{Kind: render.BlockParagraph, Text: "Snapshot unavailable: " + filepath.Base(entry.Path)})
			continue
		}
		blocks = append(blocks, render.ShiftHeadings(render.Body(root), 1)...)
	}
	blocks = append(blocks, render.Block{Kind: render.BlockFooter, Text: "Generated on " + time.Unix(ts, 0).Format("2006-01-02 15:04:05") + " (local)"})

	dir, err := s.store.Dir(projectID, manifest.CategoryReports, "summary")
	if err != nil {
		return Artifact{}, err
	}
	path, err := reservePath(dir, StepFilename(projectID, "summary", ts, "docx"))
	if err != nil {
		return Artifact{}, err
	}
	if err := render.WriteDOCX(path, blocks); err != nil {
		_ = os.Remove(path)
		return Artifact{}, renderErr(err, "生成总结文档失败")
	}
	art, err := s.registerReport(projectID, "summary", path, ts, "docx")
	if err != nil {
		return Artifact{}, err
	}
	if err := s.store.AppendAudit(projectID, manifest.AuditEntry{
		Timestamp: ts,
		Step:      "summary",
		Action:    "summary_generated",
		Actor:     auth.Actor(ctx),
		Path:      path,
		Digest:    art.Digest,
	}); err != nil {
		return Artifact{}, err
	}
	return art, nil
}

// Workbook 导出 XLSX：Meta、Files、Chain、Audit 以及每个步骤最新快照的展开表。
func (s *Service) Workbook(ctx context.Context, projectID string) (Artifact, error) {
	if !s.store.Exists(projectID) {
		return Artifact{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", projectID))
	}
	m, err := s.store.Load(projectID)
	if err != nil {
		return Artifact{}, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return Artifact{}, err
	}
	defer release()

	sheets := []render.Sheet{
		render.FlatSheet("Meta", render.FromValue(m.Meta)),
		filesSheet(m),
		chainSheet(m.Chain),
		auditSheet(m.Audit),
	}
	snaps := m.Entries(manifest.CategorySnapshots)
	latest := snapshot.LatestPerStep(snaps)
	for _, step := range snapshot.StepsWithEntries(snaps) {
		root, err := render.ParseFile(latest[step].Path)
		if err != nil {
			continue
		}
		sheets = append(sheets, render.FlatSheet(protocol.Label(step), root))
	}

	ts := s.now().Unix()
	dir, err := s.store.Dir(projectID, manifest.CategoryExports)
	if err != nil {
		return Artifact{}, err
	}
	path, err := reservePath(dir, fmt.Sprintf("%s-workbook-%d.xlsx", Slugify(projectID, "project"), ts))
	if err != nil {
		return Artifact{}, err
	}
	filename := filepath.Base(path)
	if err := render.WriteWorkbook(path, sheets); err != nil {
		_ = os.Remove(path)
		return Artifact{}, renderErr(err, "生成工作簿失败")
	}
	digest, err := snapshot.Digest(path)
	if err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算工作簿摘要失败")
	}
	if err := s.store.RegisterFile(projectID, manifest.CategoryExports, manifest.FileEntry{
		Label:     "workbook",
		Filename:  filename,
		Path:      path,
		Digest:    digest,
		Timestamp: ts,
		Type:      "xlsx",
	}); err != nil {
		return Artifact{}, err
	}
	if err := s.store.AppendAudit(projectID, manifest.AuditEntry{
		Timestamp: ts,
		Action:    "workbook_generated",
		Actor:     auth.Actor(ctx),
		Path:      path,
		Digest:    digest,
	}); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, Digest: digest, Timestamp: ts, Type: "xlsx"}, nil
}

func metaTable(meta map[string]any) render.Block {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, cellText(meta[k])})
	}
	return render.Block{Kind: render.BlockTable, Widths: []float64{190, 310}, Header: []string{"Field", "Value"}, Rows: rows}
}

func progressTable(p Progress) render.Block {
	rows := make([][]string, 0, len(p.Steps))
	for _, sp := range p.Steps {
		status := "missing"
		if sp.Present {
			status = "present"
		}
		rows = append(rows, []string{sp.Label, status, strconv.Itoa(sp.Snapshots), strconv.Itoa(sp.Reports)})
	}
	return render.Block{Kind: render.BlockTable, Widths: []float64{170, 110, 110, 110}, Header: []string{"Step", "Status", "Snapshots", "Reports"}, Rows: rows}
}

func chainTable(records []manifest.ChainRecord) render.Block {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{r.Step, r.TxHash, r.Digest, time.Unix(r.Timestamp, 0).Format("2006-01-02 15:04")})
	}
	return render.Block{Kind: render.BlockTable, Widths: []float64{80, 160, 160, 100}, Header: []string{"Step", "Transaction", "Digest", "Time"}, Rows: rows}
}

func filesSheet(m *manifest.Manifest) render.Sheet {
	sheet := render.Sheet{
		Name:   "Files",
		Header: []string{"Category", "Step", "Type", "Label", "Path", "Digest", "Timestamp"},
		Widths: []float64{14, 18, 8, 14, 60, 66, 14},
	}
	categories := make([]string, 0, len(m.Files))
	for c := range m.Files {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		for _, e := range m.Files[c] {
			path := e.Path
			if path == "" {
				path = e.StoredAs
			}
			sheet.Rows = append(sheet.Rows, []any{c, e.Step, e.Type, e.Label, path, e.Digest, e.Timestamp})
		}
	}
	return sheet
}

func chainSheet(records []manifest.ChainRecord) render.Sheet {
	sheet := render.Sheet{
		Name:   "Chain",
		Header: []string{"Step", "TxHash", "Digest", "Timestamp", "ChainID", "Contract", "EntryID", "MetadataURI"},
		Widths: []float64{18, 68, 68, 14, 10, 44, 10, 60},
	}
	for _, r := range records {
		sheet.Rows = append(sheet.Rows, []any{r.Step, r.TxHash, r.Digest, r.Timestamp, r.ChainID, r.Contract, r.EntryID, r.MetadataURI})
	}
	return sheet
}

func auditSheet(entries []manifest.AuditEntry) render.Sheet {
	sheet := render.Sheet{
		Name:   "Audit",
		Header: []string{"Timestamp", "Step", "Action", "Actor", "Path", "Digest", "TxHash"},
		Widths: []float64{14, 18, 20, 14, 60, 66, 68},
	}
	for _, a := range entries {
		sheet.Rows = append(sheet.Rows, []any{a.Timestamp, a.Step, a.Action, a.Actor, a.Path, a.Digest, a.TxHash})
	}
	return sheet
}

func cellText(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		if t == "" {
			return "-"
		}
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return render.FormatValue(render.FromValue(t))
	}
}
