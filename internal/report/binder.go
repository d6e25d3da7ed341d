package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"AssuredChain/internal/auth"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/protocol"
	"AssuredChain/internal/render"
	"AssuredChain/internal/snapshot"
	"AssuredChain/pkg/logger"
)

// 装订结果状态。
const (
	BinderOK           = "ok"
	BinderNoCandidates = "no-candidates"
	BinderNoneValid    = "none-valid"
)

// BinderResult 描述一次装订。
type BinderResult struct {
	Status        string    `json:"status"`
	ProjectID     string    `json:"project_id"`
	Binder        *Artifact `json:"binder,omitempty"`
	Included      []string  `json:"included,omitempty"`
	Skipped       []string  `json:"skipped"`
	IncludedCount int       `json:"included_count"`
}

// BuildBinder 把每个步骤最新的 PDF 报告按协议顺序合并为一份装订册。
// 没有候选文件或全部无法读取时，返回对应状态和错误。
func (s *Service) BuildBinder(ctx context.Context, projectID string) (BinderResult, error) {
	res := BinderResult{ProjectID: projectID, Skipped: []string{}}
	if !s.store.Exists(projectID) {
		return res, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", projectID))
	}
	entries, err := s.OrderedPDFEntries(projectID)
	if err != nil {
		return res, err
	}
	candidates := binderCandidates(entries)
	if len(candidates) == 0 {
		res.Status = BinderNoCandidates
		return res, xerrors.New(CodeNoCandidates, "没有可合并的报告")
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	ts := s.now().Unix()
	dir, err := s.store.Dir(projectID, manifest.CategoryReports, "binders")
	if err != nil {
		return res, err
	}
	out, err := reservePath(dir, StepFilename(projectID, "assured-binder", ts, "pdf"))
	if err != nil {
		return res, err
	}
	merged, err := render.MergePDFs(candidates, out)
	for _, skipped := range merged.Skipped {
		res.Skipped = append(res.Skipped, filepath.Base(skipped.Path))
		logger.ForProject(s.logger, projectID).Warn("跳过无法读取的报告",
			slog.String("path", skipped.Path), slog.String("reason", skipped.Reason))
	}
	if errors.Is(err, render.ErrNoValidInputs) {
		_ = os.Remove(out)
		res.Status = BinderNoneValid
		return res, xerrors.New(CodeNoneValid, "候选报告均无法读取")
	}
	if err != nil {
		_ = os.Remove(out)
		return res, renderErr(err, "合并报告失败")
	}

	digest, err := snapshot.Digest(out)
	if err != nil {
		return res, xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算装订册摘要失败")
	}
	entry := manifest.FileEntry{
		Step:          protocol.StepBinder,
		Path:          out,
		Digest:        digest,
		Timestamp:     ts,
		Type:          "pdf",
		Skipped:       res.Skipped,
		IncludedCount: len(merged.Included),
	}
	if err := s.store.RegisterFile(projectID, manifest.CategoryReports, entry); err != nil {
		return res, err
	}
	if err := s.store.AppendAudit(projectID, manifest.AuditEntry{
		Timestamp: ts,
		Step:      protocol.StepBinder,
		Action:    "binder_generated",
		Actor:     auth.Actor(ctx),
		Path:      out,
		Digest:    digest,
		Details:   map[string]any{"included_count": len(merged.Included), "skipped": res.Skipped},
	}); err != nil {
		return res, err
	}

	res.Status = BinderOK
	res.Binder = &Artifact{Step: protocol.StepBinder, Path: out, Digest: digest, Timestamp: ts, Type: "pdf"}
	res.Included = merged.Included
	res.IncludedCount = len(merged.Included)
	return res, nil
}

// binderCandidates 取每个步骤最新且仍存在的 PDF，协议步骤在前，其余按首次出现顺序。
func binderCandidates(ordered []manifest.FileEntry) []string {
	latest := map[string]manifest.FileEntry{}
	var seen []string
	for _, e := range ordered {
		if e.Step == protocol.StepBinder {
			continue
		}
		if info, err := os.Stat(e.Path); err != nil || info.IsDir() {
			continue
		}
		step := e.Step
		if step == "" {
			step = protocol.StepMisc
		}
		cur, ok := latest[step]
		if !ok {
			seen = append(seen, step)
		}
		if !ok || e.Timestamp > cur.Timestamp {
			latest[step] = e
		}
	}

	var out []string
	for _, key := range protocol.Keys() {
		if e, ok := latest[key]; ok {
			out = append(out, e.Path)
			delete(latest, key)
		}
	}
	for _, step := range seen {
		if e, ok := latest[step]; ok {
			out = append(out, e.Path)
		}
	}
	return out
}
