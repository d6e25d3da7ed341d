package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"AssuredChain/internal/anchor"
	"AssuredChain/internal/auth"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/protocol"
	"AssuredChain/internal/snapshot"
	"AssuredChain/pkg/logger"
)

// projectSummary 是项目列表中的一项。
type projectSummary struct {
	ID   string         `json:"id"`
	Meta map[string]any `json:"meta"`
}

type createProjectRequest struct {
	ID   string         `json:"id"`
	Meta map[string]any `json:"meta"`
}

type saveSnapshotRequest struct {
	Step        string         `json:"step"`
	Author      string         `json:"author"`
	Payload     map[string]any `json:"payload"`
	MetaUpdates map[string]any `json:"meta_updates"`
	// Anchor 为 true 时保存后立即提交锚定任务。
	Anchor bool `json:"anchor"`
}

type saveSnapshotResponse struct {
	Snapshot snapshot.Result `json:"snapshot"`
	Anchor   *anchor.Job     `json:"anchor,omitempty"`
}

type readinessRequest struct {
	Step    string         `json:"step"`
	Payload map[string]any `json:"payload"`
}

// requireProject 在项目不存在时写出 404 并返回 false。
func (s *Server) requireProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := manifest.ValidateProjectID(id); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	if !s.deps.Projects.Exists(id) {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", id)))
		return "", false
	}
	return id, true
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Projects.ListProjects()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]projectSummary, 0, len(ids))
	for _, id := range ids {
		meta, err := s.deps.Projects.Meta(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, projectSummary{ID: id, Meta: meta})
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	m, err := s.deps.Projects.CreateProject(id, req.Meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Projects.AppendAudit(id, manifest.AuditEntry{
		Action: "project_created",
		Actor:  auth.Actor(r.Context()),
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	m, err := s.deps.Projects.Load(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	var updates map[string]any
	if err := decodeJSON(r, &updates); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(updates) == 0 {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "meta 更新内容为空"))
		return
	}
	meta, err := s.deps.Projects.UpdateMeta(id, updates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	if err := s.deps.Projects.AppendAudit(id, manifest.AuditEntry{
		Action:  "meta_updated",
		Actor:   auth.Actor(r.Context()),
		Details: map[string]any{"keys": keys},
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	var req saveSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = auth.Actor(r.Context())
	}
	res, err := s.deps.Snapshots.Save(r.Context(), snapshot.SaveRequest{
		ProjectID:   id,
		Step:        strings.ToLower(strings.TrimSpace(req.Step)),
		Author:      author,
		Payload:     req.Payload,
		MetaUpdates: req.MetaUpdates,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := saveSnapshotResponse{Snapshot: res}
	if req.Anchor {
		if s.deps.Anchors == nil {
			s.writeError(w, r, xerrors.New(xerrors.CodeChainNotConfigured, "锚定服务未启用"))
			return
		}
		job, err := s.deps.Anchors.Submit(r.Context(), anchor.Request{
			ProjectID:   id,
			Step:        req.Step,
			Digest:      res.Digest,
			MetadataURI: res.MetadataURI,
			SourcePath:  res.Path,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out.Anchor = job
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	step := strings.ToLower(r.PathValue("step"))
	if err := snapshot.ValidateStep(step); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, payload, err := s.deps.Snapshots.Latest(id, step)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry":     entry,
		"payload":   payload,
		"readiness": protocol.Evaluate(step, payload),
	})
}

// handleUpload 接收 multipart 表单：step 字段与一个或多个 file 字段。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "上传表单解析失败"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	step := strings.ToLower(strings.TrimSpace(r.FormValue("step")))
	if step == "" {
		step = protocol.StepMisc
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "缺少 file 字段"))
		return
	}

	uploads := make([]snapshot.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取上传文件失败"))
			return
		}
		up, err := s.deps.Snapshots.SaveUpload(r.Context(), id, step, fh.Filename, f)
		f.Close()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		uploads = append(uploads, up)
	}
	logger.ForProject(s.logger, id).Info("已保存上传文件",
		slog.String("step", step),
		slog.Int("count", len(uploads)),
		slog.String("actor", auth.Actor(r.Context())),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"uploads": uploads})
}

func (s *Server) handleSteps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"steps": protocol.Steps()})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var req readinessRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	step := strings.ToLower(strings.TrimSpace(req.Step))
	if !protocol.Known(step) {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的协议步骤: %q", req.Step)))
		return
	}
	writeJSON(w, http.StatusOK, protocol.Evaluate(step, req.Payload))
}
