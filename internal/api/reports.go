package api

import (
	"net/http"
	"strings"

	"AssuredChain/internal/report"
)

type renderReportRequest struct {
	Step     string `json:"step"`
	Snapshot string `json:"snapshot,omitempty"`
}

func (s *Server) handleRenderReport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	var req renderReportRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	art, err := s.deps.Reports.RenderSnapshot(r.Context(), id, strings.ToLower(strings.TrimSpace(req.Step)), req.Snapshot)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

// handleBinder 在没有可合并报告时仍返回装订状态，便于调用方区分 no-candidates 与 none-valid。
func (s *Server) handleBinder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Reports.BuildBinder(r.Context(), id)
	if err != nil {
		if res.Status == report.BinderNoCandidates || res.Status == report.BinderNoneValid {
			writeJSON(w, http.StatusUnprocessableEntity, res)
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Reports.Bundle(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	art, err := s.deps.Reports.SummaryDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleWorkbook(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	art, err := s.deps.Reports.Workbook(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	var req report.CertificateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Reports.Certificate(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Reports.Repair(r.Context(), id, queryBool(r, "dry_run"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Reports.Progress(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
