package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"AssuredChain/internal/anchor"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/ledger"
	"AssuredChain/internal/web3"
)

func (s *Server) anchorsEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Anchors == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeChainNotConfigured, "锚定服务未启用"))
		return false
	}
	return true
}

func (s *Server) handleSubmitAnchor(w http.ResponseWriter, r *http.Request) {
	if !s.anchorsEnabled(w, r) {
		return
	}
	var req anchor.Request
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Anchors.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// listOptions 把查询参数转换为任务过滤条件。
// 支持 limit、offset、status(逗号分隔)、project、step、q、order=asc、since、until(unix 秒)。
func listOptions(r *http.Request) []anchor.ListOption {
	q := r.URL.Query()
	opts := []anchor.ListOption{
		anchor.WithLimit(queryInt(r, "limit", 20)),
		anchor.WithOffset(queryInt(r, "offset", 0)),
	}
	if statuses := anchor.ParseStatuses(q.Get("status")); len(statuses) > 0 {
		opts = append(opts, anchor.WithStatuses(statuses...))
	}
	if v := q.Get("project"); v != "" {
		opts = append(opts, anchor.WithProject(v))
	}
	if v := q.Get("step"); v != "" {
		opts = append(opts, anchor.WithStep(v))
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, anchor.WithQuery(v))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, anchor.WithSortOrder(anchor.SortByUpdatedAsc))
	}
	if ts, ok := unixParam(q.Get("since")); ok {
		opts = append(opts, anchor.WithUpdatedSince(ts))
	}
	if ts, ok := unixParam(q.Get("until")); ok {
		opts = append(opts, anchor.WithUpdatedUntil(ts))
	}
	return opts
}

func unixParam(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}, false
	}
	return time.Unix(v, 0), true
}

func (s *Server) handleListAnchors(w http.ResponseWriter, r *http.Request) {
	if !s.anchorsEnabled(w, r) {
		return
	}
	jobs, err := s.deps.Anchors.List(r.Context(), listOptions(r)...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*anchor.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleAnchorStats(w http.ResponseWriter, r *http.Request) {
	if !s.anchorsEnabled(w, r) {
		return
	}
	stats, err := s.deps.Anchors.Stats(r.Context(), listOptions(r)...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	if !s.anchorsEnabled(w, r) {
		return
	}
	job, err := s.deps.Anchors.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	records := []ledger.Record{}
	if s.deps.Ledger != nil {
		list, err := s.deps.Ledger.ListLatest(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账本失败"))
			return
		}
		records = append(records, list...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleOnChain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chain == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeChainNotConfigured, "未配置区块链节点"))
		return
	}
	entries, err := s.deps.Chain.Entries(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []web3.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	verifier := s.deps.Verifier
	if verifier == nil {
		verifier = anchor.NewVerifier(s.deps.Ledger, s.deps.Chain)
	}
	res, err := verifier.Verify(r.Context(), r.PathValue("digest"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
