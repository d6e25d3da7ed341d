package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"AssuredChain/internal/anchor"
	"AssuredChain/internal/auth"
	"AssuredChain/internal/config"
	"AssuredChain/internal/ledger"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/observability/metrics"
	"AssuredChain/internal/report"
	"AssuredChain/internal/snapshot"
)

const testDigest = "0x3f9a1c0b7e5d4a2f8c6b1e0d9a7f5c3b2e1d0c9b8a7f6e5d4c3b2a1908f7e6d5"

type testEnv struct {
	server   *Server
	handler  http.Handler
	projects *manifest.FileStore
	queue    *anchor.MemoryQueue
	ledger   *ledger.FileRepository
}

func newTestEnv(t *testing.T, authSvc *auth.Service) *testEnv {
	t.Helper()
	dir := t.TempDir()
	projects, err := manifest.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	repo, err := ledger.NewFileRepository(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	queue := anchor.NewMemoryQueue(16)
	t.Cleanup(func() { _ = queue.Close() })

	deps := Dependencies{
		Projects:  projects,
		Snapshots: snapshot.NewService(projects),
		Reports:   report.NewService(projects),
		Anchors:   anchor.NewService(anchor.NewMemoryStore(), queue, 3, anchor.WithProjects(projects)),
		Ledger:    repo,
		Auth:      authSvc,
	}
	srv := NewServer(":0", deps, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return &testEnv{server: srv, handler: srv.Handler(), projects: projects, queue: queue, ledger: repo}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func TestProjectEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/projects", "", map[string]any{
		"id":   "P1",
		"meta": map[string]any{"project_name": "Knock-in", "cell_line": "WTC-11"},
	})
	expectStatus(t, rec, http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/projects", "", map[string]any{"id": "P1"}), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/projects", "", map[string]any{"id": "../etc"}), http.StatusBadRequest)

	list := decode[struct {
		Projects []projectSummary `json:"projects"`
	}](t, env.do(t, http.MethodGet, "/api/v1/projects", "", nil))
	if len(list.Projects) != 1 || list.Projects[0].ID != "P1" || list.Projects[0].Meta["cell_line"] != "WTC-11" {
		t.Fatalf("unexpected project list: %+v", list)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/projects/P1/meta", "", map[string]any{"owner": "lab-a"})
	expectStatus(t, rec, http.StatusOK)
	if meta := decode[map[string]any](t, rec); meta["owner"] != "lab-a" || meta["cell_line"] != "WTC-11" {
		t.Fatalf("meta not merged: %+v", meta)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/projects/P1/snapshots", "", map[string]any{
		"step":    "charter",
		"author":  "alice",
		"payload": map[string]any{"title": "demo"},
	})
	expectStatus(t, rec, http.StatusCreated)
	saved := decode[saveSnapshotResponse](t, rec)
	if saved.Snapshot.Digest == "" || saved.Anchor != nil {
		t.Fatalf("unexpected snapshot response: %+v", saved)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/projects/P1/snapshots/charter/latest", "", nil)
	expectStatus(t, rec, http.StatusOK)
	latest := decode[map[string]any](t, rec)
	if payload, _ := latest["payload"].(map[string]any); payload["title"] != "demo" {
		t.Fatalf("unexpected latest snapshot: %+v", latest)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/projects/P1/snapshots/design/latest", "", nil), http.StatusNotFound)

	progress := decode[report.Progress](t, env.do(t, http.MethodGet, "/api/v1/projects/P1/progress", "", nil))
	if len(progress.Present) != 1 || progress.Present[0] != "charter" {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	m := decode[manifest.Manifest](t, env.do(t, http.MethodGet, "/api/v1/projects/P1", "", nil))
	var actions []string
	for _, a := range m.Audit {
		actions = append(actions, a.Action)
	}
	if got := strings.Join(actions, ","); got != "project_created,meta_updated,snapshot_saved" {
		t.Fatalf("unexpected audit trail: %s", got)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/projects/nope", "", nil), http.StatusNotFound)
	rec = env.do(t, http.MethodPost, "/api/v1/projects/P1/binder", "", nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if res := decode[report.BinderResult](t, rec); res.Status != report.BinderNoCandidates {
		t.Fatalf("unexpected binder status: %+v", res)
	}
}

func TestUploadEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.projects.CreateProject("P1", nil); err != nil {
		t.Fatalf("create project: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("step", "design")
	part, err := mw.CreateFormFile("file", "plasmid map.gb")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("LOCUS pX330"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/P1/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusCreated)

	got := decode[struct {
		Uploads []snapshot.Upload `json:"uploads"`
	}](t, rec)
	if len(got.Uploads) != 1 || got.Uploads[0].Step != "design" || got.Uploads[0].Size != int64(len("LOCUS pX330")) {
		t.Fatalf("unexpected uploads: %+v", got)
	}
	m, err := env.projects.Load("P1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Entries(manifest.CategoryUploads)) != 1 {
		t.Fatal("upload not registered")
	}

	missing := httptest.NewRequest(http.MethodPost, "/api/v1/projects/P1/uploads", strings.NewReader("x"))
	missing.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, missing)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestAnchorEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.projects.CreateProject("P1", nil); err != nil {
		t.Fatalf("create project: %v", err)
	}

	reqBody := map[string]any{"project_id": "P1", "step": "design", "digest": testDigest}
	rec := env.do(t, http.MethodPost, "/api/v1/anchors", "", reqBody)
	expectStatus(t, rec, http.StatusAccepted)
	job := decode[anchor.Job](t, rec)
	if job.Status != anchor.StatusPending || job.ID != anchor.JobID("P1", "design", testDigest) {
		t.Fatalf("unexpected job: %+v", job)
	}
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/anchors", "", reqBody), http.StatusAccepted)
	if env.queue.Len() != 1 {
		t.Fatalf("duplicate submission queued again: %d", env.queue.Len())
	}

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/anchors", "", map[string]any{"project_id": "P1", "step": "design", "digest": "abc"}), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/anchors/"+job.ID, "", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/anchors/missing", "", nil), http.StatusNotFound)

	list := decode[struct {
		Jobs []anchor.Job `json:"jobs"`
	}](t, env.do(t, http.MethodGet, "/api/v1/anchors?status=pending&project=P1", "", nil))
	if len(list.Jobs) != 1 {
		t.Fatalf("unexpected job list: %+v", list)
	}
	empty := decode[struct {
		Jobs []anchor.Job `json:"jobs"`
	}](t, env.do(t, http.MethodGet, "/api/v1/anchors?status=failed", "", nil))
	if empty.Jobs == nil || len(empty.Jobs) != 0 {
		t.Fatalf("expected empty job list, got %+v", empty)
	}

	stats := decode[anchor.Stats](t, env.do(t, http.MethodGet, "/api/v1/anchors/stats", "", nil))
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLedgerAndVerifyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.ledger.Save(context.Background(), ledger.Record{ProjectID: "P1", Step: "design", Digest: testDigest, TxHash: "0xaa", CreatedAt: 1700000000}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	records := decode[struct {
		Records []ledger.Record `json:"records"`
	}](t, env.do(t, http.MethodGet, "/api/v1/ledger?limit=5", "", nil))
	if len(records.Records) != 1 || records.Records[0].TxHash != "0xaa" {
		t.Fatalf("unexpected ledger: %+v", records)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/ledger/onchain", "", nil), http.StatusServiceUnavailable)

	rec := env.do(t, http.MethodGet, "/api/v1/verify/"+strings.ToUpper(testDigest[2:]), "", nil)
	expectStatus(t, rec, http.StatusOK)
	v := decode[anchor.Verification](t, rec)
	if !v.Anchored || v.Digest != testDigest || v.ChainError == "" {
		t.Fatalf("unexpected verification: %+v", v)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/verify/xyz", "", nil), http.StatusBadRequest)
}

func TestProtocolEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	steps := decode[map[string][]map[string]string](t, env.do(t, http.MethodGet, "/api/v1/protocol/steps", "", nil))
	if len(steps["steps"]) != 8 || steps["steps"][0]["key"] != "charter" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/protocol/readiness", "", map[string]any{"step": "nope"}), http.StatusBadRequest)
	rec := env.do(t, http.MethodPost, "/api/v1/protocol/readiness", "", map[string]any{"step": "charter", "payload": map[string]any{}})
	expectStatus(t, rec, http.StatusOK)
	if r := decode[map[string]any](t, rec); r["ready"] != false {
		t.Fatalf("empty charter should not be ready: %+v", r)
	}
}

func TestAuthPermissions(t *testing.T) {
	svc, err := auth.NewService(config.AuthConfig{
		Mode: "token",
		Tokens: []config.TokenConfig{
			{Subject: "viewer", Token: "viewer-token", Permissions: []string{auth.PermRead}},
			{Subject: "writer", Token: "writer-token", Permissions: []string{auth.PermRead, auth.PermWrite}},
			{Subject: "ops", Token: "ops-token", Permissions: []string{auth.PermAdmin}},
		},
	}, auth.WithAuditLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	env := newTestEnv(t, svc)

	expectStatus(t, env.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/projects", "", nil), http.StatusUnauthorized)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/projects", "bogus", nil), http.StatusUnauthorized)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/projects", "viewer-token", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/projects", "viewer-token", map[string]any{"id": "P1"}), http.StatusForbidden)

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/projects", "writer-token", map[string]any{"id": "P1"}), http.StatusCreated)
	m, err := env.projects.Load("P1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Audit) == 0 || m.Audit[len(m.Audit)-1].Actor != "writer" {
		t.Fatalf("audit actor not recorded: %+v", m.Audit)
	}

	anchorReq := map[string]any{"project_id": "P1", "step": "design", "digest": testDigest}
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/anchors", "writer-token", anchorReq), http.StatusForbidden)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/anchors", "ops-token", anchorReq), http.StatusAccepted)
}

func TestRequestsAreInstrumented(t *testing.T) {
	metrics.Reset()
	t.Cleanup(metrics.Reset)
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/api/v1/projects/nope", "", nil)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `assured_http_requests_total{route="/api/v1/projects/{id}",method="GET",code="404"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("metrics output missing %q:\n%s", want, rec.Body.String())
	}
}
