package assured

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"AssuredChain/internal/anchor"
	"AssuredChain/internal/api"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/report"
	"AssuredChain/internal/snapshot"
)

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	projects, err := manifest.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	queue := anchor.NewMemoryQueue(8)
	t.Cleanup(func() { _ = queue.Close() })
	srv := api.NewServer(":0", api.Dependencies{
		Projects:  projects,
		Snapshots: snapshot.NewService(projects),
		Reports:   report.NewService(projects),
		Anchors:   anchor.NewService(anchor.NewMemoryStore(), queue, 3, anchor.WithProjects(projects)),
	}, api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientAgainstServer(t *testing.T) {
	ts := newAPIServer(t)
	client, err := NewClient(ts.URL, ts.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	if err := client.CreateProject(ctx, "P1", map[string]any{"title": "Pilot"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	projects, err := client.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "P1" {
		t.Fatalf("unexpected projects: %+v", projects)
	}

	saved, err := client.SaveSnapshot(ctx, "P1", SnapshotRequest{
		Step:    "charter",
		Payload: map[string]any{"objective": "Reduce wait times"},
	})
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if saved.Snapshot.Digest == "" || saved.Anchor != nil {
		t.Fatalf("unexpected snapshot response: %+v", saved)
	}

	job, err := client.SubmitAnchor(ctx, AnchorRequest{ProjectID: "P1", Step: "charter", Digest: saved.Snapshot.Digest})
	if err != nil {
		t.Fatalf("submit anchor: %v", err)
	}
	if job.ID == "" || job.Status != "pending" || job.Done() {
		t.Fatalf("unexpected job: %+v", job)
	}
	got, err := client.GetAnchor(ctx, job.ID)
	if err != nil {
		t.Fatalf("get anchor: %v", err)
	}
	if got.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, got.ID)
	}

	verification, err := client.Verify(ctx, saved.Snapshot.Digest)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verification.Anchored || verification.ChainError == "" {
		t.Fatalf("unexpected verification: %+v", verification)
	}

	if _, err := client.GetAnchor(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": "UNAUTHORIZED", "message": "missing token"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"projects": []Project{{ID: "P9"}}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.ListProjects(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "UNAUTHORIZED" || apiErr.Message != "missing token" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}

	client.SetToken("secret")
	projects, err := client.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "P9" {
		t.Fatalf("unexpected projects: %+v", projects)
	}
}

func TestWaitAnchorStopsOnTerminalStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if calls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(AnchorJob{ID: "job-1", Status: status, MaxRetries: 3})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := client.WaitAnchor(ctx, "job-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait anchor: %v", err)
	}
	if job.Status != "succeeded" || calls.Load() != 3 {
		t.Fatalf("unexpected result: status=%s calls=%d", job.Status, calls.Load())
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080/api", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}
