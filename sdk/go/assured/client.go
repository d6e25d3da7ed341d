// Package assured is a small Go client for the ASSUREDChain REST API.
package assured

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with an assuredd instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Readiness mirrors the protocol readiness verdict returned by the server.
type Readiness struct {
	Ready    bool     `json:"ready"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

// Snapshot is the result of saving a step snapshot.
type Snapshot struct {
	Path        string    `json:"path"`
	Digest      string    `json:"digest"`
	Timestamp   int64     `json:"timestamp"`
	MetadataURI string    `json:"metadata_uri"`
	Readiness   Readiness `json:"readiness"`
}

// SnapshotRequest is the payload for SaveSnapshot.
type SnapshotRequest struct {
	Step        string         `json:"step"`
	Author      string         `json:"author,omitempty"`
	Payload     map[string]any `json:"payload"`
	MetaUpdates map[string]any `json:"meta_updates,omitempty"`
	Anchor      bool           `json:"anchor,omitempty"`
}

// SnapshotResponse carries the saved snapshot and, when requested, the anchor job.
type SnapshotResponse struct {
	Snapshot Snapshot   `json:"snapshot"`
	Anchor   *AnchorJob `json:"anchor,omitempty"`
}

// Project is one entry of ListProjects.
type Project struct {
	ID   string         `json:"id"`
	Meta map[string]any `json:"meta"`
}

// AnchorRequest asks the server to anchor a digest.
type AnchorRequest struct {
	ProjectID   string `json:"project_id"`
	Step        string `json:"step"`
	Digest      string `json:"digest"`
	MetadataURI string `json:"metadata_uri,omitempty"`
}

// AnchorResult holds the on-chain outcome of a job.
type AnchorResult struct {
	TxHash      string `json:"tx_hash"`
	Contract    string `json:"contract,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	ProofPath   string `json:"proof_path,omitempty"`
}

// AnchorJob is the server side view of an anchoring job.
type AnchorJob struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Step       string        `json:"step"`
	Digest     string        `json:"digest"`
	Status     string        `json:"status"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"max_retries"`
	LastError  string        `json:"last_error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Result     *AnchorResult `json:"result,omitempty"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
}

// Done reports whether the job will not be processed again.
func (j AnchorJob) Done() bool {
	return j.Status == "succeeded" || (j.Status == "failed" && j.Attempts >= j.MaxRetries)
}

// Verification is the answer of the verify endpoint.
type Verification struct {
	Digest     string `json:"digest"`
	Anchored   bool   `json:"anchored"`
	ChainError string `json:"chain_error,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("assured api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("assured api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the API rooted at rawURL, e.g.
// http://localhost:8080. A nil httpClient selects a default with a timeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the currently configured bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListProjects returns all projects with their meta.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// CreateProject creates a project with optional initial meta.
func (c *Client) CreateProject(ctx context.Context, id string, meta map[string]any) error {
	body := map[string]any{"id": id, "meta": meta}
	return c.do(ctx, http.MethodPost, "/api/v1/projects", body, nil)
}

// SaveSnapshot stores a step snapshot for the project.
func (c *Client) SaveSnapshot(ctx context.Context, projectID string, req SnapshotRequest) (SnapshotResponse, error) {
	var out SnapshotResponse
	endpoint := "/api/v1/projects/" + url.PathEscape(projectID) + "/snapshots"
	if err := c.do(ctx, http.MethodPost, endpoint, req, &out); err != nil {
		return SnapshotResponse{}, err
	}
	return out, nil
}

// SubmitAnchor queues a digest for anchoring.
func (c *Client) SubmitAnchor(ctx context.Context, req AnchorRequest) (AnchorJob, error) {
	var job AnchorJob
	if err := c.do(ctx, http.MethodPost, "/api/v1/anchors", req, &job); err != nil {
		return AnchorJob{}, err
	}
	return job, nil
}

// GetAnchor fetches a job by id.
func (c *Client) GetAnchor(ctx context.Context, id string) (AnchorJob, error) {
	var job AnchorJob
	if err := c.do(ctx, http.MethodGet, "/api/v1/anchors/"+url.PathEscape(id), nil, &job); err != nil {
		return AnchorJob{}, err
	}
	return job, nil
}

// WaitAnchor polls GetAnchor until the job is done or ctx expires.
func (c *Client) WaitAnchor(ctx context.Context, id string, interval time.Duration) (AnchorJob, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetAnchor(ctx, id)
		if err != nil {
			return AnchorJob{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Verify asks whether a digest has been anchored.
func (c *Client) Verify(ctx context.Context, digest string) (Verification, error) {
	var out Verification
	if err := c.do(ctx, http.MethodGet, "/api/v1/verify/"+url.PathEscape(digest), nil, &out); err != nil {
		return Verification{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, rel.Path)
	u.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr})
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
