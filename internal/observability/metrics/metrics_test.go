package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestHTTPMetricsExposition(t *testing.T) {
	Reset()
	ObserveHTTPRequest("/api/v1/projects", "GET", 200, 30*time.Millisecond)
	ObserveHTTPRequest("/api/v1/projects", "GET", 200, 2*time.Second)
	ObserveHTTPRequest("/api/v1/anchors", "POST", 502, 10*time.Millisecond)

	out := scrape(t)
	want := []string{
		`assured_http_requests_total{route="/api/v1/projects",method="GET",code="200"} 2`,
		`assured_http_requests_total{route="/api/v1/anchors",method="POST",code="502"} 1`,
		`assured_http_request_errors_total{route="/api/v1/anchors",method="POST"} 1`,
		`assured_http_request_duration_seconds_bucket{route="/api/v1/projects",method="GET",le="0.05"} 1`,
		`assured_http_request_duration_seconds_bucket{route="/api/v1/projects",method="GET",le="2.5"} 2`,
		`assured_http_request_duration_seconds_bucket{route="/api/v1/projects",method="GET",le="+Inf"} 2`,
		`assured_http_request_duration_seconds_count{route="/api/v1/projects",method="GET"} 2`,
	}
	for _, line := range want {
		if !strings.Contains(out, line) {
			t.Errorf("missing %s\n%s", line, out)
		}
	}
	if strings.Contains(out, `assured_http_request_errors_total{route="/api/v1/projects"`) {
		t.Errorf("2xx requests must not count as errors")
	}
}

func TestAnchorMetricsExposition(t *testing.T) {
	Reset()
	ObserveAnchorSubmitted()
	ObserveAnchorSubmitted()
	ObserveAnchorOutcome(OutcomeSucceeded, 200*time.Millisecond)
	ObserveAnchorOutcome(OutcomeRetried, 0)

	out := scrape(t)
	for _, line := range []string{
		"assured_anchor_jobs_submitted_total 2",
		`assured_anchor_jobs_total{outcome="retried"} 1`,
		`assured_anchor_jobs_total{outcome="succeeded"} 1`,
		`assured_anchor_duration_seconds_bucket{le="0.25"} 1`,
		"assured_anchor_duration_seconds_count 1",
	} {
		if !strings.Contains(out, line) {
			t.Errorf("missing %s\n%s", line, out)
		}
	}
}

func TestEscapeLabel(t *testing.T) {
	if got := escape("a\"b\\c\nd"); got != `a\"b\\cd` {
		t.Fatalf("escape = %q", got)
	}
}
