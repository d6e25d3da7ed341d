package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"AssuredChain/internal/config"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	env := map[string]string{"OPS_TOKEN": "from-env"}
	svc, err := NewService(config.AuthConfig{
		Mode: "token",
		Tokens: []config.TokenConfig{
			{Subject: "alice", Token: "alice-secret", Permissions: []string{PermRead, PermWrite}},
			{Subject: "viewer", Token: "viewer-secret", Permissions: []string{" Assured:Read "}},
			{Subject: "ops", Token: "ignored", TokenEnv: "OPS_TOKEN", Permissions: []string{PermAdmin}},
		},
	},
		WithAuditLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEnvLookup(func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.AuthConfig
	}{
		{"unknown mode", config.AuthConfig{Mode: "jwt"}},
		{"no tokens", config.AuthConfig{Mode: "token"}},
		{"missing subject", config.AuthConfig{Mode: "token", Tokens: []config.TokenConfig{{Token: "x"}}}},
		{"empty token", config.AuthConfig{Mode: "token", Tokens: []config.TokenConfig{{Subject: "a"}}}},
		{"duplicate subject", config.AuthConfig{Mode: "token", Tokens: []config.TokenConfig{
			{Subject: "a", Token: "1"}, {Subject: "a", Token: "2"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewService(tc.cfg, WithEnvLookup(func(string) (string, bool) { return "", false })); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	svc, err := NewService(config.AuthConfig{})
	if err != nil {
		t.Fatalf("disabled service: %v", err)
	}
	if svc.Enabled() {
		t.Fatalf("empty mode should disable auth")
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		header  string
		subject string
		err     error
	}{
		{"valid", "Bearer alice-secret", "alice", nil},
		{"lowercase scheme", "bearer viewer-secret", "viewer", nil},
		{"env override", "Bearer from-env", "ops", nil},
		{"env shadows literal", "Bearer ignored", "", ErrInvalidToken},
		{"missing", "", "", ErrMissingToken},
		{"wrong scheme", "Basic abc", "", ErrInvalidToken},
		{"unknown token", "Bearer nope", "", ErrInvalidToken},
		{"empty bearer", "Bearer  ", "", ErrMissingToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			subject, err := svc.AuthenticateRequest(ctx, tc.header)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			if subject.Name != tc.subject {
				t.Fatalf("unexpected subject: got %q want %q", subject.Name, tc.subject)
			}
		})
	}
}

func TestSubjectAuthorize(t *testing.T) {
	viewer := &Subject{Name: "v", Permissions: []string{PermRead}}
	if err := viewer.Authorize(PermRead); err != nil {
		t.Fatalf("read should be allowed: %v", err)
	}
	if err := viewer.Authorize(PermWrite); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	admin := &Subject{Name: "a", Permissions: []string{PermAdmin}}
	if err := admin.Authorize(PermWrite, PermAnchor); err != nil {
		t.Fatalf("admin should hold every permission: %v", err)
	}
	revoked := &Subject{Name: "r", Permissions: []string{PermAdmin}, Disabled: true}
	if err := revoked.Authorize(PermRead); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	var nilSubject *Subject
	if err := nilSubject.Authorize(); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("nil subject should be rejected, got %v", err)
	}
}

func TestActor(t *testing.T) {
	if got := Actor(context.Background()); got != "" {
		t.Fatalf("anonymous actor should be empty, got %q", got)
	}
	ctx := WithSubject(context.Background(), &Subject{Name: "alice"})
	if got := Actor(ctx); got != "alice" {
		t.Fatalf("unexpected actor %q", got)
	}
	if WithSubject(ctx, nil) != ctx {
		t.Fatalf("nil subject should leave context untouched")
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)
	var seen string
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {PermRead},
			"*":            {PermWrite},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Actor(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		method string
		token  string
		status int
		actor  string
	}{
		{"no token", http.MethodGet, "", http.StatusUnauthorized, ""},
		{"bad token", http.MethodGet, "Bearer wrong", http.StatusUnauthorized, ""},
		{"viewer reads", http.MethodGet, "Bearer viewer-secret", http.StatusAccepted, "viewer"},
		{"viewer writes", http.MethodPost, "Bearer viewer-secret", http.StatusForbidden, ""},
		{"alice writes", http.MethodPost, "Bearer alice-secret", http.StatusAccepted, "alice"},
		{"admin patches", http.MethodPatch, "Bearer from-env", http.StatusAccepted, "ops"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(tc.method, "/api/v1/projects", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, tc.status)
			}
			if seen != tc.actor {
				t.Fatalf("unexpected actor: got %q want %q", seen, tc.actor)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(config.AuthConfig{Mode: "disabled"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	called := false
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {PermAdmin}},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("disabled auth should pass through, status %d", rec.Code)
	}
}
