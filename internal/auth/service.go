package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"AssuredChain/internal/config"
)

// Service authenticates API callers against statically configured bearer
// tokens. A disabled service lets every request through without a subject.
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
	lookup func(string) (string, bool)
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Option customises a Service.
type Option func(*Service)

// WithAuditLogger overrides the audit logger used by the middleware.
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.audit = l
	}
}

// WithEnvLookup replaces os.LookupEnv when resolving token_env entries.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(s *Service) {
		if fn != nil {
			s.lookup = fn
		}
	}
}

// NewService builds the authentication service from configuration.
func NewService(cfg config.AuthConfig, opts ...Option) (*Service, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	s := &Service{mode: mode, lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(s)
	}
	if mode == ModeDisabled {
		return s, nil
	}

	seen := make(map[string]struct{}, len(cfg.Tokens))
	for i, tc := range cfg.Tokens {
		name := strings.TrimSpace(tc.Subject)
		if name == "" {
			return nil, fmt.Errorf("auth token %d: subject is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("auth token %d: duplicate subject %q", i, name)
		}
		seen[name] = struct{}{}

		token := strings.TrimSpace(tc.Token)
		if env := strings.TrimSpace(tc.TokenEnv); env != "" {
			if v, ok := s.lookup(env); ok && strings.TrimSpace(v) != "" {
				token = strings.TrimSpace(v)
			}
		}
		if token == "" {
			return nil, fmt.Errorf("auth token for %q is empty", name)
		}
		subject := &Subject{Name: name, Permissions: dedupeStrings(tc.Permissions)}
		s.tokens = append(s.tokens, tokenEntry{digest: sha256.Sum256([]byte(token)), subject: subject})
	}
	if len(s.tokens) == 0 {
		return nil, fmt.Errorf("auth mode %q requires at least one token", mode)
	}
	return s, nil
}

// Mode returns the configured mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled reports whether requests must carry a token.
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// Authenticate resolves a raw token to its subject.
func (s *Service) Authenticate(_ context.Context, token string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// 遍历全部令牌，避免按位置泄露匹配时间。
	for _, entry := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 {
			match = entry.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match.copy(), nil
}

// AuthenticateRequest parses an Authorization header value of the form
// "Bearer <token>".
func (s *Service) AuthenticateRequest(ctx context.Context, header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return nil, ErrInvalidToken
	}
	return s.Authenticate(ctx, token)
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = canonicalPermission(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
