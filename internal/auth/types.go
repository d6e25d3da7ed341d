package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Permissions checked by the API routes. PermAdmin implies all others.
const (
	PermRead   = "assured:read"
	PermWrite  = "assured:write"
	PermAnchor = "assured:anchor"
	PermAdmin  = "assured:admin"
)

// Subject is the authenticated caller. Permissions are stored lower-cased.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool
}

func canonicalPermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// HasPermission reports whether the subject holds permission, directly or via PermAdmin.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	want := canonicalPermission(permission)
	for _, p := range s.Permissions {
		switch canonicalPermission(p) {
		case PermAdmin, want:
			return true
		}
	}
	return false
}

// Authorize returns ErrPermissionDenied naming the first missing permission.
func (s *Subject) Authorize(perms ...string) error {
	switch {
	case s == nil:
		return ErrInvalidToken
	case s.Disabled:
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

func (s Subject) copy() *Subject {
	s.Permissions = slices.Clone(s.Permissions)
	return &s
}

// Mode selects how requests are authenticated.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// ParseMode validates a configured mode. An empty value means disabled.
func ParseMode(value string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(value))); m {
	case "":
		return ModeDisabled, nil
	case ModeDisabled, ModeToken:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q", value)
	}
}
