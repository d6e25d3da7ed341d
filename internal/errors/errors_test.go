package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCodeThroughFmt(t *testing.T) {
	base := Wrap(CodeChainFailure, stdErrors.New("rpc down"), "send tx")
	wrapped := fmt.Errorf("anchor job: %w", base)

	if got := CodeOf(wrapped); got != CodeChainFailure {
		t.Fatalf("CodeOf() = %s, want %s", got, CodeChainFailure)
	}
	if !RetryableError(wrapped) {
		t.Fatal("chain failure should be retryable")
	}
	if !stdErrors.Is(wrapped, New(CodeChainFailure, "")) {
		t.Fatal("errors.Is should match by code")
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeChainFailure, "reverted", WithRetryable(false), WithAlert(false), WithSeverity(SeverityCritical))
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("options not applied: %+v", err)
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
}

func TestHTTPStatus(t *testing.T) {
	const custom Code = "TEST_CUSTOM"
	Register(custom, Attributes{Message: "custom"})

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", New(CodeNotFound, ""), http.StatusNotFound},
		{"invalid", fmt.Errorf("x: %w", New(CodeInvalidArgument, "bad")), http.StatusBadRequest},
		{"plain", stdErrors.New("boom"), http.StatusInternalServerError},
		{"custom without status", New(custom, ""), http.StatusInternalServerError},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Fatalf("HTTPStatus() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf("NOT_REGISTERED")
	if attr.Message != "unknown error" {
		t.Fatalf("unexpected fallback %+v", attr)
	}
}
