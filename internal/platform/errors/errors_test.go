package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeReplayedProof, "nonce n1 already seen")
	wrapped := fmt.Errorf("verify proof: %w", err)

	if !stderrors.Is(wrapped, New(CodeReplayedProof, "")) {
		t.Fatal("expected code match through wrapping")
	}
	if stderrors.Is(wrapped, New(CodeStaleProof, "")) {
		t.Fatal("expected no match for different code")
	}
}

func TestGetCodeUnwrapsChain(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeConcurrentConflict, "apply increment", cause)

	if got := GetCode(fmt.Errorf("request: %w", err)); got != CodeConcurrentConflict {
		t.Fatalf("code = %q, want %q", got, CodeConcurrentConflict)
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause to remain in chain")
	}
	if got := GetCode(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %q, want %q", got, CodeUnknown)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeStaleProof, http.StatusUnprocessableEntity},
		{CodeInvalidSignature, http.StatusUnprocessableEntity},
		{CodeReplayedProof, http.StatusUnprocessableEntity},
		{CodeImplausiblePoints, http.StatusUnprocessableEntity},
		{CodeIdentityNotFound, http.StatusNotFound},
		{CodeConcurrentConflict, http.StatusConflict},
		{CodeValidationTimeout, http.StatusServiceUnavailable},
		{CodeDownstreamUnavailable, http.StatusServiceUnavailable},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("%s status = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if CodeInvalidSignature.Retryable() {
		t.Fatal("invalid signature must not be retryable")
	}
	if !CodeRateLimited.Retryable() {
		t.Fatal("rate limited must be retryable")
	}
	if !CodeConcurrentConflict.Retryable() {
		t.Fatal("concurrent conflict must be retryable")
	}
	if !CodeValidationTimeout.Retryable() {
		t.Fatal("validation timeout must be retryable")
	}
}

func TestGetMetadata(t *testing.T) {
	err := WithMetadata(CodeImplausiblePoints, "points out of range", map[string]string{
		"ActionType": "puzzle_complete",
	})
	meta := GetMetadata(fmt.Errorf("submit: %w", err))
	if meta["ActionType"] != "puzzle_complete" {
		t.Fatalf("metadata = %v, want ActionType set", meta)
	}
}
