package errors

import (
	stderrors "errors"
	"testing"
)

func TestSourceError_Error(t *testing.T) {
	err := NewSourceError(ErrorTypeConnection, "fetch_status", "backend", stderrors.New("dial tcp: refused"))
	expected := "fetch_status failed on backend: dial tcp: refused"
	if err.Error() != expected {
		t.Fatalf("unexpected message: got=%q want=%q", err.Error(), expected)
	}
}

func TestSourceError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    *SourceError
		target error
		match  bool
	}{
		{
			name:   "auth_matches_unauthorized",
			err:    NewSourceError(ErrorTypeAuth, "fetch_status", "backend", stderrors.New("401")),
			target: ErrUnauthorized,
			match:  true,
		},
		{
			name:   "timeout_matches_timeout",
			err:    NewSourceError(ErrorTypeTimeout, "fetch_status", "backend", stderrors.New("deadline")),
			target: ErrTimeout,
			match:  true,
		},
		{
			name:   "connection_does_not_match_auth",
			err:    NewSourceError(ErrorTypeConnection, "fetch_status", "backend", stderrors.New("refused")),
			target: ErrUnauthorized,
			match:  false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := stderrors.Is(tt.err, tt.target); got != tt.match {
				t.Fatalf("errors.Is = %t, want %t", got, tt.match)
			}
		})
	}
}

func TestWithStatusCode_ReclassifiesAuth(t *testing.T) {
	err := NewSourceError(ErrorTypeAPI, "fetch_status", "backend", stderrors.New("forbidden")).WithStatusCode(403)
	if err.Type != ErrorTypeAuth {
		t.Fatalf("expected 403 to reclassify as auth, got %s", err.Type)
	}
	if !IsAuthError(err) {
		t.Fatal("expected IsAuthError to report true for 403")
	}
}

func TestIsSourceUnavailable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "connection", err: WrapConnectionError("fetch_status", "backend", stderrors.New("refused")), expected: true},
		{name: "auth", err: WrapAuthError("fetch_status", "backend", stderrors.New("401")), expected: true},
		{name: "api_5xx", err: WrapAPIError("fetch_status", "backend", stderrors.New("boom"), 500), expected: true},
		{name: "plain", err: stderrors.New("something else"), expected: false},
		{name: "wrapped_timeout", err: ErrTimeout, expected: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSourceUnavailable(tt.err); got != tt.expected {
				t.Fatalf("IsSourceUnavailable = %t, want %t", got, tt.expected)
			}
		})
	}
}
