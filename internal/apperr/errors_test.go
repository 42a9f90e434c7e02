package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestNew_StatusAndCode(t *testing.T) {
	testCases := []struct {
		code   string
		status int
	}{
		{CodeMissingUserData, http.StatusBadRequest},
		{CodeInvalidTokenType, http.StatusBadRequest},
		{CodeTokenExpired, http.StatusUnauthorized},
		{CodeHMACMismatch, http.StatusUnauthorized},
		{CodeStableUserMismatch, http.StatusForbidden},
		{CodeForbidden, http.StatusForbidden},
		{CodeBackendUnreachable, http.StatusBadGateway},
		{CodeConfiguration, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.code, func(t *testing.T) {
			err := New(tc.code, "boom")
			if err.TextCode != tc.code {
				t.Errorf("TextCode = %q, want %q", err.TextCode, tc.code)
			}
			if err.Code != tc.status {
				t.Errorf("Code = %d, want %d", err.Code, tc.status)
			}
			if StatusOf(err) != tc.status {
				t.Errorf("StatusOf = %d, want %d", StatusOf(err), tc.status)
			}
		})
	}
}

func TestUnknownCodeFallsBackToInternal(t *testing.T) {
	err := New("SOMETHING_ELSE", "boom")
	if err.Code != http.StatusInternalServerError {
		t.Errorf("Code = %d, want 500", err.Code)
	}
	if err.Category != goerrors.CategoryInternal {
		t.Errorf("Category = %q, want internal", err.Category)
	}
}

func TestHasCode_ThroughWrapping(t *testing.T) {
	base := New(CodeTokenInvalid, "invalid token")
	wrapped := fmt.Errorf("verify: %w", base)
	if !HasCode(wrapped, CodeTokenInvalid) {
		t.Errorf("HasCode(wrapped) = false, want true")
	}
	if HasCode(wrapped, CodeTokenExpired) {
		t.Errorf("HasCode(wrapped, TOKEN_EXPIRED) = true, want false")
	}
	if HasCode(nil, CodeTokenInvalid) {
		t.Error("HasCode(nil) = true, want false")
	}
}

func TestWrap_KeepsSource(t *testing.T) {
	source := errors.New("dial tcp: refused")
	err := Wrap(source, CodeBackendUnreachable, "backend unreachable")
	if CodeOf(err) != CodeBackendUnreachable {
		t.Errorf("CodeOf = %q", CodeOf(err))
	}
	if !errors.Is(err, source) {
		t.Error("wrapped error should unwrap to source")
	}
}

func TestPlainErrors(t *testing.T) {
	err := errors.New("plain")
	if CodeOf(err) != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", CodeOf(err))
	}
	if StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("StatusOf(plain) = %d, want 500", StatusOf(err))
	}
	if MessageOf(err) != "An unexpected error occurred" {
		t.Errorf("MessageOf(plain) = %q", MessageOf(err))
	}
}
