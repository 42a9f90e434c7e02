// Package apperr defines the error taxonomy shared by the bridge components. Every error
// carries a stable text code (surfaced to clients as "code") and the HTTP status it maps to.
package apperr

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes. Stable; clients may match on them.
const (
	CodeMissingUserData            = "MISSING_USER_DATA"
	CodeNoBackendConfigured        = "NO_BACKEND_CONFIGURED"
	CodeBackendUnreachable         = "BACKEND_UNREACHABLE"
	CodeInvalidBackendResponse     = "INVALID_BACKEND_RESPONSE"
	CodeSessionExpired             = "SESSION_EXPIRED"
	CodeTokenExpired               = "TOKEN_EXPIRED"
	CodeTokenInvalid               = "TOKEN_INVALID"
	CodeInvalidTokenType           = "INVALID_TOKEN_TYPE"
	CodeAudienceMismatch           = "AUDIENCE_MISMATCH"
	CodeIssuerMismatch             = "ISSUER_MISMATCH"
	CodeStableUserMismatch         = "STABLE_USER_MISMATCH"
	CodeInstitutionMismatch        = "INSTITUTION_MISMATCH"
	CodeSessionMismatch            = "SESSION_MISMATCH"
	CodeMissingHMAC                = "MISSING_HMAC"
	CodeInvalidHMACSignatureFormat = "INVALID_HMAC_SIGNATURE_FORMAT"
	CodeInvalidHMACTimestamp       = "INVALID_HMAC_TIMESTAMP"
	CodeHMACTimestampExpired       = "HMAC_TIMESTAMP_EXPIRED"
	CodeHMACSecretUnavailable      = "HMAC_SECRET_UNAVAILABLE"
	CodeHMACMismatch               = "HMAC_MISMATCH"
	CodeConfiguration              = "CONFIGURATION_ERROR"

	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeRegistrationFailed = "REGISTRATION_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
)

type kind struct {
	category goerrors.Category
	status   int
}

var kinds = map[string]kind{
	CodeMissingUserData:            {goerrors.CategoryBadInput, http.StatusBadRequest},
	CodeNoBackendConfigured:        {goerrors.CategoryNotFound, http.StatusNotFound},
	CodeBackendUnreachable:         {goerrors.CategoryExternal, http.StatusBadGateway},
	CodeInvalidBackendResponse:     {goerrors.CategoryExternal, http.StatusBadGateway},
	CodeSessionExpired:             {goerrors.CategoryNotFound, http.StatusGone},
	CodeTokenExpired:               {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeTokenInvalid:               {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeInvalidTokenType:           {goerrors.CategoryBadInput, http.StatusBadRequest},
	CodeAudienceMismatch:           {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeIssuerMismatch:             {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeStableUserMismatch:         {goerrors.CategoryAuthz, http.StatusForbidden},
	CodeInstitutionMismatch:        {goerrors.CategoryAuthz, http.StatusForbidden},
	CodeSessionMismatch:            {goerrors.CategoryAuthz, http.StatusForbidden},
	CodeMissingHMAC:                {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeInvalidHMACSignatureFormat: {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeInvalidHMACTimestamp:       {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeHMACTimestampExpired:       {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeHMACSecretUnavailable:      {goerrors.CategoryInternal, http.StatusInternalServerError},
	CodeHMACMismatch:               {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeConfiguration:              {goerrors.CategoryInternal, http.StatusInternalServerError},
	CodeInvalidRequest:             {goerrors.CategoryBadInput, http.StatusBadRequest},
	CodeUnauthorized:               {goerrors.CategoryAuth, http.StatusUnauthorized},
	CodeForbidden:                  {goerrors.CategoryAuthz, http.StatusForbidden},
	CodeRegistrationFailed:         {goerrors.CategoryExternal, http.StatusBadGateway},
	CodeInternal:                   {goerrors.CategoryInternal, http.StatusInternalServerError},
}

func lookup(code string) kind {
	if k, ok := kinds[code]; ok {
		return k
	}
	return kinds[CodeInternal]
}

// New returns a rich error for the given text code.
func New(code, message string) *goerrors.Error {
	k := lookup(code)
	return goerrors.New(message, k.category).
		WithCode(k.status).
		WithTextCode(code)
}

// Wrap returns a rich error for code that keeps source in the chain.
func Wrap(source error, code, message string) *goerrors.Error {
	if source == nil {
		return New(code, message)
	}
	k := lookup(code)
	return goerrors.Wrap(source, k.category, message).
		WithCode(k.status).
		WithTextCode(code)
}

// WithMetadata attaches metadata to a rich error and returns it.
func WithMetadata(err *goerrors.Error, metadata map[string]any) *goerrors.Error {
	if err != nil && len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// CodeOf returns the text code carried by err, or "" when err is not a rich error.
func CodeOf(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// StatusOf returns the HTTP status for err; 500 when err is not a rich error.
func StatusOf(err error) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code != 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client-facing message for err. Non-rich errors are masked.
func MessageOf(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Message != "" {
		if rich.Category == goerrors.CategoryInternal && rich.TextCode == CodeInternal {
			return "An unexpected error occurred"
		}
		return rich.Message
	}
	return "An unexpected error occurred"
}
