// Package httpx holds the JSON request and response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"trust-bridge/backend/internal/apperr"
)

// MaxBodyBytes bounds request bodies read by ReadJSON and ReadBody.
const MaxBodyBytes = 1 << 20

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ReadBody reads at most MaxBodyBytes of the request body.
func ReadBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidRequest, "could not read request body")
	}
	if len(b) > MaxBodyBytes {
		return nil, apperr.New(apperr.CodeInvalidRequest, "request body too large")
	}
	return b, nil
}

// ReadJSON decodes the request body into v. An empty body leaves v untouched.
func ReadJSON(r *http.Request, v any) error {
	b, err := ReadBody(r)
	if err != nil {
		return err
	}
	return DecodeJSON(b, v)
}

// DecodeJSON decodes raw into v. An empty body leaves v untouched.
func DecodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var syntax *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntax) || errors.As(err, &typeErr) {
			return apperr.Wrap(err, apperr.CodeInvalidRequest, "invalid JSON body")
		}
		return apperr.Wrap(err, apperr.CodeInvalidRequest, "invalid request body")
	}
	return nil
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the {error, code} envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{Error: message, Code: code})
}

// WriteAppError maps err through the error taxonomy. Errors without a code are masked as 500.
func WriteAppError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeInternal
	}
	WriteError(w, apperr.StatusOf(err), code, apperr.MessageOf(err))
}
