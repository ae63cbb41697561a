// Package apiframework carries the shared HTTP plumbing of the admin and
// embed APIs: request decoding, response encoding, and the translation of
// internal errors into OpenAI-style JSON error envelopes.
package apiframework

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/chatwire/chatwire/faults"
)

// APIError is the structured error returned to API clients. It renders as
// {"error": {"message", "type", "param", "code"}}.
type APIError struct {
	err       error
	message   string
	param     string
	errorType string
	errorCode string
}

func (e *APIError) Error() string {
	return e.message
}

func (e *APIError) Unwrap() error {
	return e.err
}

func (e *APIError) MarshalJSON() ([]byte, error) {
	var param *string
	if e.param != "" {
		param = &e.param
	}
	return json.Marshal(struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    string  `json:"code"`
	}{
		Message: e.message,
		Type:    e.errorType,
		Param:   param,
		Code:    e.errorCode,
	})
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// Encode writes v as the JSON response body with the given status.
func Encode[T any](w http.ResponseWriter, _ *http.Request, status int, v T) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// Decode reads the request body into a value of type T. Empty bodies and
// malformed JSON surface as client errors, not internal ones.
func Decode[T any](r *http.Request) (T, error) {
	var v T
	if r.Body == nil {
		return v, ErrEmptyRequestBody
	}
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return v, ErrEmptyRequestBody
		}
		return v, fmt.Errorf("%w: %v", ErrUnprocessableEntity, err)
	}
	return v, nil
}

// Error maps err onto an HTTP status for the given operation and writes the
// JSON error envelope. The original error is never leaked verbatim when a
// structured mapping exists.
func Error(w http.ResponseWriter, r *http.Request, err error, op Operation) error {
	status := mapErrorToStatus(op, err)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		errorType, errorCode := getErrorMapping(err)
		if errorType == "" {
			errorType, errorCode = getErrorTypeAndCode(status)
		}
		apiErr = &APIError{
			err:       err,
			message:   clientMessage(err),
			errorType: errorType,
			errorCode: errorCode,
		}
	}

	if retryAfter := retryAfterHint(err); retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	return Encode(w, r, status, errorEnvelope{Error: apiErr})
}

// clientMessage picks the text handed to the client. Classified faults
// carry a user-safe message; everything else is surfaced as-is, which is
// acceptable for sentinel-wrapped request errors.
func clientMessage(err error) string {
	var fault *faults.Fault
	if errors.As(err, &fault) && fault.UserMessage != "" {
		return fault.UserMessage
	}
	return err.Error()
}

// GetPathParam reads a wildcard path segment. The description argument feeds
// the API doc generator and is ignored at runtime.
func GetPathParam(r *http.Request, name string, _ string) string {
	return r.PathValue(name)
}

// GetQueryParam reads a query parameter, falling back to defaultValue when
// the parameter is absent or empty.
func GetQueryParam(r *http.Request, name, defaultValue string, _ string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return defaultValue
}

// Version is stamped at build time via -ldflags.
var Version = "dev"

func GetVersion() string {
	return Version
}

// AboutServer is the payload of the version endpoint.
type AboutServer struct {
	Version        string `json:"version"`
	NodeInstanceID string `json:"nodeInstanceId"`
	Tenancy        string `json:"tenancy"`
}
