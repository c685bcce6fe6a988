package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx catalog response. Body is the upstream body verbatim.
type APIError struct {
	Method     string
	Path       string
	Status     int
	Body       string
	Code       string
	ResourceID int64
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	e := &APIError{Method: method, Path: path, Status: status, Body: string(body)}
	var parsed struct {
		Code string `json:"code"`
		Data struct {
			ResourceID int64 `json:"resource_id"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		e.Code = parsed.Code
		e.ResourceID = parsed.Data.ResourceID
	}
	return e
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Retryable is true for throttling and upstream failures.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Conflict is true when a create collided with an existing term.
func (e *APIError) Conflict() bool {
	return e.Code == "term_exists" || e.Status == http.StatusConflict || e.Status == http.StatusBadRequest
}

// RequestError is a transport failure before any response arrived.
type RequestError struct {
	Method string
	Path   string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("catalog %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// SyncError names the sync step and item that failed.
type SyncError struct {
	Op   string
	Item string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %q: %v", e.Op, e.Item, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be left for queue redelivery rather than recorded
// as a final failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var reqErr *RequestError
	return errors.As(err, &reqErr)
}
