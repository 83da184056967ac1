package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTransient matches failures worth retrying: network errors, 5xx, 408 and 429.
var ErrTransient = errors.New("transient network error")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Service    string
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s %s: http %d %s: %s", e.Service, e.Method, e.Path, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s %s %s: http %d: %s", e.Service, e.Method, e.Path, e.StatusCode, msg)
}

// Is lets errors.Is(err, ErrTransient) match retryable statuses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrTransient && transientStatus(e.StatusCode)
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// NetworkError wraps a request that never produced a response.
type NetworkError struct {
	Service string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransient) match.
func (e *NetworkError) Is(target error) bool {
	return target == ErrTransient
}

// IsTransient reports whether err is a transient network failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
