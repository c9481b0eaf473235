package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/danmuck/gatectl/internal/faults"
)

var (
	ErrRateLimitRetriesExhausted = fmt.Errorf("rest: rate limit retries exhausted: %w", faults.ErrRateLimited)
	ErrAttemptsExhausted         = fmt.Errorf("rest: attempts exhausted: %w", faults.ErrTransport)
)

// HTTPError is a non-success response. It unwraps to the faults class of the
// status: authentication for 401/403, transport for 5xx, rejected otherwise.
type HTTPError struct {
	Method  string
	Path    string
	Status  int
	Code    int
	Message string
	Body    []byte
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: %s %s: status=%d code=%d message=%q", e.Method, e.Path, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rest: %s %s: status=%d", e.Method, e.Path, e.Status)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return faults.ErrAuthentication
	case e.Status == http.StatusTooManyRequests:
		return faults.ErrRateLimited
	case e.Status >= 500:
		return faults.ErrTransport
	default:
		return faults.ErrRequestRejected
	}
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newHTTPError(req Request, status int, body []byte) *HTTPError {
	e := &HTTPError{Method: req.Method, Path: req.Path, Status: status, Body: body}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		e.Code = eb.Code
		e.Message = eb.Message
	}
	return e
}

// rateLimitBody is the payload of a 429 response.
type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}
