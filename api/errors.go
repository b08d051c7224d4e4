package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrorKind partitions failures the way the rest of the SDK reasons about
// them: connectivity, timeout, backend fault, caller fault, or a rejected
// credential.
type ErrorKind int

const (
	// KindNetwork means the request produced no response at all.
	KindNetwork ErrorKind = iota
	// KindTimeout means the transport deadline elapsed before a response.
	KindTimeout
	// KindServer means the backend answered with a 5xx status.
	KindServer
	// KindClient means a 4xx status other than 401/403.
	KindClient
	// KindAuthRejected means the backend answered 401 or 403.
	KindAuthRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindAuthRejected:
		return "auth_rejected"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every Client method.
type Error struct {
	Kind     ErrorKind
	Status   int
	Endpoint string
	Message  string
	cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s", e.Endpoint, e.Kind, e.Message)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Endpoint, e.Kind, e.cause)
	}
	return fmt.Sprintf("%s %s (status %d)", e.Endpoint, e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.cause }

// Temporary reports whether retrying the same call can plausibly succeed:
// no response, timeout, 5xx, or 429.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	}
	return e.Status == http.StatusTooManyRequests
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsAuthRejected reports whether err is a 401/403 from the backend.
func IsAuthRejected(err error) bool {
	apiErr, ok := AsError(err)
	return ok && apiErr.Kind == KindAuthRejected
}

// IsTemporary reports whether err is worth retrying. Errors that are not
// *Error (unexpected transport failures) count as temporary, matching the
// "no response" bucket.
func IsTemporary(err error) bool {
	if apiErr, ok := AsError(err); ok {
		return apiErr.Temporary()
	}
	return true
}

// classifyTransport wraps an error from http.Client.Do. The response never
// arrived, so the only question is timeout versus connectivity. An error
// chain that already carries an *Error keeps it: a refresh rejection
// surfaced through the transport's recovery path must not be downgraded to
// a network failure by the url.Error wrapping.
func classifyTransport(endpoint string, err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	kind := KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Endpoint: endpoint, cause: err}
}

// fromResponse classifies a non-2xx status and extracts the most specific
// message the backend provided.
func fromResponse(endpoint string, status int, body []byte) *Error {
	kind := KindClient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthRejected
	case status >= 500:
		kind = KindServer
	}
	return &Error{
		Kind:     kind,
		Status:   status,
		Endpoint: endpoint,
		Message:  extractMessage(body),
	}
}

// extractMessage walks the known backend error shapes in priority order:
// detail, non_field_errors[0], error, message, then the raw body.
func extractMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return trimmed
	}

	if s, ok := stringField(payload, "detail"); ok {
		return s
	}
	if raw, ok := payload["non_field_errors"]; ok {
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0] != "" {
			return list[0]
		}
	}
	if s, ok := stringField(payload, "error"); ok {
		return s
	}
	if s, ok := stringField(payload, "message"); ok {
		return s
	}
	return trimmed
}

func stringField(payload map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := payload[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// Login failure wording shown to users, keyed by failure class.
const (
	msgBadCredentials = "Invalid username or password. Please try again."
	msgRateLimited    = "Too many login attempts. Please wait a moment and try again."
	msgServerError    = "Server error. Please try again later."
	msgConnectivity   = "Cannot reach the server. Check your connection and try again."
)

// LoginMessage humanizes a login failure. Bad credentials, rate limiting,
// backend faults, and connectivity loss each get their own wording.
func LoginMessage(err error) string {
	apiErr, ok := AsError(err)
	if !ok {
		return msgConnectivity
	}
	switch {
	case apiErr.Status == http.StatusTooManyRequests:
		return msgRateLimited
	case apiErr.Kind == KindAuthRejected, apiErr.Status == http.StatusBadRequest:
		return msgBadCredentials
	case apiErr.Kind == KindServer:
		return msgServerError
	case apiErr.Kind == KindNetwork, apiErr.Kind == KindTimeout:
		return msgConnectivity
	default:
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return msgServerError
	}
}
