package apierr

import (
	"encoding/json"
	"net/http"
)

// APIError is the standardized error carried through the proxy pipeline.
// It marshals to OpenAI's error envelope.
type APIError struct {
	HTTPStatus int
	Type       string
	Message    string
	Details    map[string]interface{}
}

func New(httpStatus int, errType, message string) *APIError {
	return &APIError{HTTPStatus: httpStatus, Type: errType, Message: message}
}

func (e *APIError) Error() string { return e.Message }

// WithUpstream records the upstream status and, when the payload decodes as
// JSON, the decoded body under details.
func (e *APIError) WithUpstream(status int, payload []byte) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details["upstreamStatus"] = status
	if len(payload) > 0 {
		var decoded interface{}
		if json.Unmarshal(payload, &decoded) == nil {
			e.Details["upstream"] = decoded
		} else {
			e.Details["upstream_raw"] = string(payload)
		}
	}
	return e
}

// Envelope returns the OpenAI error envelope as a plain map, convenient for
// c.JSON-style renderers.
func (e *APIError) Envelope() map[string]interface{} {
	inner := map[string]interface{}{
		"message": e.Message,
		"type":    e.Type,
	}
	if len(e.Details) > 0 {
		inner["details"] = e.Details
	}
	return map[string]interface{}{"error": inner}
}

// IsRetryable reports whether a response with this status justifies trying
// another credential within the same request.
func IsRetryable(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599
}

// SafeStatus clamps a status to the error range so a zero or garbage value
// never produces an invalid response code.
func SafeStatus(status int) int {
	if status >= 400 && status <= 599 {
		return status
	}
	return http.StatusInternalServerError
}
