// Package protocol defines the wire shapes of the memlens HTTP API and its
// event stream. It is importable by capture pipelines and other clients.
package protocol

// APIVersion is the path prefix version of the HTTP API.
const APIVersion = 1

// ErrorShape describes an API error.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     *ErrorShape `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

// EventFrame is one server-sent event on /v1/index/events.
type EventFrame struct {
	Event   string `json:"event"`
	Seq     int64  `json:"seq"`
	Payload any    `json:"payload,omitempty"`
}
