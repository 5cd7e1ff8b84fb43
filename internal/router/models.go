package router

// Error codes carried by the "error" envelope.
const (
	CodeBadRequest   = "bad_request"
	CodeUnknownType  = "unknown_type"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal"
)

// ErrorPayload is sent to the origin connection when a message is rejected.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}
