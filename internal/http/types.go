package http

// ErrorResponse is the caller-facing error envelope. Error carries only a
// short generic message; the full refusal reason goes to the operational
// log, never to the caller.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}
