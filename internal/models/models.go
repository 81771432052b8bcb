// Package models defines the core data structures for WaGate.
//
// It includes conversation windows, delivery receipts and inbound responses,
// which are shared across the store, policy, messaging and API modules.
package models

// MessageStatus represents the delivery status of a message as reported by
// Cloud API status webhooks.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was accepted by WhatsApp.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message reached the device.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the recipient read the message.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// IsValidMessageStatus reports whether s is a status the webhook may carry.
func IsValidMessageStatus(s MessageStatus) bool {
	switch s {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed:
		return true
	default:
		return false
	}
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates a message was accepted into the outbox.
	APIStatusQueued APIStatus = "queued"
	// APIStatusDenied indicates a send was refused by the messaging window policy.
	APIStatusDenied APIStatus = "denied"
)

// Receipt is a delivery status update for an outbound message.
type Receipt struct {
	MessageID string        `json:"message_id"`
	To        string        `json:"to"`
	Status    MessageStatus `json:"status"`
	ErrorCode int           `json:"error_code,omitempty"`
	Time      int64         `json:"time"`
}

// Response represents an inbound message from a user.
type Response struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	ReplyID   string `json:"reply_id,omitempty"` // button or list row id for interactive replies
	Time      int64  `json:"time"`
}

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithResult creates an error API response carrying structured detail,
// such as a send diagnosis.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Queued creates a response for a message accepted into the outbox.
func Queued(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusQueued).
		WithResult(result).
		Build()
}

// Denied creates a response for a send the window policy refused.
func Denied(reason string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDenied).
		WithMessage(reason).
		WithResult(result).
		Build()
}
