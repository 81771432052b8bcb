// Package messaging connects the Cloud API client, the messaging window
// policy and the store into the service the HTTP API drives.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/WaGate/internal/models"
	"github.com/BTreeMap/WaGate/internal/policy"
	"github.com/BTreeMap/WaGate/internal/whatsapp"
)

// ErrServiceStopped is returned by send operations after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// DeniedError is returned when the window policy refuses a send.
type DeniedError struct {
	Decision models.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("send denied: %s", e.Decision.Reason)
}

// Service defines the messaging surface used by the API server.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a phone number and returns
	// the digits-only form used on the wire.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendReply sends msg right away when the user's session window is open.
	SendReply(ctx context.Context, to string, msg whatsapp.Message) (string, error)

	// QueueProactive enqueues a business-initiated message. The outbox sends
	// it once the window policy allows.
	QueueProactive(ctx context.Context, to string, msg whatsapp.Message, dedupeKey string) (string, error)

	// Window returns the policy view of a phone number.
	Window(ctx context.Context, phone string) (policy.Snapshot, error)

	// HandleWebhook applies a Cloud API webhook notification.
	HandleWebhook(ctx context.Context, payload *whatsapp.WebhookPayload) error

	// Start begins background processing (the outbox sender).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of delivery status events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.Response
}
