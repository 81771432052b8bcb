package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body, keyed by
// the app secret, on webhook and Flow endpoint requests.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// ErrInvalidSignature is returned when a request signature is missing or wrong.
var ErrInvalidSignature = errors.New("invalid request signature")

// VerifySignature checks an X-Hub-Signature-256 header value against body.
func VerifySignature(appSecret string, body []byte, header string) error {
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, computeSignature(appSecret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 header value for body.
func Sign(appSecret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(computeSignature(appSecret, body))
}

func computeSignature(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return mac.Sum(nil)
}

// WebhookPayload is the body of a Cloud API webhook notification.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []StatusUpdate   `json:"statuses,omitempty"`
}

type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is a message a user sent to the business number.
type InboundMessage struct {
	ID          string              `json:"id"`
	From        string              `json:"from"`
	Timestamp   string              `json:"timestamp"`
	Type        string              `json:"type"`
	Text        *InboundText        `json:"text,omitempty"`
	Button      *InboundButton      `json:"button,omitempty"`
	Interactive *InboundInteractive `json:"interactive,omitempty"`
}

type InboundText struct {
	Body string `json:"body"`
}

// InboundButton is a quick-reply button tap on a template message.
type InboundButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type InboundInteractive struct {
	Type        string      `json:"type"`
	ButtonReply *InboundRef `json:"button_reply,omitempty"`
	ListReply   *InboundRef `json:"list_reply,omitempty"`
	NFMReply    *NFMReply   `json:"nfm_reply,omitempty"`
}

type InboundRef struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// NFMReply is sent when a user completes a Flow.
type NFMReply struct {
	Name         string `json:"name"`
	Body         string `json:"body"`
	ResponseJSON string `json:"response_json"`
}

// StatusUpdate reports the delivery status of an outbound message.
type StatusUpdate struct {
	ID          string        `json:"id"`
	RecipientID string        `json:"recipient_id"`
	Status      string        `json:"status"`
	Timestamp   string        `json:"timestamp"`
	Errors      []StatusError `json:"errors,omitempty"`
}

type StatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// ParseWebhook decodes a webhook notification body.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	return &p, nil
}

// Messages returns every inbound message in the payload.
func (p *WebhookPayload) Messages() []InboundMessage {
	var out []InboundMessage
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			out = append(out, c.Value.Messages...)
		}
	}
	return out
}

// Statuses returns every status update in the payload.
func (p *WebhookPayload) Statuses() []StatusUpdate {
	var out []StatusUpdate
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			out = append(out, c.Value.Statuses...)
		}
	}
	return out
}

// ParseTimestamp converts a webhook unix-seconds string. A malformed value
// yields the zero time.
func ParseTimestamp(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Content returns the message kind, its user-visible text and, for replies
// to buttons or lists, the id of the selected option.
func (m InboundMessage) Content() (kind, body, replyID string) {
	switch {
	case m.Text != nil:
		return TypeText, m.Text.Body, ""
	case m.Button != nil:
		return InteractiveButton, m.Button.Text, m.Button.Payload
	case m.Interactive != nil:
		in := m.Interactive
		switch {
		case in.ButtonReply != nil:
			return "button_reply", in.ButtonReply.Title, in.ButtonReply.ID
		case in.ListReply != nil:
			return "list_reply", in.ListReply.Title, in.ListReply.ID
		case in.NFMReply != nil:
			return "nfm_reply", in.NFMReply.ResponseJSON, in.NFMReply.Name
		}
		return in.Type, "", ""
	}
	return m.Type, "", ""
}
