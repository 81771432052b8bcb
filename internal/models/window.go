package models

import "time"

// WindowState is the externally observable state of a conversation window.
type WindowState string

const (
	// WindowUnengaged means the user has never written to the business.
	WindowUnengaged WindowState = "unengaged"
	// WindowOpen means the 24h customer service window is open.
	WindowOpen WindowState = "open"
	// WindowClosed means at least 24h passed since the last inbound message.
	WindowClosed WindowState = "closed"
)

// ConversationWindow is the persisted messaging state for one phone number.
type ConversationWindow struct {
	Phone              string     `json:"phone"`
	FirstInboundAt     time.Time  `json:"first_inbound_at"`
	LastInboundAt      time.Time  `json:"last_inbound_at"`
	FreeEntryExpiresAt *time.Time `json:"free_entry_expires_at,omitempty"` // set once at first contact
	WindowExpiresAt    time.Time  `json:"window_expires_at"`               // LastInboundAt + 24h
	ProactiveCount     int        `json:"proactive_count"`
	ProactiveCountDate string     `json:"proactive_count_date,omitempty"` // YYYY-MM-DD in the policy timezone
	LastProactiveAt    *time.Time `json:"last_proactive_sent_at,omitempty"`
	Version            int64      `json:"version"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of w.
func (w *ConversationWindow) Clone() *ConversationWindow {
	if w == nil {
		return nil
	}
	c := *w
	if w.FreeEntryExpiresAt != nil {
		t := *w.FreeEntryExpiresAt
		c.FreeEntryExpiresAt = &t
	}
	if w.LastProactiveAt != nil {
		t := *w.LastProactiveAt
		c.LastProactiveAt = &t
	}
	return &c
}

// Decision is the outcome of a window policy check. A denial is a business
// decision, not an error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the affirmative Decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a negative Decision carrying reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }
