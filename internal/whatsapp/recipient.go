package whatsapp

import (
	"errors"
	"strings"
)

// E.164 allows at most 15 digits; shorter than 8 is never a routable mobile number.
const (
	minRecipientDigits = 8
	maxRecipientDigits = 15
)

var (
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrInvalidRecipient = errors.New("recipient must be an international phone number with 8 to 15 digits")
)

// CanonicalizeRecipient strips formatting from a phone number and returns the
// digits-only form the Cloud API uses for "to" and webhook "from" fields.
func CanonicalizeRecipient(recipient string) (string, error) {
	s := strings.TrimSpace(recipient)
	if s == "" {
		return "", ErrEmptyRecipient
	}
	s = strings.TrimPrefix(s, "whatsapp:")

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidRecipient
		}
	}
	digits := b.String()
	if len(digits) < minRecipientDigits || len(digits) > maxRecipientDigits {
		return "", ErrInvalidRecipient
	}
	return digits, nil
}
