package whatsapp

import (
	"fmt"
	"io"
	"net/url"

	"github.com/mdp/qrterminal/v3"
)

// ClickToChatURL returns the wa.me link that opens a chat with number,
// optionally prefilled with text.
func ClickToChatURL(number, text string) (string, error) {
	digits, err := CanonicalizeRecipient(number)
	if err != nil {
		return "", fmt.Errorf("business number: %w", err)
	}
	link := "https://wa.me/" + digits
	if text != "" {
		link += "?text=" + url.QueryEscape(text)
	}
	return link, nil
}

// WriteClickToChatQR renders the click-to-chat QR for number as half-block
// text suitable for a terminal or a text file.
func WriteClickToChatQR(w io.Writer, number, text string) (string, error) {
	link, err := ClickToChatURL(number, text)
	if err != nil {
		return "", err
	}
	qrterminal.GenerateHalfBlock(link, qrterminal.L, w)
	return link, nil
}
