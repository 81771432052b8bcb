package whatsapp

import (
	"bytes"
	"errors"
	"testing"
)

func TestClickToChatURL(t *testing.T) {
	tests := []struct {
		number string
		text   string
		want   string
	}{
		{"+57 300 123 4567", "", "https://wa.me/573001234567"},
		{"573001234567", "Hola, quiero empezar", "https://wa.me/573001234567?text=Hola%2C+quiero+empezar"},
	}
	for _, tt := range tests {
		got, err := ClickToChatURL(tt.number, tt.text)
		if err != nil {
			t.Fatalf("ClickToChatURL(%q) error: %v", tt.number, err)
		}
		if got != tt.want {
			t.Errorf("ClickToChatURL(%q, %q) = %q, want %q", tt.number, tt.text, got, tt.want)
		}
	}
	if _, err := ClickToChatURL("abc", ""); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestWriteClickToChatQR(t *testing.T) {
	var buf bytes.Buffer
	link, err := WriteClickToChatQR(&buf, "573001234567", "")
	if err != nil {
		t.Fatalf("WriteClickToChatQR error: %v", err)
	}
	if link != "https://wa.me/573001234567" {
		t.Errorf("link = %q", link)
	}
	if buf.Len() == 0 {
		t.Error("expected QR output")
	}
	if _, err := WriteClickToChatQR(&buf, "", ""); !errors.Is(err, ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
}
