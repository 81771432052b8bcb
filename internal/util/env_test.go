package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   bool
		want  bool
	}{
		{"unset uses default", "", true, true},
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"yes mixed case", "YeS", false, true},
		{"on padded", " on ", false, true},
		{"false", "false", true, false},
		{"off", "off", true, false},
		{"invalid uses default", "maybe", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WAGATE_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("WAGATE_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"30s", 30 * time.Second},
		{"2h", 2 * time.Hour},
		{"-5s", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("WAGATE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("WAGATE_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("WAGATE_TEST_STRING", "  ")
	if got := GetEnv("WAGATE_TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("blank value: got %q", got)
	}
	t.Setenv("WAGATE_TEST_STRING", " value ")
	if got := GetEnv("WAGATE_TEST_STRING", "fallback"); got != "value" {
		t.Errorf("got %q, want value", got)
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("len = %d, want 32", len(a))
	}
	b, _ := RandomToken(16)
	if a == b {
		t.Error("two tokens should differ")
	}
	if empty, _ := RandomToken(0); empty != "" {
		t.Errorf("RandomToken(0) = %q", empty)
	}
}
