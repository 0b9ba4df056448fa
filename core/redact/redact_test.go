package redact

import (
	"strings"
	"testing"
)

func TestSanitizeStringEmail(t *testing.T) {
	d := NewDetector()
	got := d.SanitizeString("contact bob@example.com today")
	if got != "contact <PII: EMAIL> today" {
		t.Fatalf("unexpected sanitized text: %q", got)
	}
}

func TestSanitizeStringPatterns(t *testing.T) {
	d := NewDetector()
	cases := []struct {
		in    string
		token string
	}{
		{"server at 10.0.0.1 responded", "<PII: IP_ADDRESS>"},
		{"ssn 123-45-6789 on file", "<PII: US_SSN>"},
		{"card 4111 1111 1111 1111 charged", "<PII: CREDIT_CARD>"},
	}
	for _, tc := range cases {
		got := d.SanitizeString(tc.in)
		if !strings.Contains(got, tc.token) {
			t.Fatalf("expected %s in %q", tc.token, got)
		}
	}
}

func TestSanitizeRecursesContainers(t *testing.T) {
	d := NewDetector()
	value := map[string]any{
		"user": "bob@example.com",
		"tags": []any{"ok", "alice@example.com"},
	}
	sanitized, ok := d.Sanitize(value).(map[string]any)
	if !ok {
		t.Fatalf("expected map result")
	}
	if sanitized["user"] != "<PII: EMAIL>" {
		t.Fatalf("map value not sanitized: %v", sanitized["user"])
	}
	tags := sanitized["tags"].([]any)
	if tags[1] != "<PII: EMAIL>" {
		t.Fatalf("slice value not sanitized: %v", tags[1])
	}
	// The original map is untouched.
	if value["user"] != "bob@example.com" {
		t.Fatalf("sanitize mutated its input")
	}
}

func TestSanitizeLeavesNonStringsAlone(t *testing.T) {
	d := NewDetector()
	if got := d.Sanitize(42); got != 42 {
		t.Fatalf("expected passthrough, got %v", got)
	}
}
