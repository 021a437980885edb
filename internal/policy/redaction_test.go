package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or 07700 900123, card 4242 4242 4242 4242, postcode M90 1QX."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]", "[REDACTED_POSTCODE]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIKeepsBookingWords(t *testing.T) {
	input := "my registration is AB12 CDE and I land at terminal 2"
	out, changed := RedactPII(input)
	if changed {
		t.Fatalf("changed = true, want false: %q", out)
	}
	if RedactForLog(input) != input {
		t.Fatalf("RedactForLog() altered clean input")
	}
}
