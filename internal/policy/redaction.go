package policy

import "regexp"

var (
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	upiPattern     = regexp.MustCompile(`\b[a-zA-Z0-9._\-]{2,}@[a-zA-Z]{3,}\b`)
	cardPattern    = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	aadhaarPattern = regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}\b`)
	phonePattern   = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// RedactPII masks common high-risk PII patterns in transcripts before they are logged.
func RedactPII(input string) string {
	out, _ := redact(input)
	return out
}

// ContainsPII reports whether RedactPII would change input.
func ContainsPII(input string) bool {
	_, changed := redact(input)
	return changed
}

func redact(input string) (string, bool) {
	out := input
	changed := false
	// Order matters: emails before UPI handles, card numbers before Aadhaar and phones.
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		{upiPattern, "[REDACTED_UPI]"},
		{cardPattern, "[REDACTED_CARD]"},
		{aadhaarPattern, "[REDACTED_ID]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
