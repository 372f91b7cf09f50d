package util

import "strings"

const countryCode = "254"

// NormalizePhone maps local phone input to the gateway's subscriber form
// (2547XXXXXXXX). Non-digits are dropped first, so "+254..." and "254..."
// end up identical. The function is idempotent on its own output.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + len(countryCode))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0"):
		return countryCode + digits[1:]
	case strings.HasPrefix(digits, countryCode):
		return digits
	default:
		return countryCode + digits
	}
}
