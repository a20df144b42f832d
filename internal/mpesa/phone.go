package mpesa

import (
	"regexp"
	"strings"
)

// Safaricom and Airtel subscriber numbers: 254 followed by 7XXXXXXXX or
// 1XXXXXXXX, 12 digits total.
var phonePattern = regexp.MustCompile(`^254[17][0-9]{8}$`)

// NormalizePhone canonicalizes a subscriber number to 254XXXXXXXXX form.
// Accepted inputs: "+254 712 345 678", "0712345678", "712345678",
// "254712345678". Anything that does not normalize to the canonical form
// fails with a ValidationError.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10 && digits[0] == '0':
		digits = "254" + digits[1:]
	case len(digits) == 9 && (digits[0] == '7' || digits[0] == '1'):
		digits = "254" + digits
	}

	if !phonePattern.MatchString(digits) {
		return "", &ValidationError{Field: "phone_number", Reason: "must be in format 254XXXXXXXXX"}
	}
	return digits, nil
}
