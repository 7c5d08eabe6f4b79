package phone

import (
	"strings"
)

// CountryCode is prefixed to every canonical number. The numbering rules
// below are the Brazilian plan: two-digit DDD area code plus an 8-digit
// landline or 9-digit mobile body.
const CountryCode = "55"

// Contact is one candidate destination parsed from pasted input.
type Contact struct {
	Phone     string `json:"phone"` // canonical digits-only, country-prefixed
	Name      string `json:"name,omitempty"`
	Valid     bool   `json:"valid"`
	Reachable *bool  `json:"reachable,omitempty"` // nil until checked
}

// Valid reports whether the number passes the local numbering rules.
// Accepts local bodies (10 or 11 digits) and country-prefixed forms
// (12 or 13 digits starting with 55).
func Valid(number string) bool {
	digits := stripNonDigits(number)
	if len(digits) < 10 || len(digits) > 13 {
		return false
	}
	if len(digits) == 12 || len(digits) == 13 {
		if !strings.HasPrefix(digits, CountryCode) {
			return false
		}
		return validLocal(digits[2:])
	}
	return validLocal(digits)
}

// validLocal checks DDD + subscriber body. Mobiles are 11 digits with the
// extra '9' at index 2; landlines are 10 digits and must not carry it.
func validLocal(local string) bool {
	if len(local) != 10 && len(local) != 11 {
		return false
	}
	ddd := (int(local[0]-'0') * 10) + int(local[1]-'0')
	if ddd < 11 || ddd > 99 {
		return false
	}
	if len(local) == 11 && local[2] != '9' {
		return false
	}
	if len(local) == 10 && local[2] == '9' {
		return false
	}
	return true
}

// Canonical normalizes a number to the digits-only country-prefixed form.
// Inputs already carrying the prefix pass through unchanged. Canonical is
// idempotent: Canonical(Canonical(x)) == Canonical(x).
func Canonical(number string) string {
	digits := stripNonDigits(number)
	if (len(digits) == 12 || len(digits) == 13) && strings.HasPrefix(digits, CountryCode) {
		return digits
	}
	if len(digits) == 10 || len(digits) == 11 {
		return CountryCode + digits
	}
	return digits
}

// ParseList turns a free-form blob (one candidate per line) into contacts.
// The first phone-looking run on each line is the number; whatever is left
// over becomes the display name. Lines without a digit run are skipped.
// Numbers already present in existing (by canonical form) are dropped, as
// are duplicates within the blob itself.
func ParseList(blob string, existing []Contact) []Contact {
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.Phone] = true
	}

	var out []Contact
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		run, rest := extractRun(line)
		if run == "" {
			continue
		}
		valid := Valid(run)
		canonical := Canonical(run)
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, Contact{
			Phone: canonical,
			Name:  strings.TrimSpace(rest),
			Valid: valid,
		})
	}
	return out
}

// extractRun finds the first contiguous run of phone characters (digits,
// spaces, dashes, parens, plus) containing at least one digit, and returns
// it along with the rest of the line.
func extractRun(line string) (run, rest string) {
	i := 0
	for i < len(line) {
		// skip to the next phone-looking character
		for i < len(line) && !isPhoneRune(rune(line[i])) {
			i++
		}
		start := i
		hasDigit := false
		for i < len(line) && isPhoneRune(rune(line[i])) {
			if line[i] >= '0' && line[i] <= '9' {
				hasDigit = true
			}
			i++
		}
		if start < i && hasDigit {
			return line[start:i], line[:start] + line[i:]
		}
	}
	return "", line
}

func isPhoneRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == ' ' || r == '-' || r == '(' || r == ')' || r == '+' || r == '.':
		return true
	}
	return false
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}
