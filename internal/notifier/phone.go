package notifier

import (
	"errors"
	"strings"
)

var ErrBadPhone = errors.New("notifier: unusable phone number")

// NormalizePhone reduces a phone number to "+" followed by digits.
// Separators are dropped and a leading "00" is read as the international
// prefix. Between 7 and 15 digits are accepted.
func NormalizePhone(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	var b strings.Builder
	b.Grow(len(s) + 1)
	b.WriteByte('+')
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", ErrBadPhone
		}
	}
	if digits < 7 || digits > 15 {
		return "", ErrBadPhone
	}
	return b.String(), nil
}

// maskPhone keeps the last four digits for logs.
func maskPhone(p string) string {
	if len(p) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(p)-4) + p[len(p)-4:]
}
