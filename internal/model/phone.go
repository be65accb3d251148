package model

import (
	"fmt"
	"strings"

	"github.com/psds-microservice/appeal-service/internal/errs"
)

// NormalizePhone приводит номер к виду 8XXXXXXXXXX (11 цифр).
// 11 цифр с ведущей 7 → ведущая 8; 10 цифр → добавляется 8.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 10:
		return "8" + digits, nil
	case len(digits) == 11 && digits[0] == '7':
		return "8" + digits[1:], nil
	case len(digits) == 11 && digits[0] == '8':
		return digits, nil
	default:
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidPhone, raw)
	}
}

// SamePhone compares two phones as written in the sheet. Numbers that do not
// normalize are compared by their raw digits.
func SamePhone(a, b string) bool {
	na, errA := NormalizePhone(a)
	nb, errB := NormalizePhone(b)
	if errA == nil && errB == nil {
		return na == nb
	}
	return digitsOnly(a) != "" && digitsOnly(a) == digitsOnly(b)
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
