// Package compliance provides the regional phone-number validation this
// service needs before dialing or texting a staff member.
package compliance

import (
	"fmt"
	"regexp"
	"strings"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// NormalizeE164 strips common formatting characters and verifies the
// result is a plausible E.164 number. It never guesses a country code:
// callers must already store numbers with a leading "+".
func NormalizeE164(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.NewReplacer(
		" ", "", "-", "", "(", "", ")", "", ".", "",
	).Replace(trimmed)

	if trimmed == "" {
		return "", fmt.Errorf("compliance: empty phone number")
	}
	if !strings.HasPrefix(trimmed, "+") {
		return "", fmt.Errorf("compliance: %q has no leading \"+\" country code", value)
	}
	if !e164Pattern.MatchString(trimmed) {
		return "", fmt.Errorf("compliance: %q is not a valid E.164 number", value)
	}
	return trimmed, nil
}

// SameNumber compares two phone numbers after normalization, so callers
// don't need to worry about formatting differences between what a carrier
// webhook sends and what the records system stores.
func SameNumber(a, b string) bool {
	na, errA := NormalizeE164(a)
	nb, errB := NormalizeE164(b)
	if errA != nil || errB != nil {
		return false
	}
	return na == nb
}

// ValidForRegion is the glossary's "regional validator": it normalizes
// value to E.164 and, when prefixes is non-empty, additionally requires
// the number start with one of the provider's configured country
// prefixes (e.g. "+1", "+61"). An empty prefixes list accepts any valid
// E.164 number, since not every provider restricts outreach to a fixed
// set of countries.
func ValidForRegion(value string, prefixes []string) (string, bool) {
	normalized, err := NormalizeE164(value)
	if err != nil {
		return "", false
	}
	if len(prefixes) == 0 {
		return normalized, true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(normalized, prefix) {
			return normalized, true
		}
	}
	return "", false
}
