// Package common: pluralize.go formats minute amounts for chat messages.
package common

import "fmt"

// PluralizeMinutes returns "minute" or "minutes" for n.
func PluralizeMinutes(n int) string {
	if n == 1 || n == -1 {
		return "minute"
	}
	return "minutes"
}

// FormatMinutes renders a balance: FormatMinutes(90) → "90 minutes".
func FormatMinutes(n int) string {
	return fmt.Sprintf("%d %s", n, PluralizeMinutes(n))
}

// FormatMinutesDelta renders a signed ledger delta.
//
// Examples:
//
//	FormatMinutesDelta(30)  → "+30 minutes"
//	FormatMinutesDelta(-1)  → "-1 minute"
func FormatMinutesDelta(n int) string {
	if n >= 0 {
		return fmt.Sprintf("+%d %s", n, PluralizeMinutes(n))
	}
	return fmt.Sprintf("%d %s", n, PluralizeMinutes(n))
}
