// Package money converts between minor-unit amounts and display strings.
package money

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Format renders a minor-unit amount as a two-decimal string, e.g. 300000 -> "3000.00".
func Format(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// FromMajor converts a major-unit value to minor units, rounding half away from zero.
func FromMajor(major float64) int64 {
	return int64(math.Round(major * 100))
}

// ParsePercent parses a percentage given as a decimal string ("15", "12.5").
// Non-numeric input yields 0.
func ParsePercent(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return value
}
