// Package schedule derives payment-phase amounts from a contracted total.
package schedule

import "math"

// Default phase percentages applied when a quote does not specify its own split.
const (
	DefaultDownPaymentPct = 30.0
	DefaultMilestonePct   = 40.0
	DefaultFinalPct       = 30.0
)

// Percentages is the per-phase split of the contracted total. Nil fields
// fall back to the defaults. The three values are not required to sum to
// 100; callers must not assume the phases conserve the contract total.
type Percentages struct {
	DownPayment *float64
	Milestone   *float64
	Final       *float64
}

// Line is one phase of the schedule.
type Line struct {
	Percentage float64
	Amount     int64
}

// Schedule is the three-phase payment plan for a contracted total.
type Schedule struct {
	DownPayment Line
	Milestone   Line
	Final       Line
}

// Calculate computes the three phase amounts for a contracted total given
// in minor units. Pure; a non-positive total yields zero amounts.
func Calculate(total int64, p Percentages) Schedule {
	down := pctOrDefault(p.DownPayment, DefaultDownPaymentPct)
	milestone := pctOrDefault(p.Milestone, DefaultMilestonePct)
	final := pctOrDefault(p.Final, DefaultFinalPct)

	return Schedule{
		DownPayment: Line{Percentage: down, Amount: Portion(total, down)},
		Milestone:   Line{Percentage: milestone, Amount: Portion(total, milestone)},
		Final:       Line{Percentage: final, Amount: Portion(total, final)},
	}
}

// Portion computes round(total * pct / 100) in minor units.
func Portion(total int64, pct float64) int64 {
	if total <= 0 || pct <= 0 {
		return 0
	}
	return int64(math.Round(float64(total) * pct / 100))
}

func pctOrDefault(value *float64, fallback float64) float64 {
	if value == nil || *value <= 0 {
		return fallback
	}
	return *value
}
