package domain

import (
	"fmt"
	"time"
)

// Frequency is a calendar step used both for compounding and for billing intervals.
type Frequency string

const (
	FrequencyNone      Frequency = "none"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyNone, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly:
		return true
	}
	return false
}

// Advance returns anchor moved forward by n steps. Monthly and quarterly
// steps are computed from the anchor, not chained, so month-end dates do
// not drift. FrequencyNone never advances.
func (f Frequency) Advance(anchor time.Time, n int) time.Time {
	switch f {
	case FrequencyDaily:
		return anchor.AddDate(0, 0, n)
	case FrequencyWeekly:
		return anchor.AddDate(0, 0, 7*n)
	case FrequencyMonthly:
		return anchor.AddDate(0, n, 0)
	case FrequencyQuarterly:
		return anchor.AddDate(0, 3*n, 0)
	}
	return anchor
}

// StepsBetween returns the number of whole steps that fit between from and to.
func (f Frequency) StepsBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	var n int
	switch f {
	case FrequencyNone:
		return 0
	case FrequencyDaily:
		n = int(to.Sub(from) / (24 * time.Hour))
	case FrequencyWeekly:
		n = int(to.Sub(from) / (7 * 24 * time.Hour))
	case FrequencyMonthly, FrequencyQuarterly:
		months := (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
		if f == FrequencyQuarterly {
			n = months / 3
		} else {
			n = months
		}
	default:
		return 0
	}
	// AddDate normalisation (and DST for day steps) can leave the estimate one off.
	for n > 0 && f.Advance(from, n).After(to) {
		n--
	}
	for !f.Advance(from, n+1).After(to) {
		n++
	}
	return n
}

// ParseFrequency parses a frequency name; empty input yields def.
func ParseFrequency(s string, def Frequency) (Frequency, error) {
	if s == "" {
		return def, nil
	}
	f := Frequency(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown frequency %q", s)
	}
	return f, nil
}
