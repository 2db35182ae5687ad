// Package models contains data structures used throughout the application
package models

// Glucose status strings
const (
	StatusUrgentLow  = "urgent_low"
	StatusLow        = "low"
	StatusNormal     = "normal"
	StatusHigh       = "high"
	StatusUrgentHigh = "urgent_high"
)

// Thresholds contains glucose alarm thresholds in mmol/L
type Thresholds struct {
	Low        float64 `json:"low" yaml:"low" toml:"low"`
	High       float64 `json:"high" yaml:"high" toml:"high"`
	UrgentLow  float64 `json:"urgentLow" yaml:"urgent_low" toml:"urgent_low"`
	UrgentHigh float64 `json:"urgentHigh" yaml:"urgent_high" toml:"urgent_high"`
}

// DefaultThresholds returns the standard alarm thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Low:        3.9,
		High:       10.0,
		UrgentLow:  2.8,
		UrgentHigh: 15.0,
	}
}

// Status returns the status string for a glucose value
func (t Thresholds) Status(mmol float64) string {
	switch {
	case mmol <= t.UrgentLow:
		return StatusUrgentLow
	case mmol <= t.Low:
		return StatusLow
	case mmol >= t.UrgentHigh:
		return StatusUrgentHigh
	case mmol >= t.High:
		return StatusHigh
	default:
		return StatusNormal
	}
}
