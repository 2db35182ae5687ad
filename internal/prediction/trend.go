// Package prediction provides glucose trend estimation and forward projection
package prediction

import (
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

// DefaultLookbackMinutes is the regression window used for the trend
const DefaultLookbackMinutes = 15

// ReadingSource provides windowed access to the glucose history
type ReadingSource interface {
	ReadingsSince(d time.Duration) []models.GlucoseReading
	Now() time.Time
}

// EstimateSlope returns the glucose rate of change in mmol/L per minute over
// the last lookbackMinutes of the history
func EstimateSlope(src ReadingSource, lookbackMinutes int) float64 {
	window := time.Duration(lookbackMinutes) * time.Minute
	return Slope(src.ReadingsSince(window), src.Now().Add(-window))
}

// Slope fits value = a + b·x by ordinary least squares, where x is minutes
// since windowStart, and returns b. Fewer than two points or identical x
// values give 0.
func Slope(readings []models.GlucoseReading, windowStart time.Time) float64 {
	n := len(readings)
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumX2 float64
	for _, r := range readings {
		x := r.Time.Sub(windowStart).Minutes()
		y := r.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	nf := float64(n)
	denominator := nf*sumX2 - sumX*sumX
	if denominator == 0 {
		return 0
	}

	return (nf*sumXY - sumX*sumY) / denominator
}

// Direction maps a slope in mmol/L per minute to a Nightscout direction name
func Direction(slope float64) string {
	perMin := models.ToMgdl(slope)
	switch {
	case perMin > 3:
		return "DoubleUp"
	case perMin > 2:
		return "SingleUp"
	case perMin > 1:
		return "FortyFiveUp"
	case perMin < -3:
		return "DoubleDown"
	case perMin < -2:
		return "SingleDown"
	case perMin < -1:
		return "FortyFiveDown"
	default:
		return "Flat"
	}
}
