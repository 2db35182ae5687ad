// Package models contains data structures used throughout the application
package models

import "time"

// GlucoseReading is a single sensor sample held in the glucose history.
// Readings are immutable once stored.
type GlucoseReading struct {
	Time    time.Time `json:"time"`
	Value   float64   `json:"value"`   // mmol/L
	IsAlarm bool      `json:"isAlarm"` // value crossed the low or high alarm threshold
}

// HistoryPoint is a chart-friendly (x, y) pair.
type HistoryPoint struct {
	Minutes float64 `json:"minutes"` // minutes since the start of the requested window
	Value   float64 `json:"value"`   // mmol/L
}

// GlucoseEntry represents a single glucose reading from Nightscout
type GlucoseEntry struct {
	ID        string `json:"_id"`
	SGV       int    `json:"sgv"`  // Sensor glucose value in mg/dL
	Date      int64  `json:"date"` // Unix timestamp in milliseconds
	DateStr   string `json:"dateString"`
	Trend     int    `json:"trend"`     // Trend direction (1-7)
	Direction string `json:"direction"` // Trend direction as string
	Device    string `json:"device"`
	Type      string `json:"type"`
}

// Time returns the time of the glucose entry
func (g *GlucoseEntry) Time() time.Time {
	return time.UnixMilli(g.Date)
}

// ValueMmolL returns the glucose value in mmol/L
func (g *GlucoseEntry) ValueMmolL() float64 {
	return ToMmol(float64(g.SGV))
}

// Reading converts the entry into a history reading. The alarm flag is left
// unset; the history store computes it on insert.
func (g *GlucoseEntry) Reading() GlucoseReading {
	return GlucoseReading{Time: g.Time(), Value: g.ValueMmolL()}
}

// TrendArrow returns the Unicode arrow character for a Nightscout direction
func TrendArrow(direction string) string {
	arrows := map[string]string{
		"DoubleUp":          "⇈",
		"SingleUp":          "↑",
		"FortyFiveUp":       "↗",
		"Flat":              "→",
		"FortyFiveDown":     "↘",
		"SingleDown":        "↓",
		"DoubleDown":        "⇊",
		"NOT COMPUTABLE":    "?",
		"RATE OUT OF RANGE": "⚠",
	}
	if arrow, ok := arrows[direction]; ok {
		return arrow
	}
	return "-"
}

// GlucoseStatus represents the current loop state for display
type GlucoseStatus struct {
	Value        float64   `json:"value"`        // mmol/L
	Trend        string    `json:"trend"`        // Arrow character
	Direction    string    `json:"direction"`    // Direction string
	Slope        float64   `json:"slope"`        // mmol/L per minute
	Time         time.Time `json:"time"`         // Reading time
	Status       string    `json:"status"`       // "normal", "high", "low", "urgent_high", "urgent_low"
	StaleMinutes int       `json:"staleMinutes"` // Minutes since last reading
	IsStale      bool      `json:"isStale"`      // True if data is stale (>7 min)
	IOB          float64   `json:"iob"`          // Insulin on Board (units)
	COB          float64   `json:"cob"`          // Carbs on Board (grams)
	BasalRate    float64   `json:"basalRate"`    // U/h
	Reservoir    float64   `json:"reservoir"`    // Units left in the pump
}

// ServerStatus represents the Nightscout server status
type ServerStatus struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	ServerTime string `json:"serverTime"`
	APIEnabled bool   `json:"apiEnabled"`
}

// ToMmol converts a mg/dL value to mmol/L
func ToMmol(mgdl float64) float64 {
	return mgdl / 18.0182
}

// ToMgdl converts a mmol/L value to mg/dL
func ToMgdl(mmol float64) float64 {
	return mmol * 18.0182
}
