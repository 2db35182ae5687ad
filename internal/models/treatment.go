// Package models contains data structures used throughout the application
package models

import "time"

// Treatment represents a Nightscout treatment entry (insulin, temp basal, notes)
type Treatment struct {
	ID        string  `json:"_id,omitempty"`
	EventType string  `json:"eventType"`
	CreatedAt string  `json:"created_at"`
	Insulin   float64 `json:"insulin,omitempty"`  // Units of insulin
	Carbs     float64 `json:"carbs,omitempty"`    // Grams of carbohydrates
	Duration  float64 `json:"duration,omitempty"` // Duration in minutes (for temp basals)
	Glucose   float64 `json:"glucose,omitempty"`  // Blood glucose value if recorded
	Units     string  `json:"units,omitempty"`    // "mg/dl" or "mmol/l"
	Notes     string  `json:"notes,omitempty"`
	EnteredBy string  `json:"enteredBy"`

	// For basal changes
	Absolute float64 `json:"absolute"`
}

// TreatmentEventTypes contains the Nightscout event types the loop uploads
var TreatmentEventTypes = struct {
	CorrectionBolus string
	MealBolus       string
	ComboBolus      string
	TempBasal       string
	Announcement    string
}{
	CorrectionBolus: "Correction Bolus",
	MealBolus:       "Meal Bolus",
	ComboBolus:      "Combo Bolus",
	TempBasal:       "Temp Basal",
	Announcement:    "Announcement",
}

// NewTreatment creates a treatment stamped with the given time
func NewTreatment(eventType string, at time.Time) Treatment {
	return Treatment{
		EventType: eventType,
		CreatedAt: at.UTC().Format(time.RFC3339),
		Units:     "mmol/l",
		EnteredBy: "loopsim",
	}
}

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
