// Package models contains data structures used throughout the application
package models

import "time"

// AlertType identifies a discrete event raised for the host to log or display
type AlertType string

// Alert types raised by the loop
const (
	AlertLowGlucose          AlertType = "lowGlucoseAlarm"
	AlertHighGlucose         AlertType = "highGlucoseAlarm"
	AlertCriticalLow         AlertType = "criticalLow"
	AlertCriticalHigh        AlertType = "criticalHigh"
	AlertPredictedLowSuspend AlertType = "predictedLowSuspend"
	AlertAutoCorrection      AlertType = "autoCorrectionIssued"
	AlertCorrection          AlertType = "correctionIssued"
	AlertCarbSuggestion      AlertType = "carbSuggestion"
	AlertLowInsulin          AlertType = "lowInsulin"
)

// Alert is a single event emitted by an evaluation cycle or the pump
type Alert struct {
	Type    AlertType `json:"type"`
	Time    time.Time `json:"time"`
	Glucose float64   `json:"glucose"` // mmol/L, 0 when not glucose related
	Units   float64   `json:"units"`   // insulin units, 0 when not a dose
	Message string    `json:"message"`
	CycleID string    `json:"cycleId,omitempty"`
}

// IsUrgent reports whether the alert should bypass repeat suppression
func (a Alert) IsUrgent() bool {
	switch a.Type {
	case AlertCriticalLow, AlertPredictedLowSuspend:
		return true
	}
	return false
}
