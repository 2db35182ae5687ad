// Package models contains data structures used throughout the application
package models

import "fmt"

// PredictionPoint represents a single projected glucose value
type PredictionPoint struct {
	OffsetMinutes int     `json:"offsetMinutes"` // Minutes ahead of the projection start
	Glucose       float64 `json:"glucose"`       // Predicted glucose in mmol/L
}

// BolusResult is the dose breakdown produced by the bolus calculator.
// All amounts are insulin units, HourlyRate is units/hour.
type BolusResult struct {
	CarbBolus       float64 `json:"carbBolus"`
	CorrectionBolus float64 `json:"correctionBolus"`
	TotalBolus      float64 `json:"totalBolus"` // Carb + correction, before IOB
	FinalBolus      float64 `json:"finalBolus"` // After subtracting IOB, never negative
	ImmediateBolus  float64 `json:"immediateBolus"`
	ExtendedBolus   float64 `json:"extendedBolus"`
	HourlyRate      float64 `json:"hourlyRate"`
}

// Summary returns a human-readable breakdown of the result
func (r BolusResult) Summary(hours int) string {
	s := fmt.Sprintf("Carb Bolus: %.2f units\n", r.CarbBolus)
	s += fmt.Sprintf("Correction Bolus: %.2f units\n", r.CorrectionBolus)
	s += fmt.Sprintf("Total (before IOB): %.2f units\n", r.TotalBolus)
	s += fmt.Sprintf("Final Bolus (after IOB): %.2f units\n", r.FinalBolus)
	s += fmt.Sprintf("Immediate: %.2f units\n", r.ImmediateBolus)
	s += fmt.Sprintf("Extended: %.2f units over %d hrs (%.2f/hr)\n", r.ExtendedBolus, hours, r.HourlyRate)
	return s
}

// Profile is a named set of patient parameters
type Profile struct {
	Name             string  `json:"name" yaml:"name" toml:"name"`
	BasalRate        float64 `json:"basalRate" yaml:"basal_rate" toml:"basal_rate"`                      // U/h
	CarbRatio        float64 `json:"carbRatio" yaml:"carb_ratio" toml:"carb_ratio"`                      // grams per unit
	CorrectionFactor float64 `json:"correctionFactor" yaml:"correction_factor" toml:"correction_factor"` // mmol/L per unit
	TargetBG         float64 `json:"targetBG" yaml:"target_bg" toml:"target_bg"`                         // mmol/L
}
