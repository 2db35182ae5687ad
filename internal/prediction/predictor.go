// Package prediction provides glucose trend estimation and forward projection
package prediction

import (
	"iter"

	"github.com/mrcode/loopsim/internal/models"
)

// PredictorConfig holds the coefficients of the decay model
type PredictorConfig struct {
	StepMinutes        int     `yaml:"step_minutes" toml:"step_minutes"`
	IOBDecay           float64 `yaml:"iob_decay" toml:"iob_decay"`                     // fraction of IOB absorbed per step
	COBDecay           float64 `yaml:"cob_decay" toml:"cob_decay"`                     // fraction of COB digested per step
	InsulinSensitivity float64 `yaml:"insulin_sensitivity" toml:"insulin_sensitivity"` // mmol/L drop per unit
	CarbSensitivity    float64 `yaml:"carb_sensitivity" toml:"carb_sensitivity"`       // mmol/L rise per gram
	BasalImpact        float64 `yaml:"basal_impact" toml:"basal_impact"`               // mmol/L drop per hour of basal
}

// DefaultPredictorConfig returns the default model coefficients
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		StepMinutes:        5,
		IOBDecay:           0.05,
		COBDecay:           0.10,
		InsulinSensitivity: 2.0,
		CarbSensitivity:    0.2,
		BasalImpact:        0.1,
	}
}

// Predictor projects glucose forward from the current loop state
type Predictor struct {
	config PredictorConfig
}

// NewPredictor creates a Predictor, filling unset step length with the default
func NewPredictor(config PredictorConfig) *Predictor {
	if config.StepMinutes <= 0 {
		config.StepMinutes = DefaultPredictorConfig().StepMinutes
	}
	return &Predictor{config: config}
}

// Config returns the model coefficients in use
func (p *Predictor) Config() PredictorConfig {
	return p.config
}

// Project returns the glucose trajectory from offset 0 up to horizonMinutes
// inclusive, one point per step. The first point is the unmodified current
// glucose. The sequence is lazy and restartable: every iteration recomputes
// from the captured inputs, so identical arguments yield identical points.
// Values are not clamped.
func (p *Predictor) Project(currentGlucose, insulinOnBoard, carbsOnBoard, basalRate float64, horizonMinutes int) iter.Seq[models.PredictionPoint] {
	cfg := p.config
	return func(yield func(models.PredictionPoint) bool) {
		glucose := currentGlucose
		iob := insulinOnBoard
		cob := carbsOnBoard

		if !yield(models.PredictionPoint{OffsetMinutes: 0, Glucose: glucose}) {
			return
		}

		basalEffect := (basalRate / 12) * cfg.BasalImpact // 5 min = 1/12 of an hour
		for offset := cfg.StepMinutes; offset <= horizonMinutes; offset += cfg.StepMinutes {
			iob *= 1 - cfg.IOBDecay

			digested := cob * cfg.COBDecay
			cob -= digested

			insulinEffect := iob * cfg.IOBDecay * cfg.InsulinSensitivity
			carbEffect := digested * cfg.CarbSensitivity

			glucose += carbEffect - insulinEffect - basalEffect

			if !yield(models.PredictionPoint{OffsetMinutes: offset, Glucose: glucose}) {
				return
			}
		}
	}
}

// Last returns the final point of a trajectory
func Last(seq iter.Seq[models.PredictionPoint]) (models.PredictionPoint, bool) {
	var last models.PredictionPoint
	found := false
	for pt := range seq {
		last = pt
		found = true
	}
	return last, found
}

// Display clamp bounds used by charting hosts
const (
	DisplayMin = 2.5
	DisplayMax = 15.0
)

// ClampForDisplay bounds predicted values to [lo, hi] for charting. The loop
// itself always works with unclamped projections.
func ClampForDisplay(points []models.PredictionPoint, lo, hi float64) []models.PredictionPoint {
	out := make([]models.PredictionPoint, len(points))
	for i, pt := range points {
		out[i] = models.PredictionPoint{OffsetMinutes: pt.OffsetMinutes, Glucose: min(max(pt.Glucose, lo), hi)}
	}
	return out
}
