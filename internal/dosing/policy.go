// Package dosing implements the closed-loop supervisor that turns a glucose
// reading and its projection into basal changes and correction doses
package dosing

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/mrcode/loopsim/internal/models"
	"github.com/mrcode/loopsim/internal/prediction"
)

// Actuator receives the supervisor's outputs. Implementations clamp against
// reservoir capacity on their own.
type Actuator interface {
	SetBasalRate(rate float64) error
	AdjustBasalRate(delta float64) error
	RequestInsulinDelivery(units float64) error
}

// Projector produces the forward glucose trajectory
type Projector interface {
	Project(currentGlucose, insulinOnBoard, carbsOnBoard, basalRate float64, horizonMinutes int) iter.Seq[models.PredictionPoint]
}

// PolicyConfig holds the supervisor thresholds. Glucose values are mmol/L,
// rates U/h, doses units.
type PolicyConfig struct {
	CorrectionMargin     float64       `yaml:"correction_margin" toml:"correction_margin"` // above target before a reactive correction
	CarbMargin           float64       `yaml:"carb_margin" toml:"carb_margin"`             // below target before a carb advisory
	SuspendThreshold     float64       `yaml:"suspend_threshold" toml:"suspend_threshold"`
	LowThreshold         float64       `yaml:"low_threshold" toml:"low_threshold"`
	HighThreshold        float64       `yaml:"high_threshold" toml:"high_threshold"`
	BasalStep            float64       `yaml:"basal_step" toml:"basal_step"`
	MinBasalRate         float64       `yaml:"min_basal_rate" toml:"min_basal_rate"`
	MaxBasalRate         float64       `yaml:"max_basal_rate" toml:"max_basal_rate"`
	AutoCorrectThreshold float64       `yaml:"auto_correct_threshold" toml:"auto_correct_threshold"`
	AutoCorrectCooldown  time.Duration `yaml:"auto_correct_cooldown" toml:"auto_correct_cooldown"`
	MaxAutoCorrection    float64       `yaml:"max_auto_correction" toml:"max_auto_correction"`
	HorizonMinutes       int           `yaml:"horizon_minutes" toml:"horizon_minutes"`
	CriticalLow          float64       `yaml:"critical_low" toml:"critical_low"`
	CriticalHigh         float64       `yaml:"critical_high" toml:"critical_high"`
}

// DefaultPolicyConfig returns the default dosing policy
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		CorrectionMargin:     2.0,
		CarbMargin:           1.0,
		SuspendThreshold:     3.9,
		LowThreshold:         5.0,
		HighThreshold:        8.9,
		BasalStep:            0.3,
		MinBasalRate:         0.05,
		MaxBasalRate:         5.0,
		AutoCorrectThreshold: 10.0,
		AutoCorrectCooldown:  60 * time.Minute,
		MaxAutoCorrection:    6.0,
		HorizonMinutes:       30,
		CriticalLow:          2.8,
		CriticalHigh:         15.0,
	}
}

// Validate checks that the thresholds are ordered and usable
func (c PolicyConfig) Validate() error {
	var errs []error
	if c.MinBasalRate < 0 || c.MaxBasalRate < c.MinBasalRate {
		errs = append(errs, fmt.Errorf("basal range [%.2f, %.2f] is invalid", c.MinBasalRate, c.MaxBasalRate))
	}
	if c.SuspendThreshold > c.LowThreshold {
		errs = append(errs, fmt.Errorf("suspend threshold %.1f above low threshold %.1f", c.SuspendThreshold, c.LowThreshold))
	}
	if c.HighThreshold <= c.LowThreshold {
		errs = append(errs, fmt.Errorf("high threshold %.1f not above low threshold %.1f", c.HighThreshold, c.LowThreshold))
	}
	if c.MaxAutoCorrection < 0 {
		errs = append(errs, errors.New("max auto correction must not be negative"))
	}
	if c.AutoCorrectCooldown < 0 {
		errs = append(errs, errors.New("auto correction cooldown must not be negative"))
	}
	if c.HorizonMinutes <= 0 {
		errs = append(errs, errors.New("horizon must be positive"))
	}
	return errors.Join(errs...)
}

// ClampRate bounds a basal rate to the configured range
func (c PolicyConfig) ClampRate(rate float64) float64 {
	return min(max(rate, c.MinBasalRate), c.MaxBasalRate)
}

// PolicyState is the supervisor's rate-limiting memory. A zero time means
// the action has never happened.
type PolicyState struct {
	LastBasalAdjustmentTime time.Time `json:"lastBasalAdjustmentTime"`
	LastAutoCorrectionTime  time.Time `json:"lastAutoCorrectionTime"`
	CurrentBasalRate        float64   `json:"currentBasalRate"`
}

// Input is everything one evaluation cycle needs
type Input struct {
	Reading          models.GlucoseReading
	IOB              float64                  // units
	COB              float64                  // grams
	BasalRate        float64                  // U/h currently running
	CorrectionFactor float64                  // mmol/L per unit
	TargetBG         float64                  // mmol/L
	History          prediction.ReadingSource // optional, adds the trend to the decisions
}

// BasalAction names the outcome of the predictive basal branch
type BasalAction string

// Basal actions
const (
	BasalUnchanged BasalAction = "unchanged"
	BasalSuspend   BasalAction = "suspend"
	BasalDecrease  BasalAction = "decrease"
	BasalIncrease  BasalAction = "increase"
)

// BasalChange describes what the predictive branch asked of the pump
type BasalChange struct {
	Action  BasalAction `json:"action"`
	From    float64     `json:"from"`
	To      float64     `json:"to"`
	Applied bool        `json:"applied"` // false when the actuator rejected the change
}

// Decisions is the result of one evaluation cycle
type Decisions struct {
	CycleID     string    `json:"cycleId"`
	At          time.Time `json:"at"`
	Glucose     float64   `json:"glucose"`
	Slope       float64   `json:"slope"` // mmol/L/min, 0 without history
	Direction   string    `json:"direction"`
	Predicted30 float64   `json:"predicted30"`

	Correction      float64 `json:"correction"`      // rounded reactive correction
	CorrectionUnits float64 `json:"correctionUnits"` // units requested, truncated
	CarbSuggestion  bool    `json:"carbSuggestion"`

	Basal BasalChange `json:"basal"`

	AutoCorrectionUnits float64 `json:"autoCorrectionUnits"`
	AutoCorrectionFired bool    `json:"autoCorrectionFired"`

	Alerts []models.Alert `json:"alerts"`
	Errors []error        `json:"-"`
}

// Delivered returns the total units requested from the pump this cycle
func (d Decisions) Delivered() float64 {
	return d.CorrectionUnits + d.AutoCorrectionUnits
}

// Err joins the errors raised during the cycle
func (d Decisions) Err() error {
	return errors.Join(d.Errors...)
}
