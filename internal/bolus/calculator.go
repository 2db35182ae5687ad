// Package bolus implements bolus dose arithmetic and the delivery state machine
package bolus

import (
	"errors"
	"fmt"
	"math"

	"github.com/mrcode/loopsim/internal/models"
)

// Calculation defaults
const (
	DefaultImmediateFraction = 0.6
	DefaultExtendedHours     = 3
)

var (
	// ErrInvalidParameter reports a patient parameter the calculator cannot use
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrDivisionByZero reports a zero carb ratio or correction factor
	ErrDivisionByZero = errors.New("division by zero")
)

// Request holds the inputs of a bolus calculation
type Request struct {
	Carbs             float64 // grams
	BG                float64 // current glucose, mmol/L
	CarbRatio         float64 // grams per unit
	CorrectionFactor  float64 // mmol/L per unit
	TargetBG          float64 // mmol/L
	IOB               float64 // units
	ImmediateFraction float64 // share of the final bolus delivered at once
	ExtendedHours     int     // duration of the extended portion
}

// NewRequest builds a request with the default immediate/extended split
func NewRequest(carbs, bg, carbRatio, correctionFactor, targetBG, iob float64) Request {
	return Request{
		Carbs:             carbs,
		BG:                bg,
		CarbRatio:         carbRatio,
		CorrectionFactor:  correctionFactor,
		TargetBG:          targetBG,
		IOB:               iob,
		ImmediateFraction: DefaultImmediateFraction,
		ExtendedHours:     DefaultExtendedHours,
	}
}

// Validate checks the calculator preconditions
func (r Request) Validate() error {
	if r.CarbRatio == 0 {
		return fmt.Errorf("%w: carb ratio: %w", ErrInvalidParameter, ErrDivisionByZero)
	}
	if r.CorrectionFactor == 0 {
		return fmt.Errorf("%w: correction factor: %w", ErrInvalidParameter, ErrDivisionByZero)
	}
	for name, v := range map[string]float64{
		"carbs":              r.Carbs,
		"bg":                 r.BG,
		"carb ratio":         r.CarbRatio,
		"correction factor":  r.CorrectionFactor,
		"target bg":          r.TargetBG,
		"iob":                r.IOB,
		"immediate fraction": r.ImmediateFraction,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidParameter, name)
		}
	}
	return nil
}

// Calculate computes the dose breakdown for a request.
//
//	total     = carbs/carbRatio + (bg-target)/correctionFactor
//	final     = max(0, total - IOB)
//	immediate = immediateFraction * final
//	extended  = final - immediate
//	rate      = extended / hours, 0 when hours <= 0
func Calculate(req Request) (models.BolusResult, error) {
	if err := req.Validate(); err != nil {
		return models.BolusResult{}, err
	}

	var result models.BolusResult
	result.CarbBolus = req.Carbs / req.CarbRatio
	result.CorrectionBolus = correction(req.BG, req.TargetBG, req.CorrectionFactor)
	result.TotalBolus = result.CarbBolus + result.CorrectionBolus
	result.FinalBolus = max(0, result.TotalBolus-req.IOB)

	result.ImmediateBolus = req.ImmediateFraction * result.FinalBolus
	result.ExtendedBolus = result.FinalBolus - result.ImmediateBolus
	if req.ExtendedHours > 0 {
		result.HourlyRate = result.ExtendedBolus / float64(req.ExtendedHours)
	}

	return result, nil
}

// Correction returns the units needed to bring bg down to target. It fails
// on a zero or non-finite correction factor.
func Correction(bg, targetBG, correctionFactor float64) (float64, error) {
	if correctionFactor == 0 {
		return 0, fmt.Errorf("%w: correction factor: %w", ErrInvalidParameter, ErrDivisionByZero)
	}
	if math.IsNaN(correctionFactor) || math.IsInf(correctionFactor, 0) {
		return 0, fmt.Errorf("%w: correction factor is not finite", ErrInvalidParameter)
	}
	return correction(bg, targetBG, correctionFactor), nil
}

func correction(bg, targetBG, correctionFactor float64) float64 {
	return (bg - targetBG) / correctionFactor
}
