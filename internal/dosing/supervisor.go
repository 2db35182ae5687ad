package dosing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mrcode/loopsim/internal/bolus"
	"github.com/mrcode/loopsim/internal/models"
	"github.com/mrcode/loopsim/internal/prediction"
)

// Supervisor evaluates the dosing policy once per cycle. It is not safe for
// concurrent use; the host serializes cycles.
type Supervisor struct {
	config    PolicyConfig
	projector Projector
	actuator  Actuator
	state     PolicyState
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithClock sets the clock used for cooldowns
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInitialBasal sets the basal rate the supervisor starts from
func WithInitialBasal(rate float64) Option {
	return func(s *Supervisor) {
		s.state.CurrentBasalRate = rate
	}
}

// NewSupervisor creates a supervisor with empty rate-limiting state
func NewSupervisor(config PolicyConfig, projector Projector, actuator Actuator, opts ...Option) *Supervisor {
	s := &Supervisor{
		config:    config,
		projector: projector,
		actuator:  actuator,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// State returns a copy of the rate-limiting state
func (s *Supervisor) State() PolicyState {
	return s.state
}

// Config returns the policy in use
func (s *Supervisor) Config() PolicyConfig {
	return s.config
}

// Evaluate runs one cycle of the policy. The reactive correction, the carb
// advisory, the basal trend adjustment and the predictive auto-correction
// are independent; a failure in one never stops the others and a predicted
// low always suspends basal.
func (s *Supervisor) Evaluate(ctx context.Context, in Input) Decisions {
	now := s.now()
	g := in.Reading.Value
	d := Decisions{
		CycleID: uuid.NewString(),
		At:      now,
		Glucose: g,
	}
	log := s.logger.With("cycle", d.CycleID)

	// the running rate reported by the host is authoritative
	s.state.CurrentBasalRate = in.BasalRate

	if in.History != nil {
		d.Slope = prediction.EstimateSlope(in.History, prediction.DefaultLookbackMinutes)
		d.Direction = prediction.Direction(d.Slope)
	}

	s.criticalAlerts(&d)
	s.reactiveCorrection(ctx, log, in, &d)
	s.carbAdvisory(in, &d)

	predicted, ok := prediction.Last(s.projector.Project(g, in.IOB, in.COB, in.BasalRate, s.config.HorizonMinutes))
	if !ok {
		predicted.Glucose = g
	}
	d.Predicted30 = predicted.Glucose

	s.predictiveBasal(ctx, log, &d)
	s.autoCorrection(ctx, log, in, &d)

	log.DebugContext(ctx, "cycle evaluated",
		"glucose", g,
		"predicted", d.Predicted30,
		"basal", d.Basal.To,
		"delivered", d.Delivered(),
		"errors", len(d.Errors))
	return d
}

func (s *Supervisor) criticalAlerts(d *Decisions) {
	switch {
	case d.Glucose <= s.config.CriticalLow:
		s.alert(d, models.AlertCriticalLow, 0, fmt.Sprintf("Critical low glucose: %.1f mmol/L", d.Glucose))
	case d.Glucose >= s.config.CriticalHigh:
		s.alert(d, models.AlertCriticalHigh, 0, fmt.Sprintf("Critical high glucose: %.1f mmol/L", d.Glucose))
	}
}

func (s *Supervisor) reactiveCorrection(ctx context.Context, log *slog.Logger, in Input, d *Decisions) {
	if in.Reading.Value <= in.TargetBG+s.config.CorrectionMargin {
		return
	}
	if !(in.CorrectionFactor > 0) {
		err := fmt.Errorf("reactive correction skipped: %w: correction factor %.2f", bolus.ErrInvalidParameter, in.CorrectionFactor)
		log.WarnContext(ctx, "correction skipped", "error", err)
		d.Errors = append(d.Errors, err)
		return
	}

	units, err := bolus.Correction(in.Reading.Value, in.TargetBG, in.CorrectionFactor)
	if err != nil {
		d.Errors = append(d.Errors, fmt.Errorf("reactive correction: %w", err))
		return
	}
	d.Correction = round2(units)
	whole := math.Trunc(d.Correction)
	if whole <= 0 {
		return
	}

	if err := s.actuator.RequestInsulinDelivery(whole); err != nil {
		log.ErrorContext(ctx, "correction delivery failed", "units", whole, "error", err)
		d.Errors = append(d.Errors, fmt.Errorf("reactive correction delivery: %w", err))
		return
	}
	d.CorrectionUnits = whole
	log.InfoContext(ctx, "correction issued", "glucose", in.Reading.Value, "calculated", d.Correction, "units", whole)
	s.alert(d, models.AlertCorrection, whole, fmt.Sprintf("High glucose %.1f mmol/L, correction of %.0f units issued", in.Reading.Value, whole))
}

func (s *Supervisor) carbAdvisory(in Input, d *Decisions) {
	if in.Reading.Value >= in.TargetBG-s.config.CarbMargin {
		return
	}
	d.CarbSuggestion = true
	s.alert(d, models.AlertCarbSuggestion, 0, fmt.Sprintf("Glucose %.1f mmol/L is below target, consider taking carbs", in.Reading.Value))
}

func (s *Supervisor) predictiveBasal(ctx context.Context, log *slog.Logger, d *Decisions) {
	p := d.Predicted30
	from := s.state.CurrentBasalRate
	d.Basal = BasalChange{Action: BasalUnchanged, From: from, To: from}

	switch {
	case p <= s.config.SuspendThreshold:
		d.Basal = s.suspend(ctx, log, d)
	case p <= s.config.LowThreshold:
		d.Basal = s.adjust(ctx, log, -s.config.BasalStep, d)
	case p >= s.config.HighThreshold:
		d.Basal = s.adjust(ctx, log, s.config.BasalStep, d)
	}
}

// suspend stops basal delivery. It bypasses every rate limit.
func (s *Supervisor) suspend(ctx context.Context, log *slog.Logger, d *Decisions) BasalChange {
	change := BasalChange{Action: BasalSuspend, From: s.state.CurrentBasalRate, To: 0}
	if err := s.actuator.SetBasalRate(0); err != nil {
		log.ErrorContext(ctx, "basal suspend failed", "error", err)
		d.Errors = append(d.Errors, fmt.Errorf("basal suspend: %w", err))
	} else {
		change.Applied = true
		s.state.CurrentBasalRate = 0
		s.state.LastBasalAdjustmentTime = d.At
	}

	log.WarnContext(ctx, "basal suspended", "predicted", d.Predicted30)
	s.alert(d, models.AlertPredictedLowSuspend, 0, fmt.Sprintf("Predicted low %.1f mmol/L in %d minutes, basal suspended", d.Predicted30, s.config.HorizonMinutes))
	return change
}

// AdjustBasal moves the basal rate by delta, clamped to the configured
// range. When the actuator rejects the change the previous rate is kept.
func (s *Supervisor) AdjustBasal(ctx context.Context, delta float64) (BasalChange, error) {
	from := s.state.CurrentBasalRate
	to := s.config.ClampRate(from + delta)
	change := BasalChange{From: from, To: from}
	switch {
	case to > from:
		change.Action = BasalIncrease
	case to < from:
		change.Action = BasalDecrease
	default:
		change.Action = BasalUnchanged
		return change, nil
	}

	if err := s.actuator.AdjustBasalRate(to - from); err != nil {
		return change, fmt.Errorf("adjusting basal %.2f -> %.2f U/h: %w", from, to, err)
	}
	change.To = to
	change.Applied = true
	s.state.CurrentBasalRate = to
	s.state.LastBasalAdjustmentTime = s.now()

	s.logger.InfoContext(ctx, "basal adjusted", "from", from, "to", to)
	return change, nil
}

func (s *Supervisor) adjust(ctx context.Context, log *slog.Logger, delta float64, d *Decisions) BasalChange {
	change, err := s.AdjustBasal(ctx, delta)
	if err != nil {
		log.WarnContext(ctx, "basal adjustment rejected", "error", err)
		d.Errors = append(d.Errors, err)
	}
	return change
}

func (s *Supervisor) autoCorrection(ctx context.Context, log *slog.Logger, in Input, d *Decisions) {
	if d.Predicted30 < s.config.AutoCorrectThreshold {
		return
	}
	last := s.state.LastAutoCorrectionTime
	if !last.IsZero() && d.At.Sub(last) < s.config.AutoCorrectCooldown {
		log.DebugContext(ctx, "auto-correction cooling down", "since", d.At.Sub(last).Round(time.Second))
		return
	}

	raw, err := bolus.Correction(d.Predicted30, in.TargetBG, in.CorrectionFactor)
	if err == nil && in.CorrectionFactor < 0 {
		err = fmt.Errorf("%w: correction factor %.2f", bolus.ErrInvalidParameter, in.CorrectionFactor)
	}
	if err != nil {
		log.WarnContext(ctx, "auto-correction skipped", "error", err)
		d.Errors = append(d.Errors, fmt.Errorf("auto-correction: %w", err))
		return
	}

	units := math.Trunc(min(s.config.MaxAutoCorrection, raw))
	s.state.LastAutoCorrectionTime = d.At
	d.AutoCorrectionFired = true
	if units <= 0 {
		return
	}

	if err := s.actuator.RequestInsulinDelivery(units); err != nil {
		log.ErrorContext(ctx, "auto-correction delivery failed", "units", units, "error", err)
		d.Errors = append(d.Errors, fmt.Errorf("auto-correction delivery: %w", err))
		return
	}
	d.AutoCorrectionUnits = units
	log.InfoContext(ctx, "auto-correction issued", "predicted", d.Predicted30, "units", units)
	s.alert(d, models.AlertAutoCorrection, units, fmt.Sprintf("Predicted high %.1f mmol/L, auto-correction of %.0f units issued", d.Predicted30, units))
}

func (s *Supervisor) alert(d *Decisions, t models.AlertType, units float64, msg string) {
	d.Alerts = append(d.Alerts, models.Alert{
		Type:    t,
		Time:    d.At,
		Glucose: d.Glucose,
		Units:   units,
		Message: msg,
		CycleID: d.CycleID,
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
