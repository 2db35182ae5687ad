// Package app wires the loop components together and runs evaluation cycles
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/mrcode/loopsim/internal/bolus"
	"github.com/mrcode/loopsim/internal/config"
	"github.com/mrcode/loopsim/internal/dosing"
	"github.com/mrcode/loopsim/internal/history"
	"github.com/mrcode/loopsim/internal/models"
	"github.com/mrcode/loopsim/internal/prediction"
	"github.com/mrcode/loopsim/internal/pump"
	"github.com/mrcode/loopsim/internal/simulator"
)

// staleAfter marks the status stale when the latest reading is older
const staleAfter = 7 * time.Minute

var (
	// ErrNoReadings is returned when a cycle runs before any reading arrived
	ErrNoReadings = errors.New("no glucose readings")
	// ErrNoSensor is returned by Tick when no sensor is configured
	ErrNoSensor = errors.New("no sensor configured")
)

// Sensor produces glucose readings
type Sensor interface {
	Read(ctx context.Context) (models.GlucoseReading, error)
}

// AlertSink receives every alert the loop raises
type AlertSink interface {
	Notify(alert models.Alert) error
}

// alarmResetter is implemented by sinks that suppress repeats and need to
// know when an excursion has ended
type alarmResetter interface {
	ClearAlertState(alertType models.AlertType)
}

// Uploader mirrors deliveries to a remote treatment log
type Uploader interface {
	UploadDecisions(ctx context.Context, d dosing.Decisions) error
	UploadBolus(ctx context.Context, result models.BolusResult, carbs, delivered float64, extended bool) error
}

// Loop owns the glucose history, the supervisor, the bolus manager and the
// pump, and serializes evaluation cycles. It is safe for concurrent use.
type Loop struct {
	mu sync.Mutex

	store      *history.Store
	predictor  *prediction.Predictor
	supervisor *dosing.Supervisor
	bolus      *bolus.Manager
	pump       *pump.Pump

	sensor   Sensor
	sim      *simulator.Simulator
	uploader Uploader
	sinks    []AlertSink

	thresholds models.Thresholds
	profile    models.Profile

	iob, cob          float64
	lastTick          time.Time
	last              dosing.Decisions
	hasDecisions      bool
	consecutiveErrors int

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Loop
type Option func(*Loop)

// WithSensor sets the glucose source polled by Tick
func WithSensor(sensor Sensor) Option {
	return func(l *Loop) {
		l.sensor = sensor
	}
}

// WithSimulator uses sim as the sensor, the clock and the body that
// absorbs delivered insulin and carbs
func WithSimulator(sim *simulator.Simulator) Option {
	return func(l *Loop) {
		l.sim = sim
		l.sensor = sim
		l.now = sim.Now
	}
}

// WithUploader mirrors deliveries through u
func WithUploader(u Uploader) Option {
	return func(l *Loop) {
		l.uploader = u
	}
}

// WithAlertSink adds a receiver for alerts
func WithAlertSink(sink AlertSink) Option {
	return func(l *Loop) {
		if sink != nil {
			l.sinks = append(l.sinks, sink)
		}
	}
}

// WithClock sets the clock shared by every component
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New builds a loop from the configuration and the active profile
func New(cfg *config.Config, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	profile, err := cfg.Active()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		thresholds: cfg.Alerts,
		profile:    profile,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	pumpCfg := cfg.Pump
	pumpCfg.InitialBasalRate = profile.BasalRate

	l.store = history.NewStore(
		history.WithClock(l.now),
		history.WithThresholds(cfg.Alerts.Low, cfg.Alerts.High),
	)
	l.predictor = prediction.NewPredictor(cfg.Predictor)
	l.pump = pump.New(pumpCfg,
		pump.WithClock(l.now),
		pump.WithLogger(l.logger),
		pump.WithLowInsulinHandler(l.emit),
	)
	l.supervisor = dosing.NewSupervisor(cfg.Policy, l.predictor, l.pump,
		dosing.WithClock(l.now),
		dosing.WithLogger(l.logger),
		dosing.WithInitialBasal(profile.BasalRate),
	)
	l.bolus = bolus.NewManager(l.pump, l.now, l.logger)
	l.logger = l.logger.With("component", "loop")
	return l, nil
}

// PushReading stores a reading and raises a low or high alarm when it
// crosses a threshold
func (l *Loop) PushReading(value float64, at time.Time) models.GlucoseReading {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pushLocked(value, at)
}

func (l *Loop) pushLocked(value float64, at time.Time) models.GlucoseReading {
	r := l.store.Insert(value, at)
	if !r.IsAlarm {
		for _, sink := range l.sinks {
			if rs, ok := sink.(alarmResetter); ok {
				rs.ClearAlertState(models.AlertLowGlucose)
				rs.ClearAlertState(models.AlertHighGlucose)
			}
		}
		return r
	}

	low, _ := l.store.Thresholds()
	alert := models.Alert{Type: models.AlertHighGlucose, Time: at, Glucose: value,
		Message: fmt.Sprintf("High glucose alarm: %.1f mmol/L", value)}
	if value <= low {
		alert.Type = models.AlertLowGlucose
		alert.Message = fmt.Sprintf("Low glucose alarm: %.1f mmol/L", value)
	}
	l.emit(alert)
	return r
}

// Backfill seeds the history with older readings, oldest first, without
// raising alarms
func (l *Loop) Backfill(readings []models.GlucoseReading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range readings {
		l.store.Insert(r.Value, r.Time)
	}
}

// Evaluate runs one supervisor cycle on the latest reading
func (l *Loop) Evaluate(ctx context.Context) (dosing.Decisions, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluateLocked(ctx)
}

func (l *Loop) evaluateLocked(ctx context.Context) (dosing.Decisions, error) {
	if l.store.Len() == 0 {
		return dosing.Decisions{}, ErrNoReadings
	}

	d := l.supervisor.Evaluate(ctx, dosing.Input{
		Reading:          l.store.Latest(),
		IOB:              l.iob,
		COB:              l.cob,
		BasalRate:        l.pump.BasalRate(),
		CorrectionFactor: l.profile.CorrectionFactor,
		TargetBG:         l.profile.TargetBG,
		History:          l.store,
	})

	if units := d.Delivered(); units > 0 {
		l.absorbInsulin(units)
	}
	for _, alert := range d.Alerts {
		l.emit(alert)
	}
	if err := d.Err(); err != nil {
		l.logger.WarnContext(ctx, "cycle finished with errors", "cycle", d.CycleID, "error", err)
	}
	if l.uploader != nil {
		if err := l.uploader.UploadDecisions(ctx, d); err != nil {
			l.logger.WarnContext(ctx, "upload failed", "cycle", d.CycleID, "error", err)
		}
	}

	l.last = d
	l.hasDecisions = true
	return d, nil
}

// Tick reads the sensor, stores the reading, drains basal for the time
// since the previous tick and evaluates one cycle
func (l *Loop) Tick(ctx context.Context) (dosing.Decisions, error) {
	if l.sensor == nil {
		return dosing.Decisions{}, ErrNoSensor
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.sensor.Read(ctx)
	if err != nil {
		l.consecutiveErrors++
		l.logger.WarnContext(ctx, "sensor read failed", "attempt", l.consecutiveErrors, "error", err)
		return dosing.Decisions{}, fmt.Errorf("reading sensor: %w", err)
	}
	l.consecutiveErrors = 0

	now := l.now()
	if !l.lastTick.IsZero() {
		elapsed := now.Sub(l.lastTick)
		l.pump.DrainBasal(elapsed)
		l.decay(elapsed)
	}
	l.lastTick = now

	l.pushLocked(r.Value, r.Time)
	return l.evaluateLocked(ctx)
}

// decay ages the tracked IOB and COB. With a simulator its state is
// authoritative; otherwise the predictor's per-step absorption is applied.
func (l *Loop) decay(elapsed time.Duration) {
	if l.sim != nil {
		st := l.sim.State()
		l.iob, l.cob = st.IOB, st.COB
		return
	}
	cfg := l.predictor.Config()
	steps := elapsed.Minutes() / float64(cfg.StepMinutes)
	l.iob *= math.Pow(1-cfg.IOBDecay, steps)
	l.cob *= math.Pow(1-cfg.COBDecay, steps)
}

func (l *Loop) absorbInsulin(units float64) {
	l.iob = bolus.UpdateIOB(l.iob, units)
	if l.sim != nil {
		l.sim.AddInsulin(units)
	}
}

// AddCarbs records carbohydrates eaten
func (l *Loop) AddCarbs(grams float64) {
	if grams <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cob += grams
	if l.sim != nil {
		l.sim.AddCarbs(grams)
	}
}

// Bolus calculates a meal bolus against the latest reading and the active
// profile and delivers it. Carbs are added to COB.
func (l *Loop) Bolus(ctx context.Context, carbs float64, extended bool) (models.BolusResult, bolus.DeliveryLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store.Len() == 0 {
		return models.BolusResult{}, bolus.DeliveryLog{}, ErrNoReadings
	}
	req := bolus.NewRequest(carbs, l.store.Latest().Value, l.profile.CarbRatio,
		l.profile.CorrectionFactor, l.profile.TargetBG, l.iob)

	result, err := l.bolus.Calculate(req)
	if err != nil {
		return models.BolusResult{}, bolus.DeliveryLog{}, fmt.Errorf("calculating bolus: %w", err)
	}
	log, err := l.bolus.Deliver(extended)
	if err != nil {
		return result, log, fmt.Errorf("delivering bolus: %w", err)
	}

	l.absorbInsulin(log.Committed)
	if carbs > 0 {
		l.cob += carbs
		if l.sim != nil {
			l.sim.AddCarbs(carbs)
		}
	}
	l.logger.InfoContext(ctx, "bolus delivered", "final", result.FinalBolus, "committed", log.Committed, "extended", extended)

	if l.uploader != nil {
		if err := l.uploader.UploadBolus(ctx, result, carbs, log.Committed, extended); err != nil {
			l.logger.WarnContext(ctx, "bolus upload failed", "error", err)
		}
	}
	return result, log, nil
}

// CompleteBolus finishes an extended bolus and adds its remainder to IOB
func (l *Loop) CompleteBolus() (bolus.DeliveryLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log, err := l.bolus.Complete()
	if err != nil {
		return log, err
	}
	l.absorbInsulin(log.Committed)
	return log, nil
}

// CancelBolus stops an extended bolus. The units already committed stay
// on board.
func (l *Loop) CancelBolus() bolus.CancelReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bolus.Cancel()
}

// History returns the readings of the last windowMinutes as chart points
func (l *Loop) History(windowMinutes int) []models.HistoryPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.History(windowMinutes)
}

// LatestReading returns the most recent reading
func (l *Loop) LatestReading() models.GlucoseReading {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Latest()
}

// ProjectedTrajectory projects glucose from the latest reading and the
// current IOB, COB and basal rate
func (l *Loop) ProjectedTrajectory(horizonMinutes int) []models.PredictionPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	latest := l.store.Latest()
	return slices.Collect(l.predictor.Project(latest.Value, l.iob, l.cob, l.pump.BasalRate(), horizonMinutes))
}

// Status summarizes the loop for display
func (l *Loop) Status() models.GlucoseStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest := l.store.Latest()
	slope := prediction.EstimateSlope(l.store, prediction.DefaultLookbackMinutes)
	direction := prediction.Direction(slope)
	stale := l.now().Sub(latest.Time)
	ps := l.pump.Status()

	status := models.GlucoseStatus{
		Value:        latest.Value,
		Trend:        models.TrendArrow(direction),
		Direction:    direction,
		Slope:        slope,
		Time:         latest.Time,
		Status:       l.thresholds.Status(latest.Value),
		StaleMinutes: int(stale.Minutes()),
		IsStale:      stale > staleAfter,
		IOB:          l.iob,
		COB:          l.cob,
		BasalRate:    ps.BasalRate,
		Reservoir:    ps.Reservoir,
	}
	if l.store.Len() == 0 {
		status.Status = ""
		status.Trend = "-"
	}
	return status
}

// LastDecisions returns the decisions of the most recent cycle
func (l *Loop) LastDecisions() (dosing.Decisions, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.hasDecisions
}

// PolicyState returns the supervisor's rate-limiting state
func (l *Loop) PolicyState() dosing.PolicyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supervisor.State()
}

// Profile returns the active patient profile
func (l *Loop) Profile() models.Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

// SetProfile switches the patient profile used by later cycles
func (l *Loop) SetProfile(p models.Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profile = p
	l.logger.Info("profile switched", "profile", p.Name)
}

// Pump exposes the simulated pump
func (l *Loop) Pump() *pump.Pump {
	return l.pump
}

// IOB returns the insulin on board
func (l *Loop) IOB() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iob
}

func (l *Loop) emit(alert models.Alert) {
	for _, sink := range l.sinks {
		if err := sink.Notify(alert); err != nil {
			l.logger.Warn("alert delivery failed", "type", alert.Type, "error", err)
		}
	}
}
