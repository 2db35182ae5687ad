package app

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mrcode/loopsim/internal/config"
	"github.com/mrcode/loopsim/internal/dosing"
	"github.com/mrcode/loopsim/internal/models"
	"github.com/mrcode/loopsim/internal/simulator"
)

var start = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

type recordingSink struct {
	alerts []models.Alert
}

func (s *recordingSink) Notify(alert models.Alert) error {
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) types() []models.AlertType {
	out := make([]models.AlertType, len(s.alerts))
	for i, a := range s.alerts {
		out[i] = a.Type
	}
	return out
}

func (s *recordingSink) has(t models.AlertType) bool {
	for _, a := range s.alerts {
		if a.Type == t {
			return true
		}
	}
	return false
}

type resettingSink struct {
	recordingSink
	cleared []models.AlertType
}

func (s *resettingSink) ClearAlertState(t models.AlertType) {
	s.cleared = append(s.cleared, t)
}

type stepSensor struct {
	values []float64
	at     *time.Time
	err    error
}

func (s *stepSensor) Read(context.Context) (models.GlucoseReading, error) {
	if s.err != nil {
		return models.GlucoseReading{}, s.err
	}
	v := s.values[0]
	if len(s.values) > 1 {
		s.values = s.values[1:]
	}
	return models.GlucoseReading{Time: *s.at, Value: v}, nil
}

type recordingUploader struct {
	decisions []dosing.Decisions
	boluses   []float64
}

func (u *recordingUploader) UploadDecisions(_ context.Context, d dosing.Decisions) error {
	u.decisions = append(u.decisions, d)
	return nil
}

func (u *recordingUploader) UploadBolus(_ context.Context, _ models.BolusResult, _, delivered float64, _ bool) error {
	u.boluses = append(u.boluses, delivered)
	return nil
}

// newTestLoop builds a loop on the default config ("Morning Routine":
// basal 1.2, carb ratio 12.5, correction factor 2.8, target 5.5)
func newTestLoop(t *testing.T, opts ...Option) (*Loop, *time.Time) {
	t.Helper()
	now := start
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	l, err := New(config.Default(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, &now
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ActiveProfile = "missing"
	if _, err := New(cfg); err == nil {
		t.Error("New() should reject an unknown active profile")
	}
}

func TestPushReading_Alarms(t *testing.T) {
	sink := &recordingSink{}
	l, _ := newTestLoop(t, WithAlertSink(sink))

	tests := []struct {
		value float64
		want  models.AlertType
	}{
		{3.5, models.AlertLowGlucose},
		{3.9, models.AlertLowGlucose},
		{6.0, ""},
		{10.0, models.AlertHighGlucose},
		{13.0, models.AlertHighGlucose},
	}

	for _, tt := range tests {
		sink.alerts = nil
		r := l.PushReading(tt.value, start)
		if r.IsAlarm != (tt.want != "") {
			t.Errorf("PushReading(%.1f).IsAlarm = %v", tt.value, r.IsAlarm)
		}
		switch {
		case tt.want == "" && len(sink.alerts) != 0:
			t.Errorf("PushReading(%.1f) raised %v, want none", tt.value, sink.types())
		case tt.want != "" && (len(sink.alerts) != 1 || sink.alerts[0].Type != tt.want):
			t.Errorf("PushReading(%.1f) raised %v, want %s", tt.value, sink.types(), tt.want)
		}
	}
}

func TestEvaluate_NoReadings(t *testing.T) {
	l, _ := newTestLoop(t)
	if _, err := l.Evaluate(context.Background()); !errors.Is(err, ErrNoReadings) {
		t.Errorf("Evaluate() error = %v, want ErrNoReadings", err)
	}
}

func TestEvaluate_HighGlucose(t *testing.T) {
	sink := &recordingSink{}
	up := &recordingUploader{}
	l, _ := newTestLoop(t, WithAlertSink(sink), WithUploader(up))

	l.PushReading(12.0, start)
	d, err := l.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	// (12.0-5.5)/2.8 = 2.32 -> 2 units
	if d.CorrectionUnits != 2 {
		t.Errorf("CorrectionUnits = %v, want 2", d.CorrectionUnits)
	}
	// 12.0 less 6 steps of 1.2/12*0.1 basal effect
	if !near(d.Predicted30, 11.94) {
		t.Errorf("Predicted30 = %v, want 11.94", d.Predicted30)
	}
	if d.Basal.Action != dosing.BasalIncrease || !d.Basal.Applied {
		t.Errorf("Basal = %+v, want applied increase", d.Basal)
	}
	// (11.94-5.5)/2.8 = 2.3 -> 2 units
	if d.AutoCorrectionUnits != 2 {
		t.Errorf("AutoCorrectionUnits = %v, want 2", d.AutoCorrectionUnits)
	}

	if got := l.IOB(); !near(got, 4) {
		t.Errorf("IOB = %v, want 4", got)
	}
	ps := l.Pump().Status()
	if !near(ps.Reservoir, 96) {
		t.Errorf("Reservoir = %v, want 96", ps.Reservoir)
	}
	if !near(ps.BasalRate, 1.5) {
		t.Errorf("BasalRate = %v, want 1.5", ps.BasalRate)
	}

	for _, want := range []models.AlertType{models.AlertHighGlucose, models.AlertCorrection, models.AlertAutoCorrection} {
		if !sink.has(want) {
			t.Errorf("alerts %v missing %s", sink.types(), want)
		}
	}
	if len(up.decisions) != 1 || up.decisions[0].CycleID != d.CycleID {
		t.Errorf("uploaded %d decisions, want the evaluated cycle", len(up.decisions))
	}

	last, ok := l.LastDecisions()
	if !ok || last.CycleID != d.CycleID {
		t.Error("LastDecisions() should return the evaluated cycle")
	}
	if l.PolicyState().LastAutoCorrectionTime != start {
		t.Error("auto-correction time not recorded")
	}
}

func TestEvaluate_InvalidProfileKeepsBasal(t *testing.T) {
	l, _ := newTestLoop(t)
	p := l.Profile()
	p.CorrectionFactor = 0
	l.SetProfile(p)

	l.PushReading(9.0, start)
	d, err := l.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Err() == nil {
		t.Error("a zero correction factor should be reported on the decisions")
	}
	if d.Delivered() != 0 {
		t.Errorf("Delivered = %v, want 0", d.Delivered())
	}
	// predicted 8.94 still raises basal
	if d.Basal.Action != dosing.BasalIncrease {
		t.Errorf("Basal.Action = %s, want increase", d.Basal.Action)
	}
}

func TestTick_DrainsBasal(t *testing.T) {
	l, now := newTestLoop(t)
	sensor := &stepSensor{values: []float64{6.0}, at: now}
	l.sensor = sensor

	ctx := context.Background()
	if _, err := l.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	*now = now.Add(time.Hour)
	d, err := l.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if d.Basal.Action != dosing.BasalUnchanged {
		t.Errorf("Basal.Action = %s, want unchanged", d.Basal.Action)
	}
	if got := l.Pump().Reservoir(); !near(got, 98.8) {
		t.Errorf("Reservoir = %v, want 98.8 after an hour at 1.2 U/h", got)
	}
	if got := len(l.History(120)); got != 2 {
		t.Errorf("History has %d points, want 2", got)
	}
}

func TestTick_DecaysIOB(t *testing.T) {
	l, now := newTestLoop(t)
	l.sensor = &stepSensor{values: []float64{7.0}, at: now}

	ctx := context.Background()
	if _, err := l.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.Bolus(ctx, 25, false); err != nil {
		t.Fatal(err)
	}
	before := l.IOB()

	*now = now.Add(5 * time.Minute)
	if _, err := l.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := l.IOB(), before*0.95; !near(got, want) {
		t.Errorf("IOB after one step = %v, want %v", got, want)
	}
}

func TestTick_Errors(t *testing.T) {
	l, _ := newTestLoop(t)
	if _, err := l.Tick(context.Background()); !errors.Is(err, ErrNoSensor) {
		t.Errorf("Tick() without sensor error = %v, want ErrNoSensor", err)
	}

	sensorErr := errors.New("sensor offline")
	l.sensor = &stepSensor{err: sensorErr}
	if _, err := l.Tick(context.Background()); !errors.Is(err, sensorErr) {
		t.Errorf("Tick() error = %v, want wrapped sensor error", err)
	}
	if l.consecutiveErrors != 1 {
		t.Errorf("consecutiveErrors = %d, want 1", l.consecutiveErrors)
	}
}

func TestTick_Simulator(t *testing.T) {
	simCfg := simulator.DefaultConfig()
	simCfg.Noise = 0
	sim := simulator.New(simCfg, start)

	l, err := New(config.Default(), WithSimulator(sim))
	if err != nil {
		t.Fatal(err)
	}
	l.AddCarbs(30)

	if _, err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	latest := l.LatestReading()
	if !latest.Time.Equal(start.Add(5 * time.Minute)) {
		t.Errorf("reading time = %v, want one simulator step after start", latest.Time)
	}
	// 7.0 + 30*0.008
	if !near(latest.Value, 7.24) {
		t.Errorf("reading = %v, want 7.24", latest.Value)
	}
	if !near(sim.State().COB, 29.8) {
		t.Errorf("simulator COB = %v, want 29.8", sim.State().COB)
	}
}

func TestBolus(t *testing.T) {
	up := &recordingUploader{}
	l, _ := newTestLoop(t, WithUploader(up))
	ctx := context.Background()

	if _, _, err := l.Bolus(ctx, 45, false); !errors.Is(err, ErrNoReadings) {
		t.Errorf("Bolus() before readings error = %v, want ErrNoReadings", err)
	}

	l.PushReading(8.3, start)
	result, log, err := l.Bolus(ctx, 45, false)
	if err != nil {
		t.Fatalf("Bolus() error = %v", err)
	}
	// 45/12.5 + (8.3-5.5)/2.8 = 3.6 + 1.0
	if !near(result.FinalBolus, 4.6) {
		t.Errorf("FinalBolus = %v, want 4.6", result.FinalBolus)
	}
	if !near(log.Committed, 4.6) {
		t.Errorf("Committed = %v, want 4.6", log.Committed)
	}
	if !near(l.IOB(), 4.6) {
		t.Errorf("IOB = %v, want 4.6", l.IOB())
	}
	if got := l.Pump().Reservoir(); !near(got, 95.4) {
		t.Errorf("Reservoir = %v, want 95.4", got)
	}
	if got := l.Status().COB; got != 45 {
		t.Errorf("COB = %v, want 45", got)
	}
	if len(up.boluses) != 1 || !near(up.boluses[0], 4.6) {
		t.Errorf("uploaded boluses = %v, want [4.6]", up.boluses)
	}
}

func TestBolus_ExtendedCancel(t *testing.T) {
	l, _ := newTestLoop(t)
	ctx := context.Background()
	l.PushReading(8.3, start)

	_, log, err := l.Bolus(ctx, 45, true)
	if err != nil {
		t.Fatal(err)
	}
	if !log.ExtendedPending || !near(log.Committed, 2.76) {
		t.Errorf("log = %+v, want 2.76 immediate with extended pending", log)
	}

	report := l.CancelBolus()
	if report.NoOp || !near(report.PartialDelivered, 2.76) || !near(report.Discarded, 1.84) {
		t.Errorf("CancelBolus() = %+v", report)
	}
	if !near(l.IOB(), 2.76) {
		t.Errorf("IOB = %v, want 2.76", l.IOB())
	}
}

func TestBolus_ExtendedComplete(t *testing.T) {
	l, _ := newTestLoop(t)
	ctx := context.Background()
	l.PushReading(8.3, start)

	if _, _, err := l.Bolus(ctx, 45, true); err != nil {
		t.Fatal(err)
	}
	log, err := l.CompleteBolus()
	if err != nil {
		t.Fatal(err)
	}
	if !near(log.Committed, 1.84) {
		t.Errorf("Committed = %v, want 1.84", log.Committed)
	}
	if !near(l.IOB(), 4.6) {
		t.Errorf("IOB = %v, want 4.6", l.IOB())
	}
}

func TestLowInsulinAlert(t *testing.T) {
	cfg := config.Default()
	cfg.Pump.InitialReservoir = 52
	sink := &recordingSink{}
	l, err := New(cfg, WithAlertSink(sink), WithClock(func() time.Time { return start }))
	if err != nil {
		t.Fatal(err)
	}

	l.PushReading(8.3, start)
	if _, _, err := l.Bolus(context.Background(), 45, false); err != nil {
		t.Fatal(err)
	}
	if !sink.has(models.AlertLowInsulin) {
		t.Errorf("alerts %v, want lowInsulin", sink.types())
	}
}

func TestProjectedTrajectory(t *testing.T) {
	l, _ := newTestLoop(t)
	l.PushReading(7.0, start)

	points := l.ProjectedTrajectory(30)
	if len(points) != 7 {
		t.Fatalf("len = %d, want 7", len(points))
	}
	if points[0].OffsetMinutes != 0 || points[0].Glucose != 7.0 {
		t.Errorf("first point = %+v, want {0 7}", points[0])
	}
	if points[6].OffsetMinutes != 30 {
		t.Errorf("last offset = %d, want 30", points[6].OffsetMinutes)
	}
}

func TestStatus(t *testing.T) {
	l, now := newTestLoop(t)

	if s := l.Status(); s.Trend != "-" || s.Status != "" {
		t.Errorf("empty Status() = %+v", s)
	}

	l.PushReading(6.5, start.Add(-5*time.Minute))
	l.PushReading(7.0, start)
	*now = start.Add(8 * time.Minute)

	s := l.Status()
	if s.Value != 7.0 {
		t.Errorf("Value = %v, want 7.0", s.Value)
	}
	if s.Status != models.StatusNormal {
		t.Errorf("Status = %q, want normal", s.Status)
	}
	if !near(s.Slope, 0.1) {
		t.Errorf("Slope = %v, want 0.1", s.Slope)
	}
	if s.StaleMinutes != 8 || !s.IsStale {
		t.Errorf("stale = %d/%v, want 8/true", s.StaleMinutes, s.IsStale)
	}
	if !near(s.BasalRate, 1.2) || !near(s.Reservoir, 100) {
		t.Errorf("pump = %v U/h, %v U", s.BasalRate, s.Reservoir)
	}
}

func TestPushReading_InRangeClearsAlarmState(t *testing.T) {
	sink := &resettingSink{}
	l, _ := newTestLoop(t, WithAlertSink(sink))

	l.PushReading(3.5, start)
	if len(sink.cleared) != 0 {
		t.Errorf("cleared %v on an alarm reading", sink.cleared)
	}
	l.PushReading(6.0, start.Add(5*time.Minute))
	if len(sink.cleared) != 2 {
		t.Errorf("cleared %v, want low and high", sink.cleared)
	}
}
