package bolus

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

const eps = 1e-9

func near(a, b float64) bool {
	return math.Abs(a-b) < eps
}

func TestCalculate_MealWithCorrection(t *testing.T) {
	req := NewRequest(45, 12.0, 10, 2.0, 6.0, 1.0)

	result, err := Calculate(req)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"carb", result.CarbBolus, 4.5},
		{"correction", result.CorrectionBolus, 3.0},
		{"total", result.TotalBolus, 7.5},
		{"final", result.FinalBolus, 6.5},
		{"immediate", result.ImmediateBolus, 3.9},
		{"extended", result.ExtendedBolus, 2.6},
		{"hourly", result.HourlyRate, 2.6 / 3},
	}
	for _, tt := range tests {
		if !near(tt.got, tt.want) {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if math.Abs(result.HourlyRate-0.867) > 0.001 {
		t.Errorf("hourly rate = %v, want about 0.867", result.HourlyRate)
	}
}

func TestCalculate_Invariants(t *testing.T) {
	requests := []Request{
		NewRequest(0, 5.0, 10, 2.0, 6.0, 0),
		NewRequest(80, 15.0, 12, 2.5, 5.5, 2.0),
		{Carbs: 30, BG: 9, CarbRatio: 10, CorrectionFactor: 3, TargetBG: 6, IOB: 0.5, ImmediateFraction: 1, ExtendedHours: 0},
		{Carbs: 60, BG: 7, CarbRatio: 15, CorrectionFactor: 2, TargetBG: 6, ImmediateFraction: 0.3, ExtendedHours: 4},
	}

	for _, req := range requests {
		r, err := Calculate(req)
		if err != nil {
			t.Fatalf("Calculate(%+v) error = %v", req, err)
		}
		if !near(r.TotalBolus, r.CarbBolus+r.CorrectionBolus) {
			t.Errorf("total %v != carb %v + correction %v", r.TotalBolus, r.CarbBolus, r.CorrectionBolus)
		}
		if !near(r.FinalBolus, math.Max(0, r.TotalBolus-req.IOB)) {
			t.Errorf("final %v != max(0, total-IOB)", r.FinalBolus)
		}
		if !near(r.ImmediateBolus+r.ExtendedBolus, r.FinalBolus) {
			t.Errorf("immediate + extended != final for %+v", req)
		}
		if req.ExtendedHours <= 0 && r.HourlyRate != 0 {
			t.Errorf("hourly rate = %v with no duration, want 0", r.HourlyRate)
		}
	}
}

func TestCalculate_FinalNeverNegative(t *testing.T) {
	for _, iob := range []float64{7.5, 8, 20, 100} {
		r, err := Calculate(NewRequest(45, 12.0, 10, 2.0, 6.0, iob))
		if err != nil {
			t.Fatalf("Calculate() error = %v", err)
		}
		if r.FinalBolus != 0 {
			t.Errorf("IOB %v: final = %v, want 0", iob, r.FinalBolus)
		}
		if r.ImmediateBolus != 0 || r.ExtendedBolus != 0 {
			t.Errorf("IOB %v: split = %v/%v, want 0/0", iob, r.ImmediateBolus, r.ExtendedBolus)
		}
	}
}

func TestCalculate_ZeroDivisors(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"zero carb ratio", NewRequest(45, 12, 0, 2, 6, 0)},
		{"zero correction factor", NewRequest(45, 12, 10, 0, 6, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(tt.req)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("error = %v, want ErrInvalidParameter", err)
			}
			if !errors.Is(err, ErrDivisionByZero) {
				t.Errorf("error = %v, want ErrDivisionByZero", err)
			}
		})
	}
}

func TestCalculate_NonFinite(t *testing.T) {
	_, err := Calculate(NewRequest(math.NaN(), 12, 10, 2, 6, 0))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
}

func TestBolusResult_Summary(t *testing.T) {
	r, _ := Calculate(NewRequest(45, 12.0, 10, 2.0, 6.0, 1.0))
	s := r.Summary(3)
	for _, want := range []string{"Carb Bolus: 4.50", "Final Bolus (after IOB): 6.50", "over 3 hrs (0.87/hr)"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary() missing %q:\n%s", want, s)
		}
	}
}

var clockTime = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func testClock() time.Time { return clockTime }

func sampleResult() models.BolusResult {
	r, _ := Calculate(NewRequest(45, 12.0, 10, 2.0, 6.0, 1.0))
	return r
}

func TestDelivery_Immediate(t *testing.T) {
	d := NewDelivery(testClock)
	log := d.Deliver(sampleResult(), false)

	if d.State() != Idle {
		t.Errorf("state = %v, want idle", d.State())
	}
	if !near(log.Committed, 6.5) || !near(d.PartialDelivered(), 6.5) {
		t.Errorf("committed = %v, want 6.5", log.Committed)
	}
	if !d.StartTime().Equal(clockTime) {
		t.Errorf("start time = %v", d.StartTime())
	}

	// cancelling after a full delivery is a no-op on committed units
	report := d.Cancel()
	if !report.NoOp {
		t.Error("cancel after full delivery should be a no-op")
	}
	if !near(report.PartialDelivered, 6.5) {
		t.Errorf("cancel reported %v, want 6.5", report.PartialDelivered)
	}
}

func TestDelivery_ExtendedCancel(t *testing.T) {
	d := NewDelivery(testClock)
	log := d.Deliver(sampleResult(), true)

	if d.State() != InProgress {
		t.Fatalf("state = %v, want in_progress", d.State())
	}
	if !log.ExtendedPending || !strings.Contains(log.Message, "Extended dose scheduled: 2.60") {
		t.Errorf("log = %+v", log)
	}
	if !near(log.Committed, 3.9) {
		t.Errorf("committed = %v, want 3.9", log.Committed)
	}

	report := d.Cancel()
	if report.NoOp {
		t.Fatal("cancel of active delivery reported no-op")
	}
	if d.State() != Cancelled {
		t.Errorf("state = %v, want cancelled", d.State())
	}
	if !near(report.PartialDelivered, 3.9) || !near(report.Discarded, 2.6) {
		t.Errorf("report = %+v", report)
	}

	// discarded remainder is never delivered
	if done := d.Complete(); done.Committed != 0 {
		t.Errorf("Complete() after cancel committed %v", done.Committed)
	}

	// re-entrant after cancel
	d.Deliver(sampleResult(), false)
	if d.State() != Idle || !near(d.PartialDelivered(), 6.5) {
		t.Errorf("re-delivery state = %v, delivered = %v", d.State(), d.PartialDelivered())
	}
}

func TestDelivery_ExtendedComplete(t *testing.T) {
	d := NewDelivery(testClock)
	d.Deliver(sampleResult(), true)

	log := d.Complete()
	if !near(log.Committed, 2.6) {
		t.Errorf("Complete() committed %v, want 2.6", log.Committed)
	}
	if d.State() != Idle || !near(d.PartialDelivered(), 6.5) {
		t.Errorf("state = %v, delivered = %v", d.State(), d.PartialDelivered())
	}
}

func TestDelivery_CancelIdle(t *testing.T) {
	d := NewDelivery(testClock)
	report := d.Cancel()
	if !report.NoOp || report.PartialDelivered != 0 {
		t.Errorf("report = %+v", report)
	}
	if !strings.Contains(report.Message, "No bolus is currently in progress") {
		t.Errorf("message = %q", report.Message)
	}
}

func TestUpdateIOB(t *testing.T) {
	tests := []struct {
		iob, delivered, want float64
	}{
		{1.0, 2.5, 3.5},
		{0, 0, 0},
		{2.0, -3.0, -1.0},
	}
	for _, tt := range tests {
		if got := UpdateIOB(tt.iob, tt.delivered); got != tt.want {
			t.Errorf("UpdateIOB(%v, %v) = %v, want %v", tt.iob, tt.delivered, got, tt.want)
		}
	}
}

type recordingSink struct {
	units []float64
	err   error
}

func (s *recordingSink) RequestInsulinDelivery(units float64) error {
	s.units = append(s.units, units)
	return s.err
}

func TestManager_DeliverForwardsCommitted(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(sink, testClock, nil)

	if _, err := m.Deliver(false); !errors.Is(err, ErrNoCalculation) {
		t.Errorf("Deliver() before Calculate error = %v, want ErrNoCalculation", err)
	}

	if _, err := m.Calculate(NewRequest(45, 12.0, 10, 2.0, 6.0, 1.0)); err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if !near(m.TotalBolus(), 7.5) {
		t.Errorf("TotalBolus() = %v", m.TotalBolus())
	}

	if _, err := m.Deliver(true); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if _, err := m.Complete(); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(sink.units) != 2 || !near(sink.units[0], 3.9) || !near(sink.units[1], 2.6) {
		t.Errorf("sink received %v, want [3.9 2.6]", sink.units)
	}
}

func TestManager_CalculateErrorKeepsLast(t *testing.T) {
	m := NewManager(nil, testClock, nil)
	if _, err := m.Calculate(NewRequest(45, 12.0, 10, 2.0, 6.0, 1.0)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Calculate(NewRequest(45, 12.0, 0, 2.0, 6.0, 1.0)); err == nil {
		t.Fatal("expected error for zero carb ratio")
	}
	last, ok := m.LastResult()
	if !ok || !near(last.TotalBolus, 7.5) {
		t.Errorf("LastResult() = %+v, %v", last, ok)
	}
}

func TestManager_SinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("reservoir empty")}
	m := NewManager(sink, testClock, nil)
	_, _ = m.Calculate(NewRequest(45, 12.0, 10, 2.0, 6.0, 1.0))

	if _, err := m.Deliver(false); err == nil {
		t.Error("expected sink error to propagate")
	}
}

func TestCorrection(t *testing.T) {
	got, err := Correction(12, 6, 2)
	if err != nil || got != 3 {
		t.Errorf("Correction(12, 6, 2) = %v, %v, want 3, nil", got, err)
	}
	if _, err := Correction(12, 6, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("Correction with zero factor error = %v, want ErrDivisionByZero", err)
	}
}
