// Package pump simulates the insulin pump the loop drives: basal delivery,
// boluses and the reservoir they draw from
package pump

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

var (
	// ErrAdjustTooSoon is returned when a relative basal change arrives
	// before the minimum interval has passed
	ErrAdjustTooSoon = errors.New("basal adjusted too recently")
	// ErrReservoirEmpty is returned when no insulin is left to deliver
	ErrReservoirEmpty = errors.New("reservoir empty")
	// ErrNegativeRate is returned for a basal rate below zero
	ErrNegativeRate = errors.New("negative basal rate")
)

// Config describes the simulated pump hardware
type Config struct {
	InitialReservoir    float64       `yaml:"initial_reservoir" toml:"initial_reservoir"` // units
	Capacity            float64       `yaml:"capacity" toml:"capacity"`                   // units
	LowInsulinThreshold float64       `yaml:"low_insulin_threshold" toml:"low_insulin_threshold"`
	MinAdjustInterval   time.Duration `yaml:"min_adjust_interval" toml:"min_adjust_interval"`
	InitialBasalRate    float64       `yaml:"initial_basal_rate" toml:"initial_basal_rate"` // U/h
}

// DefaultConfig returns a 200 U pump loaded with 100 U
func DefaultConfig() Config {
	return Config{
		InitialReservoir:    100,
		Capacity:            200,
		LowInsulinThreshold: 50,
		MinAdjustInterval:   15 * time.Minute,
		InitialBasalRate:    1.0,
	}
}

// Validate checks the pump configuration
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %.1f", c.Capacity)
	}
	if c.InitialReservoir < 0 || c.InitialReservoir > c.Capacity {
		return fmt.Errorf("initial reservoir %.1f outside [0, %.1f]", c.InitialReservoir, c.Capacity)
	}
	if c.InitialBasalRate < 0 {
		return fmt.Errorf("initial basal rate: %w", ErrNegativeRate)
	}
	if c.MinAdjustInterval < 0 {
		return errors.New("min adjust interval must not be negative")
	}
	return nil
}

// Status is a snapshot of the pump
type Status struct {
	Reservoir      float64   `json:"reservoir"`
	BasalRate      float64   `json:"basalRate"`
	TotalDelivered float64   `json:"totalDelivered"`
	LastAdjustment time.Time `json:"lastAdjustment"`
	LowInsulin     bool      `json:"lowInsulin"`
}

// Pump is an in-memory pump safe for concurrent use
type Pump struct {
	mu sync.Mutex

	config         Config
	reservoir      float64
	basalRate      float64
	totalDelivered float64
	lastAdjust     time.Time
	lowWarned      bool

	now          func() time.Time
	onLowInsulin func(models.Alert)
	logger       *slog.Logger
}

// Option configures a Pump
type Option func(*Pump)

// WithClock sets the clock used for the adjustment interval
func WithClock(now func() time.Time) Option {
	return func(p *Pump) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLowInsulinHandler registers a callback fired once each time the
// reservoir drops to the low-insulin threshold
func WithLowInsulinHandler(fn func(models.Alert)) Option {
	return func(p *Pump) {
		p.onLowInsulin = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pump) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a pump from config
func New(config Config, opts ...Option) *Pump {
	p := &Pump{
		config:    config,
		reservoir: config.InitialReservoir,
		basalRate: config.InitialBasalRate,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pump")
	return p
}

// SetBasalRate sets an absolute basal rate. It is never throttled so a
// suspend always goes through.
func (p *Pump) SetBasalRate(rate float64) error {
	if rate < 0 {
		return fmt.Errorf("set %.2f U/h: %w", rate, ErrNegativeRate)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.basalRate = rate
	p.lastAdjust = p.now()
	p.logger.Info("basal rate set", "rate", rate)
	return nil
}

// AdjustBasalRate changes the basal rate by delta. Relative changes closer
// together than MinAdjustInterval are rejected with ErrAdjustTooSoon.
func (p *Pump) AdjustBasalRate(delta float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.lastAdjust.IsZero() {
		if since := now.Sub(p.lastAdjust); since < p.config.MinAdjustInterval {
			return fmt.Errorf("%w: %s since last change, need %s", ErrAdjustTooSoon, since.Round(time.Second), p.config.MinAdjustInterval)
		}
	}

	p.basalRate = max(0, p.basalRate+delta)
	p.lastAdjust = now
	p.logger.Info("basal rate adjusted", "delta", delta, "rate", p.basalRate)
	return nil
}

// RequestInsulinDelivery delivers a bolus. Negative amounts signal basal
// suppression and leave the reservoir untouched.
func (p *Pump) RequestInsulinDelivery(units float64) error {
	if units < 0 {
		p.logger.Debug("suppression signalled", "units", units)
		return nil
	}
	_, err := p.Deliver(units)
	return err
}

// Deliver draws up to units from the reservoir and returns what was
// actually delivered
func (p *Pump) Deliver(units float64) (float64, error) {
	if units <= 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.reservoir <= 0 {
		p.mu.Unlock()
		return 0, fmt.Errorf("deliver %.2f units: %w", units, ErrReservoirEmpty)
	}
	delivered := min(units, p.reservoir)
	p.reservoir -= delivered
	p.totalDelivered += delivered
	alert, fire := p.checkLowLocked()
	p.mu.Unlock()

	if delivered < units {
		p.logger.Warn("delivery clamped to reservoir", "requested", units, "delivered", delivered)
	} else {
		p.logger.Info("insulin delivered", "units", delivered)
	}
	p.fire(alert, fire)
	return delivered, nil
}

// DrainBasal consumes the basal insulin for an elapsed period and returns
// the units drawn
func (p *Pump) DrainBasal(elapsed time.Duration) float64 {
	p.mu.Lock()
	units := min(p.basalRate*elapsed.Hours(), p.reservoir)
	if units <= 0 {
		p.mu.Unlock()
		return 0
	}
	p.reservoir -= units
	p.totalDelivered += units
	alert, fire := p.checkLowLocked()
	p.mu.Unlock()

	p.fire(alert, fire)
	return units
}

// Refill adds insulin up to the reservoir capacity and returns the new level
func (p *Pump) Refill(units float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reservoir = min(p.reservoir+max(0, units), p.config.Capacity)
	if p.reservoir > p.config.LowInsulinThreshold {
		p.lowWarned = false
	}
	p.logger.Info("reservoir refilled", "level", p.reservoir)
	return p.reservoir
}

// BasalRate returns the running basal rate
func (p *Pump) BasalRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.basalRate
}

// Reservoir returns the units left
func (p *Pump) Reservoir() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservoir
}

// Status returns a snapshot of the pump
func (p *Pump) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Reservoir:      p.reservoir,
		BasalRate:      p.basalRate,
		TotalDelivered: p.totalDelivered,
		LastAdjustment: p.lastAdjust,
		LowInsulin:     p.reservoir <= p.config.LowInsulinThreshold,
	}
}

func (p *Pump) checkLowLocked() (models.Alert, bool) {
	if p.lowWarned || p.reservoir > p.config.LowInsulinThreshold {
		return models.Alert{}, false
	}
	p.lowWarned = true
	return models.Alert{
		Type:    models.AlertLowInsulin,
		Time:    p.now(),
		Units:   p.reservoir,
		Message: fmt.Sprintf("Low insulin: %.1f units left in reservoir", p.reservoir),
	}, true
}

func (p *Pump) fire(alert models.Alert, ok bool) {
	if !ok {
		return
	}
	p.logger.Warn("low insulin", "reservoir", alert.Units)
	if p.onLowInsulin != nil {
		p.onLowInsulin(alert)
	}
}
