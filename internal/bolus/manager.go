package bolus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

// ErrNoCalculation is returned when delivery is requested before any bolus was calculated
var ErrNoCalculation = errors.New("no bolus has been calculated")

// InsulinSink receives committed insulin units, typically the pump actuator
type InsulinSink interface {
	RequestInsulinDelivery(units float64) error
}

// Manager combines the calculator and the delivery state machine and keeps
// the last calculated result for later delivery or cancellation
type Manager struct {
	delivery *Delivery
	sink     InsulinSink
	logger   *slog.Logger

	last    models.BolusResult
	lastReq Request
	hasLast bool
}

// NewManager creates a Manager forwarding committed units to sink
func NewManager(sink InsulinSink, now func() time.Time, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		delivery: NewDelivery(now),
		sink:     sink,
		logger:   logger.With("component", "bolus"),
	}
}

// Calculate computes a bolus and caches it as the last result
func (m *Manager) Calculate(req Request) (models.BolusResult, error) {
	result, err := Calculate(req)
	if err != nil {
		return models.BolusResult{}, err
	}
	m.last = result
	m.lastReq = req
	m.hasLast = true
	m.logger.Debug("bolus calculated", "total", result.TotalBolus, "final", result.FinalBolus)
	return result, nil
}

// LastResult returns the last calculated result
func (m *Manager) LastResult() (models.BolusResult, bool) {
	return m.last, m.hasLast
}

// TotalBolus returns the total of the last calculated result
func (m *Manager) TotalBolus() float64 {
	return m.last.TotalBolus
}

// Summary formats the last result with its extended duration
func (m *Manager) Summary() string {
	if !m.hasLast {
		return ""
	}
	return m.last.Summary(m.lastReq.ExtendedHours)
}

// State returns the delivery state
func (m *Manager) State() DeliveryState {
	return m.delivery.State()
}

// Deliver delivers the last calculated bolus and forwards the committed
// units to the sink
func (m *Manager) Deliver(extended bool) (DeliveryLog, error) {
	if !m.hasLast {
		return DeliveryLog{}, ErrNoCalculation
	}

	log := m.delivery.Deliver(m.last, extended)
	if err := m.forward(log.Committed); err != nil {
		return log, err
	}
	m.logger.Info("bolus delivered", "committed", log.Committed, "extended_pending", log.ExtendedPending)
	return log, nil
}

// Complete finishes a pending extended bolus
func (m *Manager) Complete() (DeliveryLog, error) {
	log := m.delivery.Complete()
	if err := m.forward(log.Committed); err != nil {
		return log, err
	}
	return log, nil
}

// Cancel cancels the active delivery, if any
func (m *Manager) Cancel() CancelReport {
	report := m.delivery.Cancel()
	if !report.NoOp {
		m.logger.Warn("bolus cancelled", "delivered", report.PartialDelivered, "discarded", report.Discarded)
	}
	return report
}

func (m *Manager) forward(units float64) error {
	if units <= 0 || m.sink == nil {
		return nil
	}
	if err := m.sink.RequestInsulinDelivery(units); err != nil {
		return fmt.Errorf("forwarding %.2f units: %w", units, err)
	}
	return nil
}
