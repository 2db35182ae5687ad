package bolus

import (
	"fmt"
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

// DeliveryState is the state of the bolus delivery state machine
type DeliveryState int

// Delivery states
const (
	Idle DeliveryState = iota
	InProgress
	Cancelled
)

func (s DeliveryState) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// DeliveryLog describes what a Deliver or Complete call committed
type DeliveryLog struct {
	StartTime       time.Time
	Immediate       float64 // units delivered at once
	Extended        float64 // units owed over time, still pending when ExtendedPending
	Committed       float64 // units committed by this call
	ExtendedPending bool
	Message         string
}

// CancelReport describes the outcome of a Cancel call
type CancelReport struct {
	NoOp             bool      // no delivery was active
	At               time.Time // time of the cancel request
	PartialDelivered float64   // units committed by the last delivery, authoritative for IOB
	Discarded        float64   // extended units that will never be delivered
	Message          string
}

// Delivery tracks a single in-progress bolus (immediate + extended).
// It is not safe for concurrent use.
type Delivery struct {
	state            DeliveryState
	partialDelivered float64
	pendingExtended  float64
	startTime        time.Time
	now              func() time.Time
}

// NewDelivery creates an idle delivery tracker. A nil clock uses time.Now.
func NewDelivery(now func() time.Time) *Delivery {
	if now == nil {
		now = time.Now
	}
	return &Delivery{now: now}
}

// State returns the current delivery state
func (d *Delivery) State() DeliveryState {
	return d.state
}

// PartialDelivered returns the units committed by the last delivery
func (d *Delivery) PartialDelivered() float64 {
	return d.partialDelivered
}

// StartTime returns when the last delivery started
func (d *Delivery) StartTime() time.Time {
	return d.startTime
}

// Deliver starts delivering a calculated bolus. The immediate portion is
// committed at once; without extended delivery the extended portion is
// committed too and the machine returns to Idle. A previous completed or
// cancelled delivery is treated as idle.
func (d *Delivery) Deliver(result models.BolusResult, extended bool) DeliveryLog {
	d.startTime = d.now()
	d.partialDelivered = result.ImmediateBolus
	d.state = InProgress

	log := DeliveryLog{
		StartTime: d.startTime,
		Immediate: result.ImmediateBolus,
		Extended:  result.ExtendedBolus,
	}
	msg := fmt.Sprintf("Bolus delivery started at %s\n", d.startTime.Format("15:04:05"))
	msg += fmt.Sprintf("Immediate dose delivered: %.2f units\n", result.ImmediateBolus)

	if extended {
		d.pendingExtended = result.ExtendedBolus
		log.ExtendedPending = true
		msg += fmt.Sprintf("Extended dose scheduled: %.2f units over next hours.\n", result.ExtendedBolus)
	} else {
		d.partialDelivered += result.ExtendedBolus
		d.pendingExtended = 0
		d.state = Idle
		msg += fmt.Sprintf("Full dose delivered immediately: %.2f units\n", result.FinalBolus)
	}

	log.Committed = d.partialDelivered
	log.Message = msg
	return log
}

// Complete commits the pending extended portion of an in-progress delivery
// and returns the machine to Idle. It is a no-op in any other state.
func (d *Delivery) Complete() DeliveryLog {
	if d.state != InProgress {
		return DeliveryLog{StartTime: d.startTime, Message: "No extended bolus is pending.\n"}
	}

	owed := d.pendingExtended
	d.partialDelivered += owed
	d.pendingExtended = 0
	d.state = Idle

	return DeliveryLog{
		StartTime: d.startTime,
		Extended:  owed,
		Committed: owed,
		Message:   fmt.Sprintf("Extended dose completed: %.2f units\n", owed),
	}
}

// Cancel stops an in-progress delivery. The extended remainder is discarded
// and never delivered. Cancelling with nothing active is an informational
// no-op that still reports what the last delivery committed.
func (d *Delivery) Cancel() CancelReport {
	at := d.now()
	if d.state != InProgress {
		return CancelReport{
			NoOp:             true,
			At:               at,
			PartialDelivered: d.partialDelivered,
			Message:          "No bolus is currently in progress.\n",
		}
	}

	discarded := d.pendingExtended
	d.pendingExtended = 0
	d.state = Cancelled

	msg := fmt.Sprintf("Bolus delivery cancelled at %s\n", at.Format("15:04:05"))
	msg += fmt.Sprintf("Partial dose delivered: %.2f units\n", d.partialDelivered)
	return CancelReport{
		At:               at,
		PartialDelivered: d.partialDelivered,
		Discarded:        discarded,
		Message:          msg,
	}
}

// UpdateIOB adds a delivered amount to the insulin on board. Negative
// amounts are legal and model basal suppression.
func UpdateIOB(currentIOB, deliveredAmount float64) float64 {
	return currentIOB + deliveredAmount
}
