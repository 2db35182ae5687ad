package nightscout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrcode/loopsim/internal/dosing"
	"github.com/mrcode/loopsim/internal/models"
)

// tempBasalMinutes is the duration stamped on uploaded basal changes
const tempBasalMinutes = 30

// Uploader mirrors the loop's deliveries to Nightscout as treatments
type Uploader struct {
	client *Client
	logger *slog.Logger
	now    func() time.Time
}

// NewUploader creates an uploader
func NewUploader(client *Client, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{client: client, logger: logger.With("component", "nightscout"), now: time.Now}
}

// Treatments converts one cycle's decisions into Nightscout treatments
func Treatments(d dosing.Decisions) []models.Treatment {
	var out []models.Treatment

	if d.CorrectionUnits > 0 {
		t := models.NewTreatment(models.TreatmentEventTypes.CorrectionBolus, d.At)
		t.Insulin = d.CorrectionUnits
		t.Glucose = d.Glucose
		t.Notes = "reactive correction, cycle " + d.CycleID
		out = append(out, t)
	}
	if d.AutoCorrectionUnits > 0 {
		t := models.NewTreatment(models.TreatmentEventTypes.CorrectionBolus, d.At)
		t.Insulin = d.AutoCorrectionUnits
		t.Glucose = d.Glucose
		t.Notes = fmt.Sprintf("auto-correction for predicted %.1f, cycle %s", d.Predicted30, d.CycleID)
		out = append(out, t)
	}
	if d.Basal.Applied && d.Basal.Action != dosing.BasalUnchanged {
		t := models.NewTreatment(models.TreatmentEventTypes.TempBasal, d.At)
		t.Absolute = d.Basal.To
		t.Duration = tempBasalMinutes
		t.Notes = fmt.Sprintf("%s, predicted %.1f", d.Basal.Action, d.Predicted30)
		out = append(out, t)
	}
	return out
}

// UploadDecisions posts the treatments of one cycle. Failed uploads are
// joined and returned; the rest are still attempted.
func (u *Uploader) UploadDecisions(ctx context.Context, d dosing.Decisions) error {
	var errs []error
	for _, t := range Treatments(d) {
		if err := u.client.PostTreatments(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		u.logger.Debug("treatment uploaded", "type", t.EventType, "cycle", d.CycleID)
	}
	if err := errors.Join(errs...); err != nil {
		u.logger.Warn("treatment upload failed", "error", err)
		return err
	}
	return nil
}

// UploadBolus posts a manually delivered bolus
func (u *Uploader) UploadBolus(ctx context.Context, result models.BolusResult, carbs, delivered float64, extended bool) error {
	var eventType string
	switch {
	case extended:
		eventType = models.TreatmentEventTypes.ComboBolus
	case carbs > 0:
		eventType = models.TreatmentEventTypes.MealBolus
	default:
		eventType = models.TreatmentEventTypes.CorrectionBolus
	}
	t := models.NewTreatment(eventType, u.now())
	t.Insulin = delivered
	t.Carbs = carbs
	t.Notes = fmt.Sprintf("calculated %.2f units", result.FinalBolus)
	return u.client.PostTreatments(ctx, t)
}
