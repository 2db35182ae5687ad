package nightscout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

// ErrStaleEntry is returned when the newest entry is older than the allowed age
var ErrStaleEntry = errors.New("stale glucose entry")

// Source reads live CGM values from Nightscout for the loop
type Source struct {
	client *Client
	maxAge time.Duration
	now    func() time.Time
}

// NewSource creates a sensor source. maxAge <= 0 accepts entries of any age.
func NewSource(client *Client, maxAge time.Duration) *Source {
	return &Source{client: client, maxAge: maxAge, now: time.Now}
}

// Read returns the current glucose reading in mmol/L
func (s *Source) Read(ctx context.Context) (models.GlucoseReading, error) {
	entry, err := s.client.CurrentEntry(ctx)
	if err != nil {
		return models.GlucoseReading{}, err
	}

	r := entry.Reading()
	if s.maxAge > 0 {
		if age := s.now().Sub(r.Time); age > s.maxAge {
			return models.GlucoseReading{}, fmt.Errorf("%w: %s old", ErrStaleEntry, age.Round(time.Minute))
		}
	}
	return r, nil
}

// Backfill returns up to count recent readings in chronological order, for
// seeding the history at startup
func (s *Source) Backfill(ctx context.Context, count int) ([]models.GlucoseReading, error) {
	entries, err := s.client.RecentEntries(ctx, count)
	if err != nil {
		return nil, err
	}

	readings := make([]models.GlucoseReading, 0, len(entries))
	for i := range entries {
		readings = append(readings, entries[i].Reading())
	}
	slices.SortFunc(readings, func(a, b models.GlucoseReading) int {
		return a.Time.Compare(b.Time)
	})
	return readings, nil
}
