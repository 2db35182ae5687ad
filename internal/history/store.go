// Package history keeps the rolling window of sensor readings the loop works from
package history

import (
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

// Capacity is 24 hours of readings at 5-minute sampling
const Capacity = 288

// Default alarm thresholds in mmol/L
const (
	DefaultLowThreshold  = 3.9
	DefaultHighThreshold = 10.0
)

// Store is a bounded, chronologically ordered buffer of glucose readings.
// It is not safe for concurrent use; the loop host serializes access.
type Store struct {
	readings []models.GlucoseReading
	low      float64
	high     float64
	now      func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for windowed queries and the empty sentinel
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithThresholds sets the alarm thresholds
func WithThresholds(low, high float64) Option {
	return func(s *Store) {
		s.low = low
		s.high = high
	}
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		readings: make([]models.GlucoseReading, 0, Capacity),
		low:      DefaultLowThreshold,
		high:     DefaultHighThreshold,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAlerts configures the low and high alarm thresholds for future inserts
func (s *Store) SetAlerts(low, high float64) {
	s.low = low
	s.high = high
}

// Thresholds returns the current alarm thresholds
func (s *Store) Thresholds() (low, high float64) {
	return s.low, s.high
}

// IsAlarm reports whether a value crosses either alarm threshold
func (s *Store) IsAlarm(value float64) bool {
	return value <= s.low || value >= s.high
}

// Insert appends a reading and evicts the oldest entries beyond Capacity
func (s *Store) Insert(value float64, at time.Time) models.GlucoseReading {
	r := models.GlucoseReading{
		Time:    at,
		Value:   value,
		IsAlarm: s.IsAlarm(value),
	}
	s.readings = append(s.readings, r)

	if over := len(s.readings) - Capacity; over > 0 {
		// shift in place so the backing array does not grow without bound
		n := copy(s.readings, s.readings[over:])
		clear(s.readings[n:])
		s.readings = s.readings[:n]
	}
	return r
}

// ReadingsSince returns readings with a timestamp at or after now-d, oldest first
func (s *Store) ReadingsSince(d time.Duration) []models.GlucoseReading {
	cutoff := s.now().Add(-d)
	out := make([]models.GlucoseReading, 0, len(s.readings))
	for _, r := range s.readings {
		if !r.Time.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// History returns the readings of the last windowMinutes as chart points,
// with x measured in minutes from the start of the window
func (s *Store) History(windowMinutes int) []models.HistoryPoint {
	window := time.Duration(windowMinutes) * time.Minute
	cutoff := s.now().Add(-window)
	points := make([]models.HistoryPoint, 0)
	for _, r := range s.ReadingsSince(window) {
		points = append(points, models.HistoryPoint{
			Minutes: r.Time.Sub(cutoff).Minutes(),
			Value:   r.Value,
		})
	}
	return points
}

// Latest returns the most recent reading, or {now, 0, false} when empty
func (s *Store) Latest() models.GlucoseReading {
	if len(s.readings) == 0 {
		return models.GlucoseReading{Time: s.now()}
	}
	return s.readings[len(s.readings)-1]
}

// All returns a copy of every stored reading, oldest first
func (s *Store) All() []models.GlucoseReading {
	out := make([]models.GlucoseReading, len(s.readings))
	copy(out, s.readings)
	return out
}

// Len returns the number of stored readings
func (s *Store) Len() int {
	return len(s.readings)
}

// Now returns the store's notion of the current time
func (s *Store) Now() time.Time {
	return s.now()
}
