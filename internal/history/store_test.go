package history

import (
	"testing"
	"time"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestStore_EvictsOldestBeyondCapacity(t *testing.T) {
	for _, total := range []int{Capacity + 1, Capacity + 50, 3 * Capacity} {
		s := NewStore()
		for i := 0; i < total; i++ {
			s.Insert(float64(i), base.Add(time.Duration(i)*5*time.Minute))
		}

		if s.Len() != Capacity {
			t.Fatalf("inserted %d: Len() = %d, want %d", total, s.Len(), Capacity)
		}

		all := s.All()
		first := total - Capacity
		for i, r := range all {
			if r.Value != float64(first+i) {
				t.Fatalf("inserted %d: reading %d = %v, want %v", total, i, r.Value, float64(first+i))
			}
			if i > 0 && !r.Time.After(all[i-1].Time) {
				t.Fatalf("inserted %d: readings out of order at %d", total, i)
			}
		}
	}
}

func TestStore_AlarmFlag(t *testing.T) {
	s := NewStore()

	tests := []struct {
		value float64
		alarm bool
	}{
		{2.0, true},
		{3.9, true},
		{3.91, false},
		{6.0, false},
		{9.99, false},
		{10.0, true},
		{18.0, true},
	}

	for _, tt := range tests {
		r := s.Insert(tt.value, base)
		if r.IsAlarm != tt.alarm {
			t.Errorf("Insert(%v).IsAlarm = %v, want %v", tt.value, r.IsAlarm, tt.alarm)
		}
	}
}

func TestStore_SetAlerts(t *testing.T) {
	s := NewStore()
	s.SetAlerts(4.5, 9.0)

	if !s.Insert(4.4, base).IsAlarm {
		t.Error("4.4 should alarm with low threshold 4.5")
	}
	if !s.Insert(9.0, base).IsAlarm {
		t.Error("9.0 should alarm with high threshold 9.0")
	}
	if s.Insert(6.0, base).IsAlarm {
		t.Error("6.0 should not alarm")
	}
}

func TestStore_ReadingsSince(t *testing.T) {
	now := base.Add(60 * time.Minute)
	s := NewStore(WithClock(fixedClock(now)))
	for i := 0; i <= 12; i++ {
		s.Insert(5.0+float64(i)*0.1, base.Add(time.Duration(i)*5*time.Minute))
	}

	got := s.ReadingsSince(15 * time.Minute)
	if len(got) != 4 { // 45, 50, 55, 60 minutes
		t.Fatalf("ReadingsSince(15m) returned %d readings, want 4", len(got))
	}
	if !got[0].Time.Equal(now.Add(-15 * time.Minute)) {
		t.Errorf("first reading at %v, want boundary reading included", got[0].Time)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Time.Before(got[i-1].Time) {
			t.Error("readings not chronological")
		}
	}
}

func TestStore_History(t *testing.T) {
	now := base.Add(30 * time.Minute)
	s := NewStore(WithClock(fixedClock(now)))
	s.Insert(5.0, base.Add(20*time.Minute))
	s.Insert(5.5, base.Add(30*time.Minute))

	points := s.History(20)
	if len(points) != 2 {
		t.Fatalf("History(20) returned %d points, want 2", len(points))
	}
	if points[0].Minutes != 10 || points[1].Minutes != 20 {
		t.Errorf("minutes = %v, %v; want 10, 20", points[0].Minutes, points[1].Minutes)
	}
}

func TestStore_LatestSentinel(t *testing.T) {
	s := NewStore(WithClock(fixedClock(base)))

	r := s.Latest()
	if r.Value != 0 || r.IsAlarm || !r.Time.Equal(base) {
		t.Errorf("Latest() on empty store = %+v, want {now, 0, false}", r)
	}

	s.Insert(7.2, base.Add(time.Minute))
	if got := s.Latest().Value; got != 7.2 {
		t.Errorf("Latest().Value = %v, want 7.2", got)
	}
}
