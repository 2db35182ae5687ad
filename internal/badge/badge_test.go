package badge

import (
	"bytes"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/mrcode/loopsim/internal/models"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		status *models.GlucoseStatus
	}{
		{"placeholder", nil},
		{"in range", &models.GlucoseStatus{Value: 6.4, Direction: "Flat", Status: models.StatusNormal}},
		{"double up", &models.GlucoseStatus{Value: 12.3, Direction: "DoubleUp", Status: models.StatusHigh}},
		{"unknown direction", &models.GlucoseStatus{Value: 3.1, Direction: "NOT COMPUTABLE", Status: models.StatusLow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Render(tt.status)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			img, err := png.Decode(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("output is not a PNG: %v", err)
			}
			if b := img.Bounds(); b.Dx() != Size || b.Dy() != Size {
				t.Errorf("size = %dx%d, want %dx%d", b.Dx(), b.Dy(), Size, Size)
			}
		})
	}
}

func TestStatusColor(t *testing.T) {
	tests := []struct {
		name   string
		status *models.GlucoseStatus
		want   string
	}{
		{"unknown", nil, "#808080"},
		{"stale", &models.GlucoseStatus{Status: models.StatusNormal, StaleMinutes: 10}, "#9ca3af"},
		{"urgent low", &models.GlucoseStatus{Status: models.StatusUrgentLow}, "#ef4444"},
		{"urgent high", &models.GlucoseStatus{Status: models.StatusUrgentHigh}, "#ef4444"},
		{"low", &models.GlucoseStatus{Status: models.StatusLow}, "#f97316"},
		{"high", &models.GlucoseStatus{Status: models.StatusHigh}, "#facc15"},
		{"normal", &models.GlucoseStatus{Status: models.StatusNormal}, "#4ade80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusColor(tt.status); got != tt.want {
				t.Errorf("StatusColor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseHexColor(t *testing.T) {
	r, g, b := parseHexColor("#4ade80")
	if r != 0x4a || g != 0xde || b != 0x80 {
		t.Errorf("parseHexColor() = %d,%d,%d", r, g, b)
	}
	r, g, b = parseHexColor("bad")
	if r != 0 || g != 0 || b != 0 {
		t.Error("invalid input should give black")
	}
}

func TestFormatting(t *testing.T) {
	statusTests := []struct {
		status, expected string
	}{
		{"urgent_low", "Urgent Low"},
		{"urgent_high", "Urgent High"},
		{"low", "Low"},
		{"high", "High"},
		{"normal", "In Range"},
		{"other", "other"},
	}
	for _, tt := range statusTests {
		if got := FormatStatus(tt.status); got != tt.expected {
			t.Errorf("FormatStatus(%s) = %s, want %s", tt.status, got, tt.expected)
		}
	}

	durationTests := []struct {
		minutes  int
		expected string
	}{
		{0, "just now"},
		{1, "1 minute"},
		{30, "30 minutes"},
		{60, "1 hour"},
		{180, "3 hours"},
	}
	for _, tt := range durationTests {
		if got := FormatDuration(tt.minutes); got != tt.expected {
			t.Errorf("FormatDuration(%d) = %s, want %s", tt.minutes, got, tt.expected)
		}
	}
}

func TestSparkline(t *testing.T) {
	var values []float64
	for i := 0; i < 24; i++ {
		values = append(values, 7+3*math.Sin(float64(i)*2*math.Pi/24))
	}

	chart := Sparkline(values, 8)
	lines := strings.Split(chart, "\n")
	// max label + rows + min label
	if len(lines) != 10 {
		t.Fatalf("got %d lines, want 10:\n%s", len(lines), chart)
	}
	for i, line := range lines[1:9] {
		if n := len([]rune(line)); n != len(values) {
			t.Errorf("row %d has %d columns, want %d", i, n, len(values))
		}
	}
	if !strings.HasPrefix(lines[0], "Max: ") || !strings.HasPrefix(lines[9], "Min: ") {
		t.Errorf("missing labels:\n%s", chart)
	}
	t.Logf("Sparkline:\n%s", chart)
}

func TestSparkline_TooShort(t *testing.T) {
	if got := Sparkline([]float64{5}, 8); got != "" {
		t.Errorf("Sparkline() = %q, want empty", got)
	}
	if got := Sparkline(nil, 8); got != "" {
		t.Errorf("Sparkline(nil) = %q, want empty", got)
	}
}
