// Package badge renders the loop status as a small PNG icon and a text
// sparkline for terminals
package badge

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"strings"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/loopsim/internal/models"
)

// Size is the edge length of the rendered badge in pixels
const Size = 64

// staleMinutes is the age after which the badge turns gray
const staleMinutes = 7

var (
	fontOnce sync.Once
	fontErr  error
	ttf      *truetype.Font
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		ttf, fontErr = truetype.Parse(goregular.TTF)
	})
	return ttf, fontErr
}

func fontFace(size float64) (font.Face, error) {
	f, err := loadFont()
	if err != nil {
		return nil, err
	}
	return truetype.NewFace(f, &truetype.Options{Size: size}), nil
}

// Render draws the current glucose, its status colour and the trend arrow
// and returns the PNG bytes. A nil status renders the placeholder badge.
func Render(status *models.GlucoseStatus) ([]byte, error) {
	const radius = 16

	dc := gg.NewContext(Size, Size)

	// Transparent background
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	r, g, b := parseHexColor(StatusColor(status))
	dc.SetRGB255(int(r), int(g), int(b))
	dc.DrawRoundedRectangle(0, 0, Size, Size, radius)
	dc.Fill()

	// Text color (black or white depending on brightness)
	brightness := (int(r)*299 + int(g)*587 + int(b)*114) / 1000
	if brightness > 128 {
		dc.SetColor(color.Black)
	} else {
		dc.SetColor(color.White)
	}

	text, direction := "---", ""
	if status != nil {
		text = fmt.Sprintf("%.1f", status.Value)
		direction = status.Direction
	}

	face, err := fontFace(fontSize(text))
	if err != nil {
		return nil, fmt.Errorf("loading font: %w", err)
	}
	dc.SetFontFace(face)
	dc.DrawStringAnchored(text, Size/2, Size/2-12, 0.5, 0.5)

	if direction != "" {
		drawArrow(dc, Size/2, Size-16, 24, direction)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil, fmt.Errorf("encoding badge: %w", err)
	}
	return buf.Bytes(), nil
}

// fontSize shrinks the font for values that would not fit, like "12.3"
func fontSize(text string) float64 {
	if len(text) > 3 {
		return 26
	}
	return 34
}

// drawArrow draws a vector arrow based on direction
func drawArrow(dc *gg.Context, x, y, size float64, direction string) {
	dc.Push()
	defer dc.Pop()

	dc.Translate(x, y)

	var angle float64
	switch direction {
	case "DoubleUp", "SingleUp":
		angle = 0
	case "FortyFiveUp":
		angle = 45
	case "Flat":
		angle = 90
	case "FortyFiveDown":
		angle = 135
	case "DoubleDown", "SingleDown":
		angle = 180
	default:
		return // No arrow
	}

	dc.Rotate(gg.Radians(angle))

	halfSize := size / 2
	if direction == "DoubleUp" || direction == "DoubleDown" {
		drawSingleArrow(dc, 0, -halfSize/2, size*0.8)
		drawSingleArrow(dc, 0, halfSize/2, size*0.8)
	} else {
		drawSingleArrow(dc, 0, 0, size)
	}
}

func drawSingleArrow(dc *gg.Context, ox, oy, s float64) {
	w := s * 0.5

	dc.NewSubPath()
	dc.MoveTo(ox, oy-s/2) // tip
	dc.LineTo(ox+w/2, oy)
	dc.LineTo(ox+w/6, oy)
	dc.LineTo(ox+w/6, oy+s/2)
	dc.LineTo(ox-w/6, oy+s/2)
	dc.LineTo(ox-w/6, oy)
	dc.LineTo(ox-w/2, oy)
	dc.ClosePath()
	dc.Fill()
}

// StatusColor returns the badge colour for a status
func StatusColor(status *models.GlucoseStatus) string {
	if status == nil {
		return "#808080" // Gray for unknown
	}
	if status.StaleMinutes > staleMinutes {
		return "#9ca3af"
	}

	switch status.Status {
	case models.StatusUrgentLow, models.StatusUrgentHigh:
		return "#ef4444" // Red
	case models.StatusLow:
		return "#f97316" // Orange
	case models.StatusHigh:
		return "#facc15" // Yellow
	default:
		return "#4ade80" // Green
	}
}

// parseHexColor parses a hex color string to RGB values
func parseHexColor(hex string) (r, g, b byte) {
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	}
	return
}

// FormatStatus returns a human-readable status string
func FormatStatus(status string) string {
	switch status {
	case models.StatusUrgentLow:
		return "Urgent Low"
	case models.StatusUrgentHigh:
		return "Urgent High"
	case models.StatusLow:
		return "Low"
	case models.StatusHigh:
		return "High"
	case models.StatusNormal:
		return "In Range"
	default:
		return status
	}
}

// FormatDuration formats minutes into a human-readable duration
func FormatDuration(minutes int) string {
	if minutes < 1 {
		return "just now"
	}
	if minutes == 1 {
		return "1 minute"
	}
	if minutes < 60 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	hours := minutes / 60
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}

// Sparkline renders values as a multi-line Braille chart with min/max
// labels. Fewer than two values give an empty string.
func Sparkline(values []float64, height int) string {
	if len(values) < 2 || height <= 0 {
		return ""
	}

	minVal, maxVal := values[0], values[0]
	for _, v := range values {
		minVal = min(minVal, v)
		maxVal = max(maxVal, v)
	}

	// 1 mmol/L of headroom on each side
	const buffer = 1.0
	minVal = math.Max(0, minVal-buffer)
	maxVal += buffer
	rangeVal := maxVal - minVal

	// Empty, 1/4, 1/2, 3/4, Full
	blocks := []rune{'⠀', '⣀', '⣤', '⣶', '⣿'}
	const subBlocksPerLine = 4.0

	rows := make([][]rune, height)
	for i := range rows {
		rows[i] = []rune(strings.Repeat("⠀", len(values)))
	}

	for x, val := range values {
		total := (val - minVal) / rangeVal * float64(height) * subBlocksPerLine

		// Fill lines from bottom up
		for y := 0; y < height; y++ {
			lineIdx := height - 1 - y
			lineStart := float64(y) * subBlocksPerLine
			lineEnd := float64(y+1) * subBlocksPerLine

			if total >= lineEnd {
				rows[lineIdx][x] = '⣿'
			} else if total > lineStart {
				remainder := int(math.Round(total - lineStart))
				remainder = min(max(remainder, 0), len(blocks)-1)
				rows[lineIdx][x] = blocks[remainder]
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Max: %.1f\n", maxVal)
	for _, row := range rows {
		sb.WriteString(string(row))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Min: %.1f", minVal)
	return sb.String()
}
