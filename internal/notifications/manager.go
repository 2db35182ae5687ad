// Package notifications handles system notifications and alerts
package notifications

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/mrcode/loopsim/internal/models"
)

// Settings controls which alerts reach the desktop and how often they repeat
type Settings struct {
	Desktop            bool     `yaml:"desktop" toml:"desktop"`                           // send desktop notifications, otherwise log only
	RepeatAlertMinutes int      `yaml:"repeat_alert_minutes" toml:"repeat_alert_minutes"` // 0 alerts once until cleared
	Muted              []string `yaml:"muted" toml:"muted"`                               // alert types never shown
}

// DefaultSettings returns the default notification settings
func DefaultSettings() Settings {
	return Settings{
		Desktop:            true,
		RepeatAlertMinutes: 15,
	}
}

// Manager handles loop alerts and notifications
type Manager struct {
	settings      Settings
	lastAlertTime map[models.AlertType]time.Time
	mu            sync.Mutex

	send   func(title, message string) error
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a new notification manager
func NewManager(settings Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		settings:      settings,
		lastAlertTime: make(map[models.AlertType]time.Time),
		send:          sendNotification,
		now:           time.Now,
		logger:        logger.With("component", "notifications"),
	}
}

// UpdateSettings replaces the settings
func (m *Manager) UpdateSettings(settings Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
}

// Notify logs an alert and sends a notification unless it is muted or was
// shown within the repeat interval. Urgent alerts are never suppressed.
func (m *Manager) Notify(alert models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Warn("alert", "type", alert.Type, "glucose", alert.Glucose, "units", alert.Units, "cycle", alert.CycleID, "message", alert.Message)

	if !m.shouldAlert(alert) {
		return nil
	}

	title, message := formatNotification(alert)
	if m.settings.Desktop {
		if err := m.send(title, message); err != nil {
			return fmt.Errorf("sending %s notification: %w", alert.Type, err)
		}
	}

	m.lastAlertTime[alert.Type] = m.now()
	return nil
}

// shouldAlert applies muting and repeat suppression
func (m *Manager) shouldAlert(alert models.Alert) bool {
	if slices.Contains(m.settings.Muted, string(alert.Type)) {
		return false
	}
	if alert.IsUrgent() {
		return true
	}

	lastTime, ok := m.lastAlertTime[alert.Type]
	if !ok {
		return true
	}
	if m.settings.RepeatAlertMinutes <= 0 {
		// No repeat, only alert once until the state is cleared
		return false
	}
	repeat := time.Duration(m.settings.RepeatAlertMinutes) * time.Minute
	return m.now().Sub(lastTime) >= repeat
}

// formatNotification creates the notification title and message
func formatNotification(alert models.Alert) (string, string) {
	var title string
	switch alert.Type {
	case models.AlertCriticalLow:
		title = "⚠️ URGENT LOW GLUCOSE"
	case models.AlertLowGlucose:
		title = "⬇️ Low Glucose"
	case models.AlertCriticalHigh:
		title = "⚠️ URGENT HIGH GLUCOSE"
	case models.AlertHighGlucose:
		title = "⬆️ High Glucose"
	case models.AlertPredictedLowSuspend:
		title = "⛔ Basal Suspended"
	case models.AlertAutoCorrection, models.AlertCorrection:
		title = "💉 Correction Issued"
	case models.AlertCarbSuggestion:
		title = "🍞 Carbs Suggested"
	case models.AlertLowInsulin:
		title = "🔋 Low Insulin"
	default:
		title = string(alert.Type)
	}

	message := alert.Message
	if message == "" && alert.Glucose > 0 {
		message = fmt.Sprintf("Glucose: %.1f mmol/L", alert.Glucose)
	}
	return title, message
}

// sendNotification sends a system notification
func sendNotification(title, message string) error {
	// Use beeep for cross-platform notifications
	return beeep.Notify(title, message, "")
}

// ClearAlertState clears the alert state for a specific type or all types
func (m *Manager) ClearAlertState(alertType models.AlertType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alertType == "" {
		m.lastAlertTime = make(map[models.AlertType]time.Time)
	} else {
		delete(m.lastAlertTime, alertType)
	}
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return beeep.Notify("loopsim", "Test notification - alerts are working!", "")
}
