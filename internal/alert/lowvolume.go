// Package alert decides when a keg is low enough to notify someone.
package alert

import (
	"log/slog"

	"github.com/keglevelmonitor/development-sub000/internal/logging"
)

// RearmFactor is how far above the threshold a keg must recover before the
// alert for its tap can fire again.
const RearmFactor = 1.25

// Notifier delivers a low-volume notification.
type Notifier interface {
	NotifyLowVolume(tap int, remainingLiters, thresholdLiters float64) error
}

// LowVolume fires one notification per tap each time remaining volume
// drops to or below the threshold. Not safe for concurrent use; the sensor
// loop is its only caller.
type LowVolume struct {
	threshold float64
	notifier  Notifier
	alerted   map[int]bool
	logger    *slog.Logger
}

// NewLowVolume creates a checker. A threshold <= 0 disables alerts.
func NewLowVolume(threshold float64, notifier Notifier, logger *slog.Logger) *LowVolume {
	logger = logging.Default(logger)
	return &LowVolume{
		threshold: threshold,
		notifier:  notifier,
		alerted:   make(map[int]bool),
		logger:    logger.With("component", "alert"),
	}
}

// CheckLowVolume is called at most once per tick per idle tap.
func (l *LowVolume) CheckLowVolume(tap int, remainingLiters float64) {
	if l.threshold <= 0 {
		return
	}
	if l.alerted[tap] {
		if remainingLiters > l.threshold*RearmFactor {
			l.alerted[tap] = false
			l.logger.Info("low volume alert re-armed", "tap", tap, "remaining_l", remainingLiters)
		}
		return
	}
	if remainingLiters > l.threshold {
		return
	}
	if l.notifier != nil {
		if err := l.notifier.NotifyLowVolume(tap, remainingLiters, l.threshold); err != nil {
			// Not marked alerted, so the next tick tries again.
			l.logger.Warn("low volume notification failed", "tap", tap, "error", err)
			return
		}
	}
	l.alerted[tap] = true
	l.logger.Info("low volume alert", "tap", tap, "remaining_l", remainingLiters, "threshold_l", l.threshold)
}

// Alerted reports whether tap's alert has fired and not yet re-armed.
func (l *LowVolume) Alerted(tap int) bool {
	return l.alerted[tap]
}

// Reset re-arms tap, e.g. after its keg was replaced.
func (l *LowVolume) Reset(tap int) {
	delete(l.alerted, tap)
}
