// Package mqtt publishes flow meter events to MQTT with abstraction for testing.
package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keglevelmonitor/development-sub000/internal/calibration"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
)

// Topics are the per-kind topics under one prefix.
type Topics struct {
	Pours       string
	Alerts      string
	Calibration string
	System      string
}

// TopicsFor returns the topics under prefix, e.g. "beverage/flowmeter/pours".
func TopicsFor(prefix string) Topics {
	return Topics{
		Pours:       prefix + "/pours",
		Alerts:      prefix + "/alerts",
		Calibration: prefix + "/calibration",
		System:      prefix + "/system",
	}
}

// Publisher publishes events to MQTT.
// Publish errors are returned but never fatal to the caller.
type Publisher interface {
	PublishPour(p pour.Completed) error
	PublishLowVolume(e LowVolumeEvent) error
	PublishCalibration(r calibration.Result) error
	PublishSystem(e SystemEvent) error
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; returned as-is by FormatSystemPayload
	Retained   bool
}

// LowVolumeEvent is a keg dropping to the alert threshold.
type LowVolumeEvent struct {
	Timestamp       time.Time
	Tap             int
	RemainingLiters float64
	ThresholdLiters float64
}

// PourPayload is the message published for a completed pour.
type PourPayload struct {
	Pour PourInner `json:"pour"`
}

// PourInner contains the pour details.
type PourInner struct {
	Timestamp       string  `json:"timestamp"`
	Started         string  `json:"started"`
	Tap             int     `json:"tap"`
	KegID           string  `json:"keg_id,omitempty"`
	Liters          float64 `json:"liters"`
	Pulses          uint64  `json:"pulses"`
	DurationSeconds float64 `json:"duration_seconds"`
	AvgFlowLPM      float64 `json:"avg_flow_lpm"`
}

// FormatPour creates the JSON payload for a completed pour.
func FormatPour(p pour.Completed) ([]byte, error) {
	return json.Marshal(PourPayload{Pour: PourInner{
		Timestamp:       p.Finished.UTC().Format(time.RFC3339),
		Started:         p.Started.UTC().Format(time.RFC3339),
		Tap:             p.Tap,
		KegID:           p.KegID,
		Liters:          p.Liters,
		Pulses:          p.Pulses,
		DurationSeconds: p.Duration.Seconds(),
		AvgFlowLPM:      p.AvgFlowLPM,
	}})
}

// AlertPayload is the message published for a low-volume alert.
type AlertPayload struct {
	Alert AlertInner `json:"alert"`
}

// AlertInner contains the alert details.
type AlertInner struct {
	Timestamp       string  `json:"timestamp"`
	Event           string  `json:"event"`
	Tap             int     `json:"tap"`
	RemainingLiters float64 `json:"remaining_liters"`
	ThresholdLiters float64 `json:"threshold_liters"`
}

// FormatLowVolume creates the JSON payload for a low-volume alert.
func FormatLowVolume(e LowVolumeEvent) ([]byte, error) {
	return json.Marshal(AlertPayload{Alert: AlertInner{
		Timestamp:       e.Timestamp.UTC().Format(time.RFC3339),
		Event:           "LOW_VOLUME",
		Tap:             e.Tap,
		RemainingLiters: e.RemainingLiters,
		ThresholdLiters: e.ThresholdLiters,
	}})
}

// CalibrationPayload is the message published when a calibration stops.
type CalibrationPayload struct {
	Calibration CalibrationInner `json:"calibration"`
}

// CalibrationInner contains the calibration details. NewKFactor is omitted
// when the session produced no usable factor.
type CalibrationInner struct {
	Timestamp       string   `json:"timestamp"`
	Tap             int      `json:"tap"`
	TotalPulses     uint64   `json:"total_pulses"`
	MeasuredLiters  float64  `json:"measured_liters"`
	ReferenceLiters float64  `json:"reference_liters"`
	NewKFactor      *float64 `json:"new_k_factor,omitempty"`
}

// FormatCalibration creates the JSON payload for a calibration result.
func FormatCalibration(r calibration.Result, now time.Time) ([]byte, error) {
	inner := CalibrationInner{
		Timestamp:       now.UTC().Format(time.RFC3339),
		Tap:             r.Tap,
		TotalPulses:     r.TotalPulses,
		MeasuredLiters:  r.MeasuredLiters,
		ReferenceLiters: r.ReferenceLiters,
	}
	if k, ok := r.KFactor(); ok {
		inner.NewKFactor = &k
	}
	return json.Marshal(CalibrationPayload{Calibration: inner})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{System: SystemPayloadInner{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Event:     event.Event,
		Reason:    event.Reason,
	}})
}

// Sink adapts a Publisher to the engine's pour and calibration sinks and to
// the low-volume notifier.
type Sink struct {
	Publisher Publisher
	Now       func() time.Time
}

func (s Sink) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RecordPour publishes p.
func (s Sink) RecordPour(_ context.Context, p pour.Completed) error {
	return s.Publisher.PublishPour(p)
}

// RecordCalibration publishes r.
func (s Sink) RecordCalibration(_ context.Context, r calibration.Result) error {
	return s.Publisher.PublishCalibration(r)
}

// NotifyLowVolume publishes a low-volume alert for tap.
func (s Sink) NotifyLowVolume(tap int, remainingLiters, thresholdLiters float64) error {
	return s.Publisher.PublishLowVolume(LowVolumeEvent{
		Timestamp:       s.now(),
		Tap:             tap,
		RemainingLiters: remainingLiters,
		ThresholdLiters: thresholdLiters,
	})
}
