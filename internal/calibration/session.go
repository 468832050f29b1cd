// Package calibration tracks live calibration sessions.
//
// A session counts pulses on one tap against a baseline, separately from keg
// inventory. Volumes shown while it runs use the k-factor in force when it
// started; the new factor is derived only from the pulse total and the
// volume the user measured independently.
package calibration

import (
	"errors"
	"time"

	"github.com/keglevelmonitor/development-sub000/internal/meter"
)

// ErrInvalidReferenceVolume is returned when the reference volume is not positive.
var ErrInvalidReferenceVolume = errors.New("reference volume must be positive")

// Session is one calibration in progress.
type Session struct {
	Tap             int
	ReferenceLiters float64
	Baseline        uint64
	Started         time.Time

	pulses uint64
	liters float64
}

// Result is returned when a session stops.
type Result struct {
	Tap             int
	TotalPulses     uint64
	MeasuredLiters  float64 // under the k-factor in force during the session
	ReferenceLiters float64
}

// Start opens a session for tap, with the counter currently at baseline.
func Start(tap int, referenceLiters float64, baseline uint64, now time.Time) (*Session, error) {
	if referenceLiters <= 0 {
		return nil, ErrInvalidReferenceVolume
	}
	return &Session{
		Tap:             tap,
		ReferenceLiters: referenceLiters,
		Baseline:        baseline,
		Started:         now,
	}, nil
}

// Tick adds one interval's pulses, converted with the current k-factor.
func (s *Session) Tick(deltaPulses uint64, kFactor float64) {
	s.pulses += deltaPulses
	s.liters += meter.Volume(deltaPulses, kFactor)
}

// Pulses returns pulses seen so far.
func (s *Session) Pulses() uint64 { return s.pulses }

// Liters returns the session volume under the current k-factor.
func (s *Session) Liters() float64 { return s.liters }

// Stop closes the session. count is the channel's counter now; the pulse
// total is taken against the baseline so pulses from the final partial
// interval are not lost.
func (s *Session) Stop(count uint64, kFactor float64) Result {
	total := s.pulses
	if count >= s.Baseline && count-s.Baseline > total {
		extra := count - s.Baseline - total
		s.Tick(extra, kFactor)
		total = s.pulses
	}
	return Result{
		Tap:             s.Tap,
		TotalPulses:     total,
		MeasuredLiters:  s.liters,
		ReferenceLiters: s.ReferenceLiters,
	}
}

// KFactor derives the new calibration from this result against the
// reference volume.
func (r Result) KFactor() (float64, bool) {
	return meter.NewKFactor(r.TotalPulses, r.ReferenceLiters)
}
