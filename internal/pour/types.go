// Package pour contains the per-tap pour state machine.
// It has no I/O and never reads the clock; time is passed in.
package pour

import "time"

// State is the pour state of one tap.
type State string

const (
	StateIdle    State = "IDLE"
	StatePouring State = "POURING"
	StateFault   State = "FAULT"
)

// Session accumulates the pour in progress.
type Session struct {
	Started  time.Time
	Liters   float64
	Pulses   uint64
	Duration time.Duration
}

// Completed is a finished pour that passed the noise filter.
type Completed struct {
	Tap        int
	KegID      string
	Started    time.Time
	Finished   time.Time
	Liters     float64
	Pulses     uint64
	Duration   time.Duration
	AvgFlowLPM float64
}

// Counts tracks pours since startup.
type Counts struct {
	Pours     int
	Discarded int
}
