// Package status provides a thread-safe status tracker for the flowmeter daemon.
// The sensor loop writes it once per tick; HTTP handlers and MQTT heartbeats read it.
package status

import (
	"sync"
	"time"

	"github.com/keglevelmonitor/development-sub000/internal/pour"
)

// NetworkInfo contains network state as written by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs            int64
	DebounceMs        int64
	HeartbeatMs       int64
	ActivityThreshold uint64
	StopThreshold     uint64
	MinPourLiters     float64
	LowVolumeLiters   float64
	Broker            string
	HTTPAddr          string
	Simulate          bool
}

// Tap is the display view of one tap.
type Tap struct {
	Index       int
	Name        string
	Pin         int
	State       pour.State
	Active      bool
	Calibrating bool
	Fault       string

	FlowLPM       float64
	SessionLiters float64
	KFactor       float64
	Pulses        uint64

	KegID           string
	KegTitle        string
	StartingLiters  float64
	DispensedLiters float64
	RemainingLiters float64
	LowVolume       bool

	LastPour *pour.Completed
	Counts   pour.Counts
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type; Taps is copied and safe to use after the lock is released.
type Snapshot struct {
	Taps          []Tap
	Running       bool
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tap returns tap i, or false if out of range.
func (s Snapshot) Tap(i int) (Tap, bool) {
	if i < 0 || i >= len(s.Taps) {
		return Tap{}, false
	}
	return s.Taps[i], true
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update replaces the tap views. Called by the sensor loop after every tick.
func (t *Tracker) Update(taps []Tap, running bool) {
	cp := make([]Tap, len(taps))
	copy(cp, taps)
	t.mu.Lock()
	t.snap.Taps = cp
	t.snap.Running = running
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Taps = make([]Tap, len(t.snap.Taps))
	copy(s.Taps, t.snap.Taps)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
