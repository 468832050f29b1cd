package mqtt

import (
	"sync"

	"github.com/keglevelmonitor/development-sub000/internal/calibration"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
)

// FakePublisher records published events for test assertions.
// Safe for concurrent use; read recorded events through the accessors.
type FakePublisher struct {
	mu           sync.Mutex
	pours        []pour.Completed
	alerts       []LowVolumeEvent
	calibrations []calibration.Result
	system       []SystemEvent
	payloads     [][]byte
	err          error
	closed       bool
	connected    bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// SetError makes every publish return err. A nil err clears it.
func (f *FakePublisher) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetConnected controls the return value of IsConnected.
func (f *FakePublisher) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *FakePublisher) record(payload []byte, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	fn()
	f.payloads = append(f.payloads, payload)
	return nil
}

// PublishPour records p.
func (f *FakePublisher) PublishPour(p pour.Completed) error {
	payload, err := FormatPour(p)
	if err != nil {
		return err
	}
	return f.record(payload, func() { f.pours = append(f.pours, p) })
}

// PublishLowVolume records e.
func (f *FakePublisher) PublishLowVolume(e LowVolumeEvent) error {
	payload, err := FormatLowVolume(e)
	if err != nil {
		return err
	}
	return f.record(payload, func() { f.alerts = append(f.alerts, e) })
}

// PublishCalibration records r.
func (f *FakePublisher) PublishCalibration(r calibration.Result) error {
	return f.record(nil, func() { f.calibrations = append(f.calibrations, r) })
}

// PublishSystem records e.
func (f *FakePublisher) PublishSystem(e SystemEvent) error {
	payload, err := FormatSystemPayload(e)
	if err != nil {
		return err
	}
	return f.record(payload, func() { f.system = append(f.system, e) })
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// IsClosed reports whether Close was called.
func (f *FakePublisher) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Pours returns the recorded pours.
func (f *FakePublisher) Pours() []pour.Completed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pour.Completed(nil), f.pours...)
}

// Alerts returns the recorded low-volume alerts.
func (f *FakePublisher) Alerts() []LowVolumeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LowVolumeEvent(nil), f.alerts...)
}

// Calibrations returns the recorded calibration results.
func (f *FakePublisher) Calibrations() []calibration.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calibration.Result(nil), f.calibrations...)
}

// SystemEvents returns the recorded system events.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.system...)
}

// Payloads returns every recorded JSON payload in publish order.
func (f *FakePublisher) Payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

// Reset clears recorded events and errors.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pours = nil
	f.alerts = nil
	f.calibrations = nil
	f.system = nil
	f.payloads = nil
	f.err = nil
	f.closed = false
	f.connected = false
}
