package gpio

import (
	"errors"
	"sync"
)

// FakeSource is a test double that emits edges on demand.
type FakeSource struct {
	mu     sync.Mutex
	onEdge func(pin int)
	faults map[int]error

	// StartError, if set, is returned by Start.
	StartError error

	// Started and Closed track lifecycle calls.
	Started bool
	Closed  bool
}

// NewFakeSource creates an unstarted FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{faults: make(map[int]error)}
}

// Start stores onEdge for Pulse.
func (f *FakeSource) Start(onEdge func(pin int)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartError != nil {
		return f.StartError
	}
	f.onEdge = onEdge
	f.Started = true
	return nil
}

// Pulse emits n edges on pin. Returns an error if not started or closed.
func (f *FakeSource) Pulse(pin int, n int) error {
	f.mu.Lock()
	onEdge := f.onEdge
	closed := f.Closed
	f.mu.Unlock()

	if onEdge == nil || closed {
		return errors.New("fake source not running")
	}
	for i := 0; i < n; i++ {
		onEdge(pin)
	}
	return nil
}

// SetFault makes Check(pin) return err. A nil err clears the fault.
func (f *FakeSource) SetFault(pin int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, pin)
		return
	}
	f.faults[pin] = err
}

// Check returns the fault set for pin, if any.
func (f *FakeSource) Check(pin int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults[pin]
}

// Close marks the source closed.
func (f *FakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (f *FakeSource) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}
