// Package gpio binds flow-sensor pins to an edge callback.
// The real implementation uses the Linux GPIO character device with kernel
// debouncing. The fake implementation allows testing without hardware.
package gpio

// EdgeSource delivers debounced sensor edges.
type EdgeSource interface {
	// Start registers edge detection on every pin and calls onEdge with the
	// pin for each qualifying edge. onEdge may be called from any goroutine
	// and must not block.
	Start(onEdge func(pin int)) error

	// Check reports whether pin is still readable.
	Check(pin int) error

	// Close releases every edge registration.
	Close() error
}

// Default flow sensor pins (BCM numbering) for a two-tap build.
const (
	DefaultPinTap1 = 17
	DefaultPinTap2 = 27
)

// NoopSource produces no edges. Used in simulation mode, where all edges
// come from the simulation driver.
type NoopSource struct{}

// Start does nothing.
func (NoopSource) Start(func(int)) error { return nil }

// Check always succeeds.
func (NoopSource) Check(int) error { return nil }

// Close does nothing.
func (NoopSource) Close() error { return nil }
