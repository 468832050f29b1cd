// Package meter counts flow-sensor pulses and converts them to volumes.
//
// Counter is the only state shared between the edge callback and the sensor
// loop. Everything else in this package is pure arithmetic.
package meter

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/keglevelmonitor/development-sub000/internal/logging"
)

// Counter holds one monotonically increasing pulse count per channel.
// OnEdge is safe to call from any goroutine and never blocks.
type Counter struct {
	counts  []atomic.Uint64
	pins    []int
	index   map[int]int // pin -> channel, immutable after NewCounter
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewCounter creates a counter with one channel per pin. Channel i maps to pins[i].
func NewCounter(pins []int, logger *slog.Logger) (*Counter, error) {
	logger = logging.Default(logger)
	index := make(map[int]int, len(pins))
	for i, pin := range pins {
		if prev, ok := index[pin]; ok {
			return nil, fmt.Errorf("pin %d mapped to channels %d and %d", pin, prev, i)
		}
		index[pin] = i
	}
	return &Counter{
		counts: make([]atomic.Uint64, len(pins)),
		pins:   append([]int(nil), pins...),
		index:  index,
		logger: logger.With("component", "meter"),
	}, nil
}

// OnEdge records one qualifying edge on pin. Edges on unmapped pins are dropped.
// Debouncing happens before this call, at the hardware binding.
func (c *Counter) OnEdge(pin int) {
	i, ok := c.index[pin]
	if !ok {
		c.dropped.Add(1)
		c.logger.Debug("edge on unmapped pin dropped", "pin", pin)
		return
	}
	c.counts[i].Add(1)
}

// Channels returns the number of channels.
func (c *Counter) Channels() int {
	return len(c.counts)
}

// Pin returns the pin bound to channel i.
func (c *Counter) Pin(i int) int {
	return c.pins[i]
}

// Count returns the current count for channel i, or 0 if i is out of range.
func (c *Counter) Count(i int) uint64 {
	if i < 0 || i >= len(c.counts) {
		return 0
	}
	return c.counts[i].Load()
}

// Snapshot copies all counts into dst (grown if needed) and returns it.
func (c *Counter) Snapshot(dst []uint64) []uint64 {
	if cap(dst) < len(c.counts) {
		dst = make([]uint64, len(c.counts))
	}
	dst = dst[:len(c.counts)]
	for i := range c.counts {
		dst[i] = c.counts[i].Load()
	}
	return dst
}

// Dropped returns how many edges arrived on unmapped pins.
func (c *Counter) Dropped() uint64 {
	return c.dropped.Load()
}
