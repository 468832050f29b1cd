//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/keglevelmonitor/development-sub000/internal/logging"
)

// RealSource watches flow sensor pins through the GPIO character device.
type RealSource struct {
	chip     string
	pins     []int
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	lines  map[int]*gpiocdev.Line
	failed map[int]error
}

// NewRealSource creates a source for pins on chip. Nothing is requested
// until Start.
func NewRealSource(chip string, pins []int, debounce time.Duration, logger *slog.Logger) (*RealSource, error) {
	if len(pins) == 0 {
		return nil, errors.New("gpio: no pins")
	}
	logger = logging.Default(logger)
	return &RealSource{
		chip:     chip,
		pins:     append([]int(nil), pins...),
		debounce: debounce,
		logger:   logger.With("component", "gpio", "chip", chip),
		lines:    make(map[int]*gpiocdev.Line),
		failed:   make(map[int]error),
	}, nil
}

// Start requests each pin as a pulled-up input with falling-edge events.
// The sensors pull the line low once per pulse. A pin that cannot be
// requested is recorded as failed and reported by Check; Start only fails
// when no pin could be requested.
func (r *RealSource) Start(onEdge func(pin int)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handler := func(evt gpiocdev.LineEvent) {
		onEdge(evt.Offset)
	}

	for _, pin := range r.pins {
		line, err := gpiocdev.RequestLine(r.chip, pin,
			gpiocdev.AsInput,
			gpiocdev.WithPullUp,
			gpiocdev.WithFallingEdge,
			gpiocdev.WithDebounce(r.debounce),
			gpiocdev.WithEventHandler(handler),
		)
		if err != nil {
			r.failed[pin] = fmt.Errorf("request pin %d: %w", pin, err)
			r.logger.Error("pin request failed", "pin", pin, "error", err)
			continue
		}
		r.lines[pin] = line
	}

	if len(r.lines) == 0 {
		return fmt.Errorf("gpio: no pins could be requested on %s", r.chip)
	}
	r.logger.Info("edge detection started", "pins", len(r.lines), "debounce", r.debounce)
	return nil
}

// Check reads the pin's current value to confirm it is still readable.
func (r *RealSource) Check(pin int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.failed[pin]; ok {
		return err
	}
	line, ok := r.lines[pin]
	if !ok {
		return fmt.Errorf("pin %d not requested", pin)
	}
	if _, err := line.Value(); err != nil {
		return fmt.Errorf("read pin %d: %w", pin, err)
	}
	return nil
}

// Close releases all lines. Pins are first reconfigured to input with
// pull-down, matching Raspberry Pi boot defaults, so attached hardware does
// not hold them in an unexpected state across a reboot.
func (r *RealSource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for pin, line := range r.lines {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
		delete(r.lines, pin)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}
