//go:build !linux

package gpio

import (
	"errors"
	"log/slog"
	"time"
)

// RealSource is not available on non-Linux platforms.
type RealSource struct{}

// NewRealSource returns an error on non-Linux platforms.
func NewRealSource(string, []int, time.Duration, *slog.Logger) (*RealSource, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Start is not implemented on non-Linux platforms.
func (r *RealSource) Start(func(int)) error {
	return errors.New("gpio: not supported")
}

// Check is not implemented on non-Linux platforms.
func (r *RealSource) Check(int) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealSource) Close() error {
	return nil
}
