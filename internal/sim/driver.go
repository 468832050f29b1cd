// Package sim generates synthetic flow-sensor edges for testing without
// hardware. Edges go through the same callback the GPIO binding uses.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keglevelmonitor/development-sub000/internal/logging"
)

var (
	// ErrAlreadyRunning is returned when a tap already has a simulation in flight.
	ErrAlreadyRunning = errors.New("simulation already running on tap")
	// ErrInvalidPlan is returned for a non-positive volume, flow rate or k-factor.
	ErrInvalidPlan = errors.New("invalid simulated pour")
)

// Plan is a synthetic pour expressed as edges.
type Plan struct {
	Tap      int
	Pin      int
	Pulses   uint64
	Duration time.Duration
}

// PlanPour converts a pour of liters at flowLPM into pulses and a duration
// using the tap's k-factor.
func PlanPour(tap, pin int, liters, flowLPM, kFactor float64) (Plan, error) {
	if liters <= 0 {
		return Plan{}, fmt.Errorf("%w: volume must be positive, got %v", ErrInvalidPlan, liters)
	}
	if flowLPM <= 0 {
		return Plan{}, fmt.Errorf("%w: flow rate must be positive, got %v", ErrInvalidPlan, flowLPM)
	}
	if kFactor <= 0 {
		return Plan{}, fmt.Errorf("%w: k-factor must be positive, got %v", ErrInvalidPlan, kFactor)
	}
	minutes := liters / flowLPM
	return Plan{
		Tap:      tap,
		Pin:      pin,
		Pulses:   uint64(math.Round(liters * kFactor)),
		Duration: time.Duration(minutes * float64(time.Minute)),
	}, nil
}

// Rate returns the edge rate of the plan in edges per second.
func (p Plan) Rate() float64 {
	if p.Duration <= 0 {
		return math.Inf(1)
	}
	return float64(p.Pulses) / p.Duration.Seconds()
}

// Driver injects planned edges at their planned rate.
type Driver struct {
	onEdge func(pin int)
	logger *slog.Logger

	mu      sync.Mutex
	running map[int]bool
}

// NewDriver creates a driver feeding onEdge, normally meter.Counter.OnEdge.
func NewDriver(onEdge func(pin int), logger *slog.Logger) *Driver {
	logger = logging.Default(logger)
	return &Driver{
		onEdge:  onEdge,
		logger:  logger.With("component", "sim"),
		running: make(map[int]bool),
	}
}

// Running reports whether tap has a simulation in flight.
func (d *Driver) Running(tap int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[tap]
}

// Start runs plan in a new goroutine. The returned channel receives the
// result and is then closed.
func (d *Driver) Start(ctx context.Context, plan Plan) (<-chan error, error) {
	d.mu.Lock()
	if d.running[plan.Tap] {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrAlreadyRunning, plan.Tap)
	}
	d.running[plan.Tap] = true
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := d.Run(ctx, plan)
		d.mu.Lock()
		delete(d.running, plan.Tap)
		d.mu.Unlock()
		done <- err
	}()
	return done, nil
}

// Run injects every edge of plan, paced by a token bucket, and returns when
// done or when ctx is cancelled.
func (d *Driver) Run(ctx context.Context, plan Plan) error {
	d.logger.Info("simulated pour started", "tap", plan.Tap, "pulses", plan.Pulses, "duration", plan.Duration)

	limiter := rate.NewLimiter(rate.Inf, 1)
	burst := 1
	if r := plan.Rate(); !math.IsInf(r, 1) {
		// Release edges in bursts of about 10ms worth so high rates don't
		// need a timer per edge.
		burst = max(1, int(math.Ceil(r/100)))
		limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	// Start with an empty bucket so the pour spans its planned duration.
	limiter.AllowN(time.Now(), burst)

	var sent uint64
	for sent < plan.Pulses {
		n := burst
		if left := plan.Pulses - sent; left < uint64(n) {
			n = int(left)
		}
		if err := limiter.WaitN(ctx, n); err != nil {
			d.logger.Info("simulated pour cancelled", "tap", plan.Tap, "sent", sent)
			return fmt.Errorf("simulate tap %d: %w", plan.Tap, err)
		}
		for i := 0; i < n; i++ {
			d.onEdge(plan.Pin)
		}
		sent += uint64(n)
	}
	d.logger.Info("simulated pour finished", "tap", plan.Tap, "pulses", sent)
	return nil
}
