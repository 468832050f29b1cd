// Package engine runs the sensor loop.
//
// One goroutine owns every piece of mutable flow state: pour sessions, the
// active-tap arbitration, the calibration session and the cached keg
// records. External callers reach that state only through commands queued
// onto the loop, so nothing but the edge counter is shared with the edge
// callback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/keglevelmonitor/development-sub000/internal/calibration"
	"github.com/keglevelmonitor/development-sub000/internal/gpio"
	"github.com/keglevelmonitor/development-sub000/internal/inventory"
	"github.com/keglevelmonitor/development-sub000/internal/logging"
	"github.com/keglevelmonitor/development-sub000/internal/meter"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
	"github.com/keglevelmonitor/development-sub000/internal/sim"
	"github.com/keglevelmonitor/development-sub000/internal/status"
)

// Default thresholds, tuned for the stock hall-effect sensor.
const (
	DefaultActivityThreshold = 10
	DefaultStopThreshold     = 3
	DefaultMinPourLiters     = 0.06
)

var (
	// ErrInvalidTap is returned for a tap index outside the configured taps.
	ErrInvalidTap = errors.New("invalid tap index")

	// ErrInvalidReferenceVolume is returned when a calibration reference
	// volume is not positive.
	ErrInvalidReferenceVolume = calibration.ErrInvalidReferenceVolume

	// ErrZeroKFactor is returned when a k-factor is not positive.
	ErrZeroKFactor = errors.New("calibration factor must be positive")

	// ErrNotCalibrating is returned when stopping a calibration on a tap
	// that has none.
	ErrNotCalibrating = errors.New("tap is not calibrating")

	// ErrAlreadyCalibrating is returned when a calibration is already open.
	ErrAlreadyCalibrating = errors.New("a calibration is already running")

	// ErrTapBusy is returned when the requested tap, or another one, holds
	// the active-tap slot.
	ErrTapBusy = errors.New("another tap is active")

	// ErrNotRunning is returned by commands issued outside Run.
	ErrNotRunning = errors.New("sensor loop is not running")

	// ErrNoKeg is returned when a tap has no usable keg.
	ErrNoKeg = errors.New("no keg assigned to tap")
)

// Inventory is the persisted keg store. *inventory.Store implements it.
type Inventory interface {
	inventory.Saver
	Load() (inventory.LoadReport, error)
	Get(id string) (inventory.Keg, bool)
	Assignments() []string
	Assign(tap int, kegID string) error
	KFactors() []float64
	WriteKFactors(k []float64) error
}

// PourSink receives every completed pour.
// Sinks run on the sensor loop and must return quickly.
type PourSink interface {
	RecordPour(ctx context.Context, p pour.Completed) error
}

// CalibrationSink receives every finished calibration.
type CalibrationSink interface {
	RecordCalibration(ctx context.Context, r calibration.Result) error
}

// LowVolumeChecker is the notification threshold check. *alert.LowVolume
// implements it.
type LowVolumeChecker interface {
	CheckLowVolume(tap int, remainingLiters float64)
	Alerted(tap int) bool
	Reset(tap int)
}

// Metrics receives loop observations. *metrics.Collector implements it.
type Metrics interface {
	ObservePulses(tap int, n uint64)
	ObserveDispensed(tap int, liters float64)
	SetTap(tap int, remainingLiters, flowLPM float64)
	PourFinished(tap int, completed bool)
	PersistFailed(err error)
	ObserveTick(d time.Duration)
}

// Options configures an Engine. Zero thresholds take the defaults.
type Options struct {
	ActivityThreshold uint64
	StopThreshold     uint64
	MinPourLiters     float64

	TapNames     []string
	Pours        []PourSink
	Calibrations []CalibrationSink
	LowVolume    LowVolumeChecker
	Metrics      Metrics
	Status       *status.Tracker

	// LastPours seeds the last pour shown per tap, e.g. from history.
	LastPours map[int]pour.Completed

	// Now defaults to time.Now. Tick times come from the tick channel.
	Now    func() time.Time
	Logger *slog.Logger
}

// Engine is the sensor loop scheduler.
type Engine struct {
	counter *meter.Counter
	source  gpio.EdgeSource
	store   Inventory
	writer  *inventory.Writer
	driver  *sim.Driver
	opts    Options
	logger  *slog.Logger

	cmds    chan func()
	stopped chan struct{}
	started atomic.Bool

	// Owned by the loop goroutine.
	sinkCtx    context.Context
	runCtx     context.Context
	taps       []*pour.Tap
	assign     []string
	kFactors   []float64
	kegs       map[string]inventory.Keg
	counts     []uint64
	lastCounts []uint64
	deltas     []uint64
	lastTick   time.Time
	active     int
	cal        *calibration.Session
	running    bool
}

// New creates an engine over counter's channels. The store must already be
// loaded and configured for the same number of taps.
func New(counter *meter.Counter, source gpio.EdgeSource, store Inventory, opts Options) (*Engine, error) {
	n := counter.Channels()
	if got := len(store.KFactors()); got != n {
		return nil, fmt.Errorf("inventory has %d taps, counter has %d channels", got, n)
	}
	if opts.ActivityThreshold == 0 {
		opts.ActivityThreshold = DefaultActivityThreshold
	}
	if opts.StopThreshold == 0 {
		opts.StopThreshold = DefaultStopThreshold
	}
	if opts.StopThreshold > opts.ActivityThreshold {
		return nil, fmt.Errorf("stop threshold %d exceeds activity threshold %d", opts.StopThreshold, opts.ActivityThreshold)
	}
	if opts.MinPourLiters <= 0 {
		opts.MinPourLiters = DefaultMinPourLiters
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	logger := logging.Default(opts.Logger).With("component", "engine")

	e := &Engine{
		counter:    counter,
		source:     source,
		store:      store,
		opts:       opts,
		logger:     logger,
		cmds:       make(chan func()),
		stopped:    make(chan struct{}),
		sinkCtx:    context.Background(),
		runCtx:     context.Background(),
		taps:       make([]*pour.Tap, n),
		kegs:       make(map[string]inventory.Keg),
		counts:     make([]uint64, n),
		lastCounts: make([]uint64, n),
		deltas:     make([]uint64, n),
		active:     -1,
	}
	for i := range e.taps {
		e.taps[i] = pour.NewTap(i)
		if c, ok := opts.LastPours[i]; ok {
			e.taps[i].RestoreLastPour(c)
		}
	}
	e.writer = inventory.NewWriter(store, opts.Logger)
	e.writer.OnError = opts.Metrics.PersistFailed
	e.driver = sim.NewDriver(counter.OnEdge, opts.Logger)
	e.reloadCache()
	return e, nil
}

// Run starts edge detection and runs the loop until ctx is cancelled.
// Each value received from tick is one evaluation at that time.
func (e *Engine) Run(ctx context.Context, tick <-chan time.Time) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	defer close(e.stopped)

	e.runCtx = ctx
	e.sinkCtx = context.WithoutCancel(ctx)
	e.lastTick = e.opts.Now()
	e.lastCounts = e.counter.Snapshot(e.lastCounts)

	if err := e.source.Start(e.counter.OnEdge); err != nil {
		e.writer.Close()
		return fmt.Errorf("start edge detection: %w", err)
	}
	e.running = true
	e.publish()
	e.logger.Info("sensor loop started", "taps", len(e.taps),
		"activity_threshold", e.opts.ActivityThreshold, "stop_threshold", e.opts.StopThreshold)

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case t := <-tick:
			e.tick(t)
		case cmd := <-e.cmds:
			cmd()
		}
	}
}

// shutdown drains pending writes, releases edge registrations and only then
// marks every tap idle.
func (e *Engine) shutdown() error {
	now := e.opts.Now()
	e.tick(now)

	var errs []error
	if err := e.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("drain inventory writes: %w", err))
	}
	if err := e.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release edge detection: %w", err))
	}
	for i, tap := range e.taps {
		if tap.State() == pour.StatePouring {
			e.finish(i, now)
		}
		tap.Reset()
	}
	if e.cal != nil {
		e.logger.Warn("calibration abandoned on shutdown", "tap", e.cal.Tap, "pulses", e.cal.Pulses())
		e.cal = nil
	}
	e.active = -1
	e.running = false
	e.publish()
	e.logger.Info("sensor loop stopped")
	return errors.Join(errs...)
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (e *Engine) checkTap(tap int) error {
	if tap < 0 || tap >= len(e.taps) {
		return fmt.Errorf("%w: %d", ErrInvalidTap, tap)
	}
	return nil
}

// reloadCache refreshes assignments, k-factors and keg records from the store.
func (e *Engine) reloadCache() {
	e.kegs = make(map[string]inventory.Keg)
	e.assign = nil
	e.refreshSettings()
}

// refreshSettings picks up assignment and k-factor changes held by the store.
func (e *Engine) refreshSettings() {
	assign := e.store.Assignments()
	for i, id := range assign {
		if e.assign != nil && e.assign[i] != id && e.opts.LowVolume != nil {
			e.opts.LowVolume.Reset(i)
		}
		if id == inventory.Unassigned {
			continue
		}
		if _, ok := e.kegs[id]; !ok {
			if k, ok := e.store.Get(id); ok {
				e.kegs[id] = k
			}
		}
	}
	e.assign = assign
	e.kFactors = e.store.KFactors()
}

// keg returns the usable keg on tap, if any. Corrupt placeholders never
// receive volume.
func (e *Engine) keg(tap int) (inventory.Keg, bool) {
	id := e.assign[tap]
	if id == inventory.Unassigned {
		return inventory.Keg{}, false
	}
	k, ok := e.kegs[id]
	if !ok || k.Corrupt {
		return inventory.Keg{}, false
	}
	return k, true
}

// flushAnd flushes pending keg writes before a direct store write, so the
// direct write never persists stale keg totals.
func (e *Engine) flushAnd(fn func() error) error {
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("flush inventory: %w", err)
	}
	return fn()
}

type nopMetrics struct{}

func (nopMetrics) ObservePulses(int, uint64)     {}
func (nopMetrics) ObserveDispensed(int, float64) {}
func (nopMetrics) SetTap(int, float64, float64)  {}
func (nopMetrics) PourFinished(int, bool)        {}
func (nopMetrics) PersistFailed(error)           {}
func (nopMetrics) ObserveTick(time.Duration)     {}
