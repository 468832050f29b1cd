package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keglevelmonitor/development-sub000/internal/inventory"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
	"github.com/keglevelmonitor/development-sub000/internal/sim"
)

var (
	ErrCommitted         = errors.New("simulation was committed")
	ErrSimulationRunning = errors.New("simulation still running")
	ErrAlreadyReverted   = errors.New("simulation already reverted")
)

// Simulation is a synthetic pour in flight or finished. A non-committing
// simulation remembers the keg totals from before it started so they can
// be restored with RevertSimulation.
type Simulation struct {
	Tap     int
	Liters  float64
	FlowLPM float64
	Commit  bool
	Plan    sim.Plan

	kegID     string
	preLiters float64
	prePulses uint64
	reverted  bool

	done chan struct{}
	err  error
}

// Done is closed when every edge has been injected.
func (s *Simulation) Done() <-chan struct{} { return s.done }

// Wait blocks until the edges are injected and returns the driver result.
func (s *Simulation) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimulatePour injects a pour of liters at flowLPM on tap through the edge
// counter, exactly like sensor edges. The pour is detected, accumulated and
// finalized by the normal loop.
func (e *Engine) SimulatePour(ctx context.Context, tap int, liters, flowLPM float64, commit bool) (*Simulation, error) {
	var s *Simulation
	var err error
	if derr := e.do(ctx, func() { s, err = e.simulatePour(tap, liters, flowLPM, commit) }); derr != nil {
		return nil, derr
	}
	return s, err
}

func (e *Engine) simulatePour(tap int, liters, flowLPM float64, commit bool) (*Simulation, error) {
	if err := e.checkTap(tap); err != nil {
		return nil, err
	}
	plan, err := sim.PlanPour(tap, e.counter.Pin(tap), liters, flowLPM, e.kFactors[tap])
	if err != nil {
		return nil, err
	}
	s := &Simulation{
		Tap:     tap,
		Liters:  liters,
		FlowLPM: flowLPM,
		Commit:  commit,
		Plan:    plan,
		kegID:   e.assign[tap],
		done:    make(chan struct{}),
	}
	if keg, ok := e.keg(tap); ok {
		s.preLiters = keg.DispensedLiters
		s.prePulses = keg.DispensedPulses
	}
	result, err := e.driver.Start(e.runCtx, plan)
	if err != nil {
		return nil, err
	}
	go func() {
		s.err = <-result
		close(s.done)
	}()
	e.logger.Info("simulated pour requested", "tap", tap, "liters", liters, "flow_lpm", flowLPM, "commit", commit)
	return s, nil
}

// RevertSimulation restores the keg on the simulated tap to its totals from
// before the simulation. It fails until the edges are all injected and the
// loop has finalized the pour.
func (e *Engine) RevertSimulation(ctx context.Context, s *Simulation) error {
	var err error
	if derr := e.do(ctx, func() { err = e.revertSimulation(s) }); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) revertSimulation(s *Simulation) error {
	switch {
	case s.Commit:
		return ErrCommitted
	case s.reverted:
		return ErrAlreadyReverted
	}
	select {
	case <-s.done:
	default:
		return fmt.Errorf("%w on tap %d", ErrSimulationRunning, s.Tap)
	}
	if e.taps[s.Tap].State() == pour.StatePouring || e.counter.Count(s.Tap) != e.lastCounts[s.Tap] {
		return fmt.Errorf("%w: pour on tap %d not finalized", ErrTapBusy, s.Tap)
	}
	s.reverted = true
	if s.kegID == inventory.Unassigned {
		return nil
	}
	keg, ok := e.kegs[s.kegID]
	if !ok {
		return nil
	}
	keg.DispensedLiters = s.preLiters
	keg.DispensedPulses = s.prePulses
	e.kegs[keg.ID] = keg
	e.writer.Submit(keg)
	e.publish()
	e.logger.Info("simulated pour reverted", "tap", s.Tap, "keg", keg.ID, "dispensed_l", keg.DispensedLiters)
	return nil
}

// RevertWhenIdle waits for s to finish and its pour to be finalized, then
// reverts it. poll is how often a still-pouring tap is re-checked.
func (e *Engine) RevertWhenIdle(ctx context.Context, s *Simulation, poll time.Duration) error {
	if err := s.Wait(ctx); err != nil {
		return err
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		err := e.RevertSimulation(ctx, s)
		if !errors.Is(err, ErrTapBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
