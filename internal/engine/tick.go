package engine

import (
	"time"

	"github.com/keglevelmonitor/development-sub000/internal/meter"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
	"github.com/keglevelmonitor/development-sub000/internal/status"
)

// tick is one evaluation of every tap at now.
func (e *Engine) tick(now time.Time) {
	start := time.Now()
	dt := now.Sub(e.lastTick)
	e.lastTick = now

	e.refreshSettings()
	e.counts = e.counter.Snapshot(e.counts)
	for i := range e.taps {
		if e.counts[i] >= e.lastCounts[i] {
			e.deltas[i] = e.counts[i] - e.lastCounts[i]
		} else {
			e.deltas[i] = 0
		}
	}

	e.checkFaults(now)

	if e.cal != nil {
		i := e.cal.Tap
		e.cal.Tick(e.deltas[i], e.kFactors[i])
		e.opts.Metrics.ObservePulses(i, e.deltas[i])
	}

	begun := false
	if e.active < 0 && dt > 0 {
		for i, tap := range e.taps {
			if tap.State() == pour.StateIdle && e.deltas[i] > e.opts.ActivityThreshold {
				tap.Begin(now.Add(-dt))
				e.active = i
				begun = true
				e.logger.Info("pour started", "tap", i, "pulses", e.deltas[i])
				break
			}
		}
	}

	if a := e.active; a >= 0 && (e.cal == nil || e.cal.Tap != a) {
		switch {
		case e.taps[a].State() != pour.StatePouring:
			e.active = -1
		case begun || e.deltas[a] > e.opts.StopThreshold:
			e.accumulate(a, e.deltas[a], dt)
		default:
			// The pulses of the closing interval are still real volume.
			if e.deltas[a] > 0 {
				e.accumulate(a, e.deltas[a], dt)
			}
			e.finish(a, now)
		}
	}

	if e.opts.LowVolume != nil {
		for i, tap := range e.taps {
			if i == e.active || tap.State() != pour.StateIdle {
				continue
			}
			if k, ok := e.keg(i); ok {
				e.opts.LowVolume.CheckLowVolume(i, k.Remaining())
			}
		}
	}

	// Failed writes stay pending in the writer until something wakes it.
	if e.writer.Pending() > 0 {
		e.writer.Retry()
	}

	copy(e.lastCounts, e.counts)
	e.publish()
	e.opts.Metrics.ObserveTick(time.Since(start))
}

// checkFaults moves unreadable taps to Fault and recovers readable ones.
// A faulted tap contributes no pulses this tick.
func (e *Engine) checkFaults(now time.Time) {
	for i, tap := range e.taps {
		err := e.source.Check(e.counter.Pin(i))
		if err == nil {
			if tap.State() == pour.StateFault {
				tap.ClearFault()
				e.logger.Info("tap recovered", "tap", i)
			}
			continue
		}
		e.deltas[i] = 0
		if tap.State() == pour.StateFault {
			continue
		}
		if tap.State() == pour.StatePouring {
			e.finish(i, now)
		}
		tap.SetFault(err)
		e.logger.Error("tap fault", "tap", i, "pin", e.counter.Pin(i), "error", err)
	}
}

// accumulate adds one interval's pulses to the pour on tap and its keg.
func (e *Engine) accumulate(tap int, pulses uint64, dt time.Duration) {
	k := e.kFactors[tap]
	liters := meter.Volume(pulses, k)
	flow := meter.FlowRate(pulses, dt.Seconds(), k)
	e.taps[tap].Accumulate(pulses, liters, dt, flow)
	e.opts.Metrics.ObservePulses(tap, pulses)

	if pulses == 0 {
		return
	}
	keg, ok := e.keg(tap)
	if !ok {
		return
	}
	keg.DispensedLiters += liters
	keg.DispensedPulses += pulses
	e.kegs[keg.ID] = keg
	e.writer.Submit(keg)
	e.opts.Metrics.ObserveDispensed(tap, liters)
}

// finish ends the pour on tap and releases the arbitration.
func (e *Engine) finish(tap int, now time.Time) {
	kegID := e.assign[tap]
	c, ok := e.taps[tap].Finish(now, kegID, e.opts.MinPourLiters)
	if e.active == tap {
		e.active = -1
	}
	e.opts.Metrics.PourFinished(tap, ok)
	if !ok {
		e.logger.Debug("pour discarded as noise", "tap", tap)
		return
	}
	e.logger.Info("pour finished", "tap", tap, "keg", kegID,
		"liters", c.Liters, "pulses", c.Pulses, "duration", c.Duration, "avg_flow_lpm", c.AvgFlowLPM)
	for _, s := range e.opts.Pours {
		if err := s.RecordPour(e.sinkCtx, c); err != nil {
			e.logger.Warn("pour sink failed", "tap", tap, "error", err)
		}
	}
}

// view builds the display state of tap.
func (e *Engine) view(i int) status.Tap {
	tap := e.taps[i]
	v := status.Tap{
		Index:   i,
		Pin:     e.counter.Pin(i),
		State:   tap.State(),
		Active:  e.active == i,
		FlowLPM: tap.FlowRate(),
		KFactor: e.kFactors[i],
		Counts:  tap.Counts(),
		Pulses:  tap.Session().Pulses,
	}
	v.SessionLiters = tap.Session().Liters
	if i < len(e.opts.TapNames) {
		v.Name = e.opts.TapNames[i]
	}
	if err := tap.Fault(); err != nil {
		v.Fault = err.Error()
	}
	if e.cal != nil && e.cal.Tap == i {
		v.Calibrating = true
		v.Pulses = e.cal.Pulses()
		v.SessionLiters = e.cal.Liters()
	}
	if k, ok := e.keg(i); ok {
		v.KegID = k.ID
		v.KegTitle = k.Title
		v.StartingLiters = k.StartingLiters
		v.DispensedLiters = k.DispensedLiters
		v.RemainingLiters = k.Remaining()
	}
	if e.opts.LowVolume != nil {
		v.LowVolume = e.opts.LowVolume.Alerted(i)
	}
	if c, ok := tap.LastPour(); ok {
		v.LastPour = &c
	}
	return v
}

// publish pushes the display state to the status tracker and gauges.
func (e *Engine) publish() {
	views := make([]status.Tap, len(e.taps))
	for i := range e.taps {
		views[i] = e.view(i)
		e.opts.Metrics.SetTap(i, views[i].RemainingLiters, views[i].FlowLPM)
	}
	if e.opts.Status != nil {
		e.opts.Status.Update(views, e.running)
	}
}
