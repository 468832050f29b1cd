package engine

import (
	"context"
	"fmt"

	"github.com/keglevelmonitor/development-sub000/internal/calibration"
	"github.com/keglevelmonitor/development-sub000/internal/inventory"
	"github.com/keglevelmonitor/development-sub000/internal/meter"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
	"github.com/keglevelmonitor/development-sub000/internal/status"
)

// Display is what a tap screen shows.
type Display struct {
	FlowLPM         float64
	RemainingLiters float64
	State           pour.State
	LastPourLiters  float64
	HasLastPour     bool
}

// DisplayData returns the display values of tap.
func (e *Engine) DisplayData(ctx context.Context, tap int) (Display, error) {
	var d Display
	var err error
	if derr := e.do(ctx, func() {
		if err = e.checkTap(tap); err != nil {
			return
		}
		v := e.view(tap)
		d = Display{FlowLPM: v.FlowLPM, RemainingLiters: v.RemainingLiters, State: v.State}
		if v.LastPour != nil {
			d.LastPourLiters = v.LastPour.Liters
			d.HasLastPour = true
		}
	}); derr != nil {
		return Display{}, derr
	}
	return d, err
}

// Taps returns the display state of every tap.
func (e *Engine) Taps(ctx context.Context) ([]status.Tap, error) {
	var out []status.Tap
	err := e.do(ctx, func() {
		out = make([]status.Tap, len(e.taps))
		for i := range e.taps {
			out[i] = e.view(i)
		}
	})
	return out, err
}

// Flush waits until every keg update counted so far is on disk.
func (e *Engine) Flush(ctx context.Context) error {
	var err error
	if derr := e.do(ctx, func() { err = e.writer.Flush() }); derr != nil {
		return derr
	}
	return err
}

// StartCalibration opens a calibration session on tap against a reference
// volume the user will measure. The tap becomes the active tap; a pour in
// progress on it is finished first.
func (e *Engine) StartCalibration(ctx context.Context, tap int, referenceLiters float64) error {
	var err error
	if derr := e.do(ctx, func() { err = e.startCalibration(tap, referenceLiters) }); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) startCalibration(tap int, referenceLiters float64) error {
	if err := e.checkTap(tap); err != nil {
		return err
	}
	if e.cal != nil {
		return fmt.Errorf("%w on tap %d", ErrAlreadyCalibrating, e.cal.Tap)
	}
	if e.active >= 0 && e.active != tap {
		return fmt.Errorf("%w: tap %d is pouring", ErrTapBusy, e.active)
	}
	if e.kFactors[tap] <= 0 {
		return ErrZeroKFactor
	}
	now := e.opts.Now()
	baseline := e.counter.Count(tap)
	s, err := calibration.Start(tap, referenceLiters, baseline, now)
	if err != nil {
		return err
	}
	if e.taps[tap].State() == pour.StatePouring {
		e.finish(tap, now)
	}
	e.lastCounts[tap] = baseline
	e.cal = s
	e.active = tap
	e.publish()
	e.logger.Info("calibration started", "tap", tap, "reference_l", referenceLiters, "k_factor", e.kFactors[tap])
	return nil
}

// StopOptions control the side effects of StopCalibration.
type StopOptions struct {
	// Deduct subtracts the ground truth volume from the assigned keg.
	Deduct bool
	// GroundTruthLiters is the measured volume; zero means the reference volume.
	GroundTruthLiters float64
	// Apply writes the derived k-factor for the tap.
	Apply bool
}

// CalibrationResult is the outcome of StopCalibration.
type CalibrationResult struct {
	calibration.Result
	NewKFactor     float64
	Valid          bool
	Applied        bool
	DeductedLiters float64
}

// StopCalibration closes the session on tap and releases the arbitration.
func (e *Engine) StopCalibration(ctx context.Context, tap int, opts StopOptions) (CalibrationResult, error) {
	var res CalibrationResult
	var err error
	if derr := e.do(ctx, func() { res, err = e.stopCalibration(tap, opts) }); derr != nil {
		return CalibrationResult{}, derr
	}
	return res, err
}

func (e *Engine) stopCalibration(tap int, opts StopOptions) (CalibrationResult, error) {
	if err := e.checkTap(tap); err != nil {
		return CalibrationResult{}, err
	}
	if e.cal == nil || e.cal.Tap != tap {
		return CalibrationResult{}, fmt.Errorf("%w: %d", ErrNotCalibrating, tap)
	}
	count := e.counter.Count(tap)
	r := e.cal.Stop(count, e.kFactors[tap])
	e.lastCounts[tap] = count
	e.cal = nil
	e.active = -1

	res := CalibrationResult{Result: r}
	res.NewKFactor, res.Valid = r.KFactor()
	e.logger.Info("calibration stopped", "tap", tap, "pulses", r.TotalPulses,
		"measured_l", r.MeasuredLiters, "reference_l", r.ReferenceLiters, "new_k_factor", res.NewKFactor)

	if opts.Deduct {
		ground := opts.GroundTruthLiters
		if ground <= 0 {
			ground = r.ReferenceLiters
		}
		if keg, ok := e.keg(tap); ok {
			keg.DispensedLiters += ground
			keg.DispensedPulses += r.TotalPulses
			e.kegs[keg.ID] = keg
			e.writer.Submit(keg)
			res.DeductedLiters = ground
		}
	}
	if opts.Apply && res.Valid {
		// The session is already closed; a failed write leaves Applied unset.
		if err := e.setKFactor(tap, res.NewKFactor); err != nil {
			e.logger.Error("calibration result not applied", "tap", tap, "error", err)
		} else {
			res.Applied = true
		}
	}
	for _, s := range e.opts.Calibrations {
		if err := s.RecordCalibration(e.sinkCtx, r); err != nil {
			e.logger.Warn("calibration sink failed", "tap", tap, "error", err)
		}
	}
	e.publish()
	return res, nil
}

// SetManualKFactor overrides the calibration of tap.
func (e *Engine) SetManualKFactor(ctx context.Context, tap int, k float64) error {
	var err error
	if derr := e.do(ctx, func() {
		if err = e.checkTap(tap); err != nil {
			return
		}
		if err = e.setKFactor(tap, k); err == nil {
			e.publish()
		}
	}); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) setKFactor(tap int, k float64) error {
	if k <= 0 {
		return fmt.Errorf("%w: %v", ErrZeroKFactor, k)
	}
	ks := append([]float64(nil), e.kFactors...)
	ks[tap] = k
	if err := e.flushAnd(func() error { return e.store.WriteKFactors(ks) }); err != nil {
		return fmt.Errorf("write k-factors: %w", err)
	}
	e.kFactors = ks
	e.logger.Info("k-factor set", "tap", tap, "k_factor", k)
	return nil
}

// ForceRecalculation reloads kegs, assignments and k-factors from disk.
// Pending writes are flushed first so nothing the loop has counted is lost.
func (e *Engine) ForceRecalculation(ctx context.Context) (inventory.LoadReport, error) {
	var report inventory.LoadReport
	var err error
	if derr := e.do(ctx, func() { report, err = e.forceRecalculation() }); derr != nil {
		return report, derr
	}
	return report, err
}

func (e *Engine) forceRecalculation() (inventory.LoadReport, error) {
	if err := e.writer.Flush(); err != nil {
		return inventory.LoadReport{}, fmt.Errorf("flush before reload: %w", err)
	}
	report, err := e.store.Load()
	if err != nil {
		return report, fmt.Errorf("reload inventory: %w", err)
	}
	prev := e.assign
	e.reloadCache()
	if e.opts.LowVolume != nil {
		for i, id := range e.assign {
			if i < len(prev) && prev[i] != id {
				e.opts.LowVolume.Reset(i)
			}
		}
	}
	e.publish()
	e.logger.Info("inventory reloaded", "kegs", report.Kegs, "corrupt", len(report.Corrupt))
	return report, nil
}

// KickResult is the outcome of KickKeg.
type KickResult struct {
	KegID        string
	NewKFactor   float64
	Recalibrated bool
}

// KickKeg marks the keg on tap empty and takes the tap offline. With
// recalibrate, the tap's k-factor is derived from the keg's pulse total and
// its starting volume.
func (e *Engine) KickKeg(ctx context.Context, tap int, recalibrate bool) (KickResult, error) {
	var res KickResult
	var err error
	if derr := e.do(ctx, func() { res, err = e.kickKeg(tap, recalibrate) }); derr != nil {
		return KickResult{}, derr
	}
	return res, err
}

func (e *Engine) kickKeg(tap int, recalibrate bool) (KickResult, error) {
	if err := e.checkTap(tap); err != nil {
		return KickResult{}, err
	}
	if e.active == tap {
		return KickResult{}, fmt.Errorf("%w: tap %d is active", ErrTapBusy, tap)
	}
	keg, ok := e.keg(tap)
	if !ok {
		return KickResult{}, fmt.Errorf("%w: %d", ErrNoKeg, tap)
	}
	res := KickResult{KegID: keg.ID}
	if recalibrate {
		if k, ok := meter.NewKFactor(keg.DispensedPulses, keg.StartingLiters); ok {
			if err := e.setKFactor(tap, k); err != nil {
				return res, err
			}
			res.NewKFactor = k
			res.Recalibrated = true
		} else {
			e.logger.Warn("keg has no pulse history, k-factor unchanged", "tap", tap, "keg", keg.ID)
		}
	}

	keg.DispensedLiters = keg.StartingLiters
	e.kegs[keg.ID] = keg
	err := e.flushAnd(func() error {
		if err := e.store.Save(keg); err != nil {
			return err
		}
		return e.store.Assign(tap, inventory.Unassigned)
	})
	if err != nil {
		return res, fmt.Errorf("kick keg %s: %w", keg.ID, err)
	}
	e.assign[tap] = inventory.Unassigned
	if e.opts.LowVolume != nil {
		e.opts.LowVolume.Reset(tap)
	}
	e.publish()
	e.logger.Info("keg kicked", "tap", tap, "keg", keg.ID, "recalibrated", res.Recalibrated, "k_factor", e.kFactors[tap])
	return res, nil
}
