package alert

import (
	"errors"
	"testing"
)

type recordingNotifier struct {
	calls []float64
	err   error
}

func (r *recordingNotifier) NotifyLowVolume(tap int, remaining, threshold float64) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, remaining)
	return nil
}

func TestLowVolumeFiresOnce(t *testing.T) {
	n := &recordingNotifier{}
	l := NewLowVolume(2.0, n, nil)

	l.CheckLowVolume(0, 5.0)
	l.CheckLowVolume(0, 2.0)
	l.CheckLowVolume(0, 1.5)
	l.CheckLowVolume(0, 1.0)

	if len(n.calls) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(n.calls))
	}
	if n.calls[0] != 2.0 {
		t.Errorf("notified at %v, want 2.0", n.calls[0])
	}
	if !l.Alerted(0) {
		t.Error("expected tap 0 alerted")
	}
}

func TestLowVolumeRearmsAboveHysteresis(t *testing.T) {
	n := &recordingNotifier{}
	l := NewLowVolume(2.0, n, nil)

	l.CheckLowVolume(1, 1.0)
	// Recovering to exactly 1.25x does not re-arm.
	l.CheckLowVolume(1, 2.5)
	l.CheckLowVolume(1, 1.0)
	if len(n.calls) != 1 {
		t.Fatalf("expected 1 notification before re-arm, got %d", len(n.calls))
	}

	l.CheckLowVolume(1, 2.51)
	if l.Alerted(1) {
		t.Error("expected re-armed above 1.25x threshold")
	}
	l.CheckLowVolume(1, 1.9)
	if len(n.calls) != 2 {
		t.Errorf("expected 2 notifications after re-arm, got %d", len(n.calls))
	}
}

func TestLowVolumeTapsIndependent(t *testing.T) {
	n := &recordingNotifier{}
	l := NewLowVolume(2.0, n, nil)
	l.CheckLowVolume(0, 1)
	l.CheckLowVolume(1, 1)
	if len(n.calls) != 2 {
		t.Errorf("expected one notification per tap, got %d", len(n.calls))
	}
}

func TestLowVolumeRetriesAfterFailure(t *testing.T) {
	n := &recordingNotifier{err: errors.New("broker down")}
	l := NewLowVolume(2.0, n, nil)

	l.CheckLowVolume(0, 1)
	if l.Alerted(0) {
		t.Error("failed notification must not mark the tap alerted")
	}

	n.err = nil
	l.CheckLowVolume(0, 1)
	if len(n.calls) != 1 || !l.Alerted(0) {
		t.Errorf("expected retry to deliver, calls=%d alerted=%v", len(n.calls), l.Alerted(0))
	}
}

func TestLowVolumeDisabled(t *testing.T) {
	n := &recordingNotifier{}
	l := NewLowVolume(0, n, nil)
	l.CheckLowVolume(0, 0)
	if len(n.calls) != 0 {
		t.Error("zero threshold should disable alerts")
	}
}

func TestLowVolumeReset(t *testing.T) {
	n := &recordingNotifier{}
	l := NewLowVolume(2.0, n, nil)
	l.CheckLowVolume(0, 1)
	l.Reset(0)
	l.CheckLowVolume(0, 1)
	if len(n.calls) != 2 {
		t.Errorf("expected notification after reset, got %d", len(n.calls))
	}
}
