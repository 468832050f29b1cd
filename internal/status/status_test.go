package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/keglevelmonitor/development-sub000/internal/pour"
)

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{PollMs: 500, DebounceMs: 5, Broker: "tcp://localhost:1883"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", snap.StartTime, start)
	}
	if snap.Config.PollMs != 500 {
		t.Errorf("PollMs = %d, want 500", snap.Config.PollMs)
	}
	if len(snap.Taps) != 0 {
		t.Errorf("Taps = %d, want 0", len(snap.Taps))
	}
	if snap.Running {
		t.Error("Running should be false before the first update")
	}
}

func TestUpdateCopiesTaps(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	taps := []Tap{{Index: 0, Name: "Left", State: pour.StateIdle}, {Index: 1, Name: "Right"}}
	tr.Update(taps, true)
	taps[0].Name = "mutated"

	snap := tr.Snapshot()
	if !snap.Running {
		t.Error("Running should be true")
	}
	if snap.Taps[0].Name != "Left" {
		t.Errorf("Name = %q, want Left", snap.Taps[0].Name)
	}

	snap.Taps[1].Name = "mutated"
	if tr.Snapshot().Taps[1].Name != "Right" {
		t.Error("snapshot shares storage with tracker")
	}
}

func TestSnapshotTap(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.Update([]Tap{{Index: 0, Name: "Left"}}, true)
	snap := tr.Snapshot()
	if _, ok := snap.Tap(0); !ok {
		t.Error("tap 0 should exist")
	}
	if _, ok := snap.Tap(1); ok {
		t.Error("tap 1 should not exist")
	}
	if _, ok := snap.Tap(-1); ok {
		t.Error("tap -1 should not exist")
	}
}

func TestSetMQTTConnectedAndNetwork(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.SetMQTTConnected(true)
	tr.SetNetwork(&NetworkInfo{Type: "wifi", IP: "10.0.0.2"})
	snap := tr.Snapshot()
	if !snap.MQTTConnected {
		t.Error("MQTTConnected should be true")
	}
	if snap.Network == nil || snap.Network.IP != "10.0.0.2" {
		t.Errorf("Network = %+v", snap.Network)
	}
}

func TestUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{StartTime: start, Now: start.Add(90 * time.Second)}
	if got := snap.Uptime(); got != 90*time.Second {
		t.Errorf("Uptime = %v, want 90s", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tr.Update([]Tap{{Index: 0, FlowLPM: float64(i)}}, true)
			tr.SetMQTTConnected(i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			_ = tr.Snapshot()
		}()
	}
	wg.Wait()
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	finished := start.Add(time.Minute)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(2 * time.Minute),
		Running:   true,
		Config:    Config{PollMs: 500, Broker: "tcp://broker:1883"},
		Taps: []Tap{{
			Index:           0,
			Name:            "Left",
			Pin:             17,
			State:           pour.StateIdle,
			KFactor:         5100,
			KegID:           "keg-1",
			RemainingLiters: 18.5,
			LastPour: &pour.Completed{
				Tap: 0, KegID: "keg-1", Started: start, Finished: finished,
				Liters: 0.5, Pulses: 2550, Duration: time.Minute, AvgFlowLPM: 0.5,
			},
			Counts: pour.Counts{Pours: 3, Discarded: 1},
		}},
	}

	var out StatusJSON
	if err := json.Unmarshal(FormatJSON(snap), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	s := out.Status
	if s.Event != "" || s.Reason != "" {
		t.Errorf("web JSON should carry no event, got %q/%q", s.Event, s.Reason)
	}
	if s.UptimeSeconds != 120 {
		t.Errorf("UptimeSeconds = %d, want 120", s.UptimeSeconds)
	}
	if s.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("Broker = %q", s.MQTT.Broker)
	}
	if len(s.Taps) != 1 {
		t.Fatalf("Taps = %d, want 1", len(s.Taps))
	}
	tap := s.Taps[0]
	if tap.State != "IDLE" || tap.Pours != 3 || tap.Discarded != 1 {
		t.Errorf("tap = %+v", tap)
	}
	if tap.LastPour == nil || tap.LastPour.DurationSeconds != 60 {
		t.Errorf("LastPour = %+v", tap.LastPour)
	}
	if tap.LastPour.Finished != "2026-01-01T12:01:00Z" {
		t.Errorf("Finished = %q", tap.LastPour.Finished)
	}
	if s.Network != nil {
		t.Error("Network should be omitted when unknown")
	}
}

func TestFormatStatusEvent(t *testing.T) {
	snap := Snapshot{StartTime: time.Now(), Now: time.Now()}
	var out StatusJSON
	if err := json.Unmarshal(FormatStatusEvent(snap, "HEARTBEAT", ""), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status.Event != "HEARTBEAT" {
		t.Errorf("Event = %q", out.Status.Event)
	}
	if out.Status.Taps == nil {
		t.Error("Taps should be an empty array, not null")
	}
}

func TestBuildTapUnknownState(t *testing.T) {
	if got := BuildTap(Tap{}).State; got != "UNKNOWN" {
		t.Errorf("State = %q, want UNKNOWN", got)
	}
}
