package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/keglevelmonitor/development-sub000/internal/calibration"
	"github.com/keglevelmonitor/development-sub000/internal/logging"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
)

func testPour() pour.Completed {
	start := time.Date(2026, 2, 2, 22, 17, 12, 0, time.FixedZone("CET", 3600))
	return pour.Completed{
		Tap:        1,
		KegID:      "keg-7",
		Started:    start,
		Finished:   start.Add(30 * time.Second),
		Liters:     0.5,
		Pulses:     2550,
		Duration:   30 * time.Second,
		AvgFlowLPM: 1,
	}
}

func TestTopicsFor(t *testing.T) {
	topics := TopicsFor("beverage/flowmeter")
	if topics.Pours != "beverage/flowmeter/pours" {
		t.Errorf("Pours = %q", topics.Pours)
	}
	if topics.Alerts != "beverage/flowmeter/alerts" {
		t.Errorf("Alerts = %q", topics.Alerts)
	}
	if topics.Calibration != "beverage/flowmeter/calibration" {
		t.Errorf("Calibration = %q", topics.Calibration)
	}
	if topics.System != "beverage/flowmeter/system" {
		t.Errorf("System = %q", topics.System)
	}
}

func TestFormatPourExactJSON(t *testing.T) {
	payload, err := FormatPour(testPour())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"pour":{"timestamp":"2026-02-02T21:17:42Z","started":"2026-02-02T21:17:12Z","tap":1,"keg_id":"keg-7","liters":0.5,"pulses":2550,"duration_seconds":30,"avg_flow_lpm":1}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatPourOmitsEmptyKeg(t *testing.T) {
	p := testPour()
	p.KegID = ""
	payload, err := FormatPour(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := parsed["pour"]["keg_id"]; ok {
		t.Error("keg_id should be omitted for an unassigned tap")
	}
}

func TestFormatLowVolume(t *testing.T) {
	payload, err := FormatLowVolume(LowVolumeEvent{
		Timestamp:       time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Tap:             0,
		RemainingLiters: 1.5,
		ThresholdLiters: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"alert":{"timestamp":"2026-02-10T08:30:00Z","event":"LOW_VOLUME","tap":0,"remaining_liters":1.5,"threshold_liters":2}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatCalibration(t *testing.T) {
	now := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	payload, err := FormatCalibration(calibration.Result{Tap: 1, TotalPulses: 2000, MeasuredLiters: 0.5, ReferenceLiters: 1}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed CalibrationPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Calibration.NewKFactor == nil || *parsed.Calibration.NewKFactor != 2000 {
		t.Errorf("NewKFactor = %v, want 2000", parsed.Calibration.NewKFactor)
	}

	payload, err = FormatCalibration(calibration.Result{Tap: 1, ReferenceLiters: 1}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"calibration":{"timestamp":"2026-02-10T08:30:00Z","tap":1,"total_pulses":0,"measured_liters":0,"reference_liters":1}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestWillPayloadFormat(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadReconnectedOmitsReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC),
		Event:     "RECONNECTED",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{"event":"HEARTBEAT"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "HEARTBEAT", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload not passed through: %s", payload)
	}
}

func TestSinkRoutesToPublisher(t *testing.T) {
	f := NewFakePublisher()
	now := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	s := Sink{Publisher: f, Now: func() time.Time { return now }}
	ctx := context.Background()

	if err := s.RecordPour(ctx, testPour()); err != nil {
		t.Fatalf("RecordPour: %v", err)
	}
	if err := s.RecordCalibration(ctx, calibration.Result{Tap: 1}); err != nil {
		t.Fatalf("RecordCalibration: %v", err)
	}
	if err := s.NotifyLowVolume(0, 1.5, 2); err != nil {
		t.Fatalf("NotifyLowVolume: %v", err)
	}

	if got := f.Pours(); len(got) != 1 || got[0].KegID != "keg-7" {
		t.Errorf("pours = %+v", got)
	}
	if got := f.Calibrations(); len(got) != 1 || got[0].Tap != 1 {
		t.Errorf("calibrations = %+v", got)
	}
	alerts := f.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if !alerts[0].Timestamp.Equal(now) || alerts[0].RemainingLiters != 1.5 || alerts[0].ThresholdLiters != 2 {
		t.Errorf("alert = %+v", alerts[0])
	}
}

func TestFakePublisherError(t *testing.T) {
	f := NewFakePublisher()
	f.SetError(errors.New("broker down"))
	if err := f.PublishPour(testPour()); err == nil {
		t.Error("expected error")
	}
	if len(f.Pours()) != 0 {
		t.Error("failed publish should not be recorded")
	}

	f.SetError(nil)
	if err := f.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.SystemEvents(); len(got) != 1 || !got[0].Retained {
		t.Errorf("system events = %+v", got)
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.PublishPour(testPour())
	f.SetConnected(true)
	f.Close()
	f.Reset()
	if len(f.Pours()) != 0 || len(f.Payloads()) != 0 || f.IsClosed() || f.IsConnected() {
		t.Error("Reset did not clear state")
	}
	if err := f.PublishPour(testPour()); err != nil {
		t.Fatalf("publisher unusable after reset: %v", err)
	}
}

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                 { return t.err }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeClient records publishes. Methods it does not override panic.
type fakeClient struct {
	paho.Client

	mu        sync.Mutex
	published []bufferedMsg
	err       error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, bufferedMsg{topic: topic, payload: payload.([]byte), qos: qos, retained: retained})
	return doneToken{err: c.err}
}

func (c *fakeClient) Published() []bufferedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bufferedMsg(nil), c.published...)
}

func newTestPublisher(t *testing.T) (*RealPublisher, *fakeClient, *[]bool) {
	t.Helper()
	var changes []bool
	p := newPublisher(Options{
		TopicPrefix:        "bar",
		BufferSize:         4,
		Logger:             logging.Discard(),
		OnConnectionChange: func(c bool) { changes = append(changes, c) },
	})
	fc := &fakeClient{}
	p.client = fc
	return p, fc, &changes
}

func TestRealPublisherBuffersWhileDisconnected(t *testing.T) {
	p, fc, changes := newTestPublisher(t)

	if err := p.PublishPour(testPour()); err != nil {
		t.Fatalf("PublishPour: %v", err)
	}
	if err := p.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true}); err != nil {
		t.Fatalf("PublishSystem: %v", err)
	}
	if p.Buffered() != 2 {
		t.Errorf("Buffered = %d, want 2", p.Buffered())
	}
	if len(fc.Published()) != 0 {
		t.Fatal("nothing should reach the client while disconnected")
	}

	p.onConnect(fc)
	got := fc.Published()
	if len(got) != 2 {
		t.Fatalf("replayed %d messages, want 2", len(got))
	}
	if got[0].topic != "bar/pours" || got[1].topic != "bar/system" || !got[1].retained {
		t.Errorf("replay order or flags wrong: %+v", got)
	}
	if !p.IsConnected() || p.Buffered() != 0 {
		t.Error("publisher should be connected with an empty buffer")
	}
	if len(*changes) != 1 || !(*changes)[0] {
		t.Errorf("connection changes = %v", *changes)
	}
}

func TestRealPublisherReconnectAnnounces(t *testing.T) {
	p, fc, changes := newTestPublisher(t)
	p.onConnect(fc)
	p.onConnectionLost(fc, errors.New("network down"))
	if p.IsConnected() {
		t.Fatal("should be disconnected")
	}

	p.PublishLowVolume(LowVolumeEvent{Tap: 0, RemainingLiters: 1})
	p.onConnect(fc)

	got := fc.Published()
	if len(got) != 2 {
		t.Fatalf("published %d messages, want 2", len(got))
	}
	if got[0].topic != "bar/alerts" {
		t.Errorf("first = %s, want buffered alert", got[0].topic)
	}
	var sys SystemPayload
	if err := json.Unmarshal(got[1].payload, &sys); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if sys.System.Event != "RECONNECTED" {
		t.Errorf("event = %s, want RECONNECTED", sys.System.Event)
	}
	if want := []bool{true, false, true}; len(*changes) != 3 || (*changes)[1] != want[1] {
		t.Errorf("connection changes = %v, want %v", *changes, want)
	}
}

func TestRealPublisherPublishError(t *testing.T) {
	p, fc, _ := newTestPublisher(t)
	p.onConnect(fc)
	fc.err = errors.New("not authorized")
	if err := p.PublishCalibration(calibration.Result{Tap: 0}); err == nil {
		t.Error("expected error from client")
	}
}

func TestRealPublisherBufferOverflow(t *testing.T) {
	p, fc, _ := newTestPublisher(t)
	for i := 0; i < 6; i++ {
		p.PublishSystem(SystemEvent{Event: "HEARTBEAT"})
	}
	if p.Buffered() != 4 {
		t.Errorf("Buffered = %d, want capacity 4", p.Buffered())
	}
	p.onConnect(fc)
	if got := len(fc.Published()); got != 4 {
		t.Errorf("replayed %d, want 4", got)
	}
}
