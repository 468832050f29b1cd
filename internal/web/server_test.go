package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keglevelmonitor/development-sub000/internal/engine"
	"github.com/keglevelmonitor/development-sub000/internal/inventory"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
	"github.com/keglevelmonitor/development-sub000/internal/sim"
	"github.com/keglevelmonitor/development-sub000/internal/status"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	err      error
	reverted chan *engine.Simulation
}

func (f *fakeController) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) DisplayData(_ context.Context, tap int) (engine.Display, error) {
	if tap > 1 {
		return engine.Display{}, fmt.Errorf("%w: %d", engine.ErrInvalidTap, tap)
	}
	return engine.Display{FlowLPM: 1.5, RemainingLiters: 12.25, State: pour.StatePouring, LastPourLiters: 0.4, HasLastPour: true}, f.record("display %d", tap)
}

func (f *fakeController) StartCalibration(_ context.Context, tap int, ref float64) error {
	return f.record("start-cal %d %v", tap, ref)
}

func (f *fakeController) StopCalibration(_ context.Context, tap int, opts engine.StopOptions) (engine.CalibrationResult, error) {
	err := f.record("stop-cal %d %v %v %v", tap, opts.Deduct, opts.GroundTruthLiters, opts.Apply)
	res := engine.CalibrationResult{NewKFactor: 2000, Valid: true, Applied: opts.Apply}
	res.Tap = tap
	res.TotalPulses = 2000
	res.ReferenceLiters = 1
	return res, err
}

func (f *fakeController) SetManualKFactor(_ context.Context, tap int, k float64) error {
	return f.record("k-factor %d %v", tap, k)
}

func (f *fakeController) SimulatePour(_ context.Context, tap int, liters, flow float64, commit bool) (*engine.Simulation, error) {
	if err := f.record("simulate %d %v %v %v", tap, liters, flow, commit); err != nil {
		return nil, err
	}
	return &engine.Simulation{Tap: tap, Liters: liters, FlowLPM: flow, Commit: commit,
		Plan: sim.Plan{Tap: tap, Pulses: 2550, Duration: 15 * time.Second}}, nil
}

func (f *fakeController) RevertWhenIdle(_ context.Context, s *engine.Simulation, _ time.Duration) error {
	f.reverted <- s
	return nil
}

func (f *fakeController) ForceRecalculation(context.Context) (inventory.LoadReport, error) {
	return inventory.LoadReport{Kegs: 3, Corrupt: []string{"corrupt-2"}}, f.record("recalculate")
}

func (f *fakeController) KickKeg(_ context.Context, tap int, recalibrate bool) (engine.KickResult, error) {
	return engine.KickResult{KegID: "keg-1", Recalibrated: recalibrate, NewKFactor: 5100}, f.record("kick %d %v", tap, recalibrate)
}

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker, *fakeController) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		PollMs:            500,
		DebounceMs:        5,
		HeartbeatMs:       900000,
		ActivityThreshold: 10,
		StopThreshold:     3,
		Broker:            "tcp://127.0.0.1:1883",
		HTTPAddr:          ":80",
	}
	tr := status.NewTracker(start, cfg)
	ctrl := &fakeController{reverted: make(chan *engine.Simulation, 1)}
	srv := New(":0", tr, Options{Controller: ctrl, Metrics: promhttp.Handler()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return ts, tr, ctrl
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.Update([]status.Tap{{Index: 0, Name: "left", State: pour.StatePouring, FlowLPM: 2.5}, {Index: 1, Name: "right", State: pour.StateIdle}}, true)
	tr.SetMQTTConnected(true)

	resp := do(t, http.MethodGet, ts.URL+"/index.json", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if !sj.Status.Running || !sj.Status.MQTT.Connected {
		t.Errorf("running/connected wrong: %+v", sj.Status)
	}
	if len(sj.Status.Taps) != 2 || sj.Status.Taps[0].State != "POURING" || sj.Status.Taps[0].FlowLPM != 2.5 {
		t.Errorf("taps = %+v", sj.Status.Taps)
	}
	if sj.Status.Config.ActivityThreshold != 10 {
		t.Errorf("activity threshold = %d", sj.Status.Config.ActivityThreshold)
	}
}

func TestHTMLEndpoint(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.Update([]status.Tap{
		{Index: 0, Name: "left", State: pour.StateIdle, KegID: "keg-1", KegTitle: "Pale Ale", RemainingLiters: 1.5, StartingLiters: 18.9, LowVolume: true},
		{Index: 1, State: pour.StateFault, Fault: "line read failed"},
	}, true)

	for _, path := range []string{"/", "/index.html"} {
		resp := do(t, http.MethodGet, ts.URL+path, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s: Content-Type %q", path, ct)
		}
		body, _ := io.ReadAll(resp.Body)
		html := string(body)
		for _, want := range []string{"Pale Ale", "1.50 L of 18.90 L", `class="low"`, "FAULT: line read failed", "Tap 1", "offline"} {
			if !strings.Contains(html, want) {
				t.Errorf("%s: missing %q", path, want)
			}
		}
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestAPIDisplay(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/api/taps/0", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var d displayJSON
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.State != "POURING" || d.RemainingLiters != 12.25 || !d.HasLastPour {
		t.Errorf("display = %+v", d)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/taps/7", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("invalid tap: got %d, want 404", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, ts.URL+"/api/taps/x", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("non-numeric tap: got %d, want 404", resp.StatusCode)
	}
}

func TestAPICalibration(t *testing.T) {
	ts, _, ctrl := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/taps/1/calibration", `{"reference_liters":1}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("start: got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, ts.URL+"/api/taps/1/calibration/stop", `{"deduct":true,"ground_truth_liters":0.95,"apply":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: got %d", resp.StatusCode)
	}
	var res calibrationJSON
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.NewKFactor != 2000 || !res.Applied || res.TotalPulses != 2000 {
		t.Errorf("result = %+v", res)
	}

	want := []string{"start-cal 1 1", "stop-cal 1 true 0.95 true"}
	if got := ctrl.Calls(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrInvalidReferenceVolume, http.StatusBadRequest},
		{engine.ErrZeroKFactor, http.StatusBadRequest},
		{fmt.Errorf("%w: volume", sim.ErrInvalidPlan), http.StatusBadRequest},
		{engine.ErrTapBusy, http.StatusConflict},
		{engine.ErrAlreadyCalibrating, http.StatusConflict},
		{engine.ErrNotCalibrating, http.StatusConflict},
		{engine.ErrNoKeg, http.StatusConflict},
		{sim.ErrAlreadyRunning, http.StatusConflict},
		{engine.ErrNotRunning, http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	ts, _, ctrl := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ctrl.mu.Lock()
			ctrl.err = tt.err
			ctrl.mu.Unlock()
			resp := do(t, http.MethodPost, ts.URL+"/api/taps/0/calibration", `{"reference_liters":1}`)
			if resp.StatusCode != tt.want {
				t.Errorf("got %d, want %d", resp.StatusCode, tt.want)
			}
			var e errorJSON
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
				t.Errorf("error body missing: %v", err)
			}
		})
	}
}

func TestAPIBadBody(t *testing.T) {
	ts, _, ctrl := newTestServer(t)
	resp := do(t, http.MethodPut, ts.URL+"/api/taps/0/k-factor", `{"k":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got %d, want 400", resp.StatusCode)
	}
	resp = do(t, http.MethodPut, ts.URL+"/api/taps/0/k-factor", `{"unknown":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field: got %d, want 400", resp.StatusCode)
	}
	if len(ctrl.Calls()) != 0 {
		t.Errorf("controller called on bad body: %v", ctrl.Calls())
	}
}

func TestAPIKFactorKickRecalculate(t *testing.T) {
	ts, _, ctrl := newTestServer(t)

	if resp := do(t, http.MethodPut, ts.URL+"/api/taps/0/k-factor", `{"k_factor":4800}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("k-factor: got %d", resp.StatusCode)
	}

	resp := do(t, http.MethodPost, ts.URL+"/api/taps/0/kick", `{"recalibrate":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kick: got %d", resp.StatusCode)
	}
	var kick kickJSON
	if err := json.NewDecoder(resp.Body).Decode(&kick); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kick.KegID != "keg-1" || !kick.Recalibrated {
		t.Errorf("kick = %+v", kick)
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/recalculate", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recalculate: got %d", resp.StatusCode)
	}
	var rec recalculateJSON
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Kegs != 3 || len(rec.Corrupt) != 1 {
		t.Errorf("recalculate = %+v", rec)
	}

	want := []string{"k-factor 0 4800", "kick 0 true", "recalculate"}
	if got := ctrl.Calls(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestAPISimulateSchedulesRevert(t *testing.T) {
	ts, _, ctrl := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/taps/0/simulate", `{"liters":0.5,"flow_lpm":2,"commit":false}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("simulate: got %d", resp.StatusCode)
	}
	var sj simulateJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sj.Pulses != 2550 || sj.DurationSeconds != 15 || sj.Commit {
		t.Errorf("simulate = %+v", sj)
	}

	select {
	case s := <-ctrl.reverted:
		if s.Tap != 0 {
			t.Errorf("reverted tap %d", s.Tap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("revert not scheduled for a non-committing simulation")
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/taps/0/simulate", `{"liters":0.5,"flow_lpm":2,"commit":true}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("simulate commit: got %d", resp.StatusCode)
	}
	select {
	case <-ctrl.reverted:
		t.Error("committed simulation must not be reverted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAPIRoutesAbsentWithoutController(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	srv := New(":0", tr, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/taps/0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got %d, want 404", resp.StatusCode)
	}
}

func TestAPIEmptyChunkedBody(t *testing.T) {
	ctrl := &fakeController{reverted: make(chan *engine.Simulation, 1)}
	srv := New(":0", status.NewTracker(time.Now(), status.Config{}), Options{Controller: ctrl})

	// A body of unknown length arrives with ContentLength -1.
	req := httptest.NewRequest(http.MethodPost, "/api/taps/0/kick", io.NopCloser(strings.NewReader("")))
	if req.ContentLength != -1 {
		t.Fatalf("ContentLength = %d, want -1", req.ContentLength)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := ctrl.Calls(); len(got) != 1 || got[0] != "kick 0 false" {
		t.Errorf("calls = %v", got)
	}
}
