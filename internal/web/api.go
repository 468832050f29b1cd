package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/keglevelmonitor/development-sub000/internal/engine"
	"github.com/keglevelmonitor/development-sub000/internal/inventory"
	"github.com/keglevelmonitor/development-sub000/internal/sim"
)

// revertPoll is how often a pending simulation revert re-checks its tap.
const revertPoll = 250 * time.Millisecond

// Controller is the sensor loop API. *engine.Engine implements it.
type Controller interface {
	DisplayData(ctx context.Context, tap int) (engine.Display, error)
	StartCalibration(ctx context.Context, tap int, referenceLiters float64) error
	StopCalibration(ctx context.Context, tap int, opts engine.StopOptions) (engine.CalibrationResult, error)
	SetManualKFactor(ctx context.Context, tap int, k float64) error
	SimulatePour(ctx context.Context, tap int, liters, flowLPM float64, commit bool) (*engine.Simulation, error)
	RevertWhenIdle(ctx context.Context, s *engine.Simulation, poll time.Duration) error
	ForceRecalculation(ctx context.Context) (inventory.LoadReport, error)
	KickKeg(ctx context.Context, tap int, recalibrate bool) (engine.KickResult, error)
}

func (s *Server) registerAPI(r *mux.Router) {
	r.HandleFunc("/taps/{tap:[0-9]+}", s.handleDisplay).Methods(http.MethodGet)
	r.HandleFunc("/taps/{tap:[0-9]+}/calibration", s.handleStartCalibration).Methods(http.MethodPost)
	r.HandleFunc("/taps/{tap:[0-9]+}/calibration/stop", s.handleStopCalibration).Methods(http.MethodPost)
	r.HandleFunc("/taps/{tap:[0-9]+}/k-factor", s.handleKFactor).Methods(http.MethodPut)
	r.HandleFunc("/taps/{tap:[0-9]+}/simulate", s.handleSimulate).Methods(http.MethodPost)
	r.HandleFunc("/taps/{tap:[0-9]+}/kick", s.handleKick).Methods(http.MethodPost)
	r.HandleFunc("/recalculate", s.handleRecalculate).Methods(http.MethodPost)
}

type displayJSON struct {
	Tap             int     `json:"tap"`
	State           string  `json:"state"`
	FlowLPM         float64 `json:"flow_lpm"`
	RemainingLiters float64 `json:"remaining_liters"`
	LastPourLiters  float64 `json:"last_pour_liters"`
	HasLastPour     bool    `json:"has_last_pour"`
}

type startCalibrationRequest struct {
	ReferenceLiters float64 `json:"reference_liters"`
}

type stopCalibrationRequest struct {
	Deduct            bool    `json:"deduct"`
	GroundTruthLiters float64 `json:"ground_truth_liters"`
	Apply             bool    `json:"apply"`
}

type calibrationJSON struct {
	Tap             int     `json:"tap"`
	TotalPulses     uint64  `json:"total_pulses"`
	MeasuredLiters  float64 `json:"measured_liters"`
	ReferenceLiters float64 `json:"reference_liters"`
	NewKFactor      float64 `json:"new_k_factor"`
	Valid           bool    `json:"valid"`
	Applied         bool    `json:"applied"`
	DeductedLiters  float64 `json:"deducted_liters"`
}

type kFactorRequest struct {
	KFactor float64 `json:"k_factor"`
}

type simulateRequest struct {
	Liters  float64 `json:"liters"`
	FlowLPM float64 `json:"flow_lpm"`
	Commit  bool    `json:"commit"`
}

type simulateJSON struct {
	Tap             int     `json:"tap"`
	Pulses          uint64  `json:"pulses"`
	DurationSeconds float64 `json:"duration_seconds"`
	Commit          bool    `json:"commit"`
}

type kickRequest struct {
	Recalibrate bool `json:"recalibrate"`
}

type kickJSON struct {
	KegID        string  `json:"keg_id"`
	Recalibrated bool    `json:"recalibrated"`
	NewKFactor   float64 `json:"new_k_factor,omitempty"`
}

type recalculateJSON struct {
	Kegs     int      `json:"kegs"`
	Migrated []string `json:"migrated,omitempty"`
	Corrupt  []string `json:"corrupt,omitempty"`
	Reset    bool     `json:"reset"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	tap := tapVar(r)
	d, err := s.ctrl.DisplayData(r.Context(), tap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, displayJSON{
		Tap:             tap,
		State:           string(d.State),
		FlowLPM:         d.FlowLPM,
		RemainingLiters: d.RemainingLiters,
		LastPourLiters:  d.LastPourLiters,
		HasLastPour:     d.HasLastPour,
	})
}

func (s *Server) handleStartCalibration(w http.ResponseWriter, r *http.Request) {
	var req startCalibrationRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctrl.StartCalibration(r.Context(), tapVar(r), req.ReferenceLiters); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopCalibration(w http.ResponseWriter, r *http.Request) {
	var req stopCalibrationRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ctrl.StopCalibration(r.Context(), tapVar(r), engine.StopOptions{
		Deduct:            req.Deduct,
		GroundTruthLiters: req.GroundTruthLiters,
		Apply:             req.Apply,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calibrationJSON{
		Tap:             res.Tap,
		TotalPulses:     res.TotalPulses,
		MeasuredLiters:  res.MeasuredLiters,
		ReferenceLiters: res.ReferenceLiters,
		NewKFactor:      res.NewKFactor,
		Valid:           res.Valid,
		Applied:         res.Applied,
		DeductedLiters:  res.DeductedLiters,
	})
}

func (s *Server) handleKFactor(w http.ResponseWriter, r *http.Request) {
	var req kFactorRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctrl.SetManualKFactor(r.Context(), tapVar(r), req.KFactor); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !decode(w, r, &req) {
		return
	}
	run, err := s.ctrl.SimulatePour(r.Context(), tapVar(r), req.Liters, req.FlowLPM, req.Commit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !run.Commit {
		go func() {
			if err := s.ctrl.RevertWhenIdle(s.bgCtx, run, revertPoll); err != nil {
				s.logger.Warn("simulation revert failed", "tap", run.Tap, "error", err)
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, simulateJSON{
		Tap:             run.Tap,
		Pulses:          run.Plan.Pulses,
		DurationSeconds: run.Plan.Duration.Seconds(),
		Commit:          run.Commit,
	})
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ctrl.KickKeg(r.Context(), tapVar(r), req.Recalibrate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kickJSON{KegID: res.KegID, Recalibrated: res.Recalibrated, NewKFactor: res.NewKFactor})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.ForceRecalculation(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recalculateJSON{
		Kegs:     report.Kegs,
		Migrated: report.Migrated,
		Corrupt:  report.Corrupt,
		Reset:    report.Reset,
	})
}

// tapVar returns the {tap} route variable. The route pattern guarantees digits.
func tapVar(r *http.Request) int {
	tap, err := strconv.Atoi(mux.Vars(r)["tap"])
	if err != nil {
		return -1
	}
	return tap
}

// decode reads an optional JSON body into v. An empty body, chunked or
// not, leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("api request failed", "error", err)
	}
	writeJSON(w, code, errorJSON{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidTap):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidReferenceVolume),
		errors.Is(err, engine.ErrZeroKFactor),
		errors.Is(err, sim.ErrInvalidPlan):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTapBusy),
		errors.Is(err, engine.ErrAlreadyCalibrating),
		errors.Is(err, engine.ErrNotCalibrating),
		errors.Is(err, engine.ErrNoKeg),
		errors.Is(err, sim.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
