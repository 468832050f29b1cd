package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Running       bool         `json:"running"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Taps          []TapJSON    `json:"taps"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// TapJSON is the JSON representation of one tap.
type TapJSON struct {
	Index           int       `json:"index"`
	Name            string    `json:"name"`
	Pin             int       `json:"pin"`
	State           string    `json:"state"`
	Active          bool      `json:"active"`
	Calibrating     bool      `json:"calibrating"`
	Fault           string    `json:"fault,omitempty"`
	FlowLPM         float64   `json:"flow_lpm"`
	SessionLiters   float64   `json:"session_liters"`
	KFactor         float64   `json:"k_factor"`
	KegID           string    `json:"keg_id,omitempty"`
	KegTitle        string    `json:"keg_title,omitempty"`
	RemainingLiters float64   `json:"remaining_liters"`
	DispensedLiters float64   `json:"dispensed_liters"`
	StartingLiters  float64   `json:"starting_liters"`
	LowVolume       bool      `json:"low_volume"`
	LastPour        *PourJSON `json:"last_pour,omitempty"`
	Pours           int       `json:"pours"`
	Discarded       int       `json:"discarded"`
}

// PourJSON is the JSON representation of a completed pour.
type PourJSON struct {
	Tap             int     `json:"tap"`
	KegID           string  `json:"keg_id"`
	Liters          float64 `json:"liters"`
	Pulses          uint64  `json:"pulses"`
	DurationSeconds float64 `json:"duration_seconds"`
	AvgFlowLPM      float64 `json:"avg_flow_lpm"`
	Started         string  `json:"started"`
	Finished        string  `json:"finished"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs            int64   `json:"poll_ms"`
	DebounceMs        int64   `json:"debounce_ms"`
	HeartbeatMs       int64   `json:"heartbeat_ms"`
	ActivityThreshold uint64  `json:"activity_threshold"`
	StopThreshold     uint64  `json:"stop_threshold"`
	MinPourLiters     float64 `json:"min_pour_liters"`
	LowVolumeLiters   float64 `json:"low_volume_liters"`
	Broker            string  `json:"broker"`
	HTTPAddr          string  `json:"http_addr"`
	Simulate          bool    `json:"simulate"`
}

// BuildTap converts a tap view to its JSON form.
func BuildTap(t Tap) TapJSON {
	state := string(t.State)
	if state == "" {
		state = "UNKNOWN"
	}
	tj := TapJSON{
		Index:           t.Index,
		Name:            t.Name,
		Pin:             t.Pin,
		State:           state,
		Active:          t.Active,
		Calibrating:     t.Calibrating,
		Fault:           t.Fault,
		FlowLPM:         t.FlowLPM,
		SessionLiters:   t.SessionLiters,
		KFactor:         t.KFactor,
		KegID:           t.KegID,
		KegTitle:        t.KegTitle,
		RemainingLiters: t.RemainingLiters,
		DispensedLiters: t.DispensedLiters,
		StartingLiters:  t.StartingLiters,
		LowVolume:       t.LowVolume,
		Pours:           t.Counts.Pours,
		Discarded:       t.Counts.Discarded,
	}
	if t.LastPour != nil {
		p := *t.LastPour
		tj.LastPour = &PourJSON{
			Tap:             p.Tap,
			KegID:           p.KegID,
			Liters:          p.Liters,
			Pulses:          p.Pulses,
			DurationSeconds: p.Duration.Seconds(),
			AvgFlowLPM:      p.AvgFlowLPM,
			Started:         p.Started.UTC().Format(time.RFC3339),
			Finished:        p.Finished.UTC().Format(time.RFC3339),
		}
	}
	return tj
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Running:       snap.Running,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Taps:          make([]TapJSON, 0, len(snap.Taps)),
		Config: ConfigJSON{
			PollMs:            snap.Config.PollMs,
			DebounceMs:        snap.Config.DebounceMs,
			HeartbeatMs:       snap.Config.HeartbeatMs,
			ActivityThreshold: snap.Config.ActivityThreshold,
			StopThreshold:     snap.Config.StopThreshold,
			MinPourLiters:     snap.Config.MinPourLiters,
			LowVolumeLiters:   snap.Config.LowVolumeLiters,
			Broker:            snap.Config.Broker,
			HTTPAddr:          snap.Config.HTTPAddr,
			Simulate:          snap.Config.Simulate,
		},
	}
	for _, t := range snap.Taps {
		inner.Taps = append(inner.Taps, BuildTap(t))
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
