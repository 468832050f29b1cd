// Package inventory persists keg records and per-tap settings.
//
// The inventory is one versioned JSON file:
//
//	{"version": 2, "kegs": [ ... ], "taps": [{"keg_id": "...", "k_factor": 5100}]}
//
// Every write rewrites the whole file through a temp file and rename, so a
// crash leaves either the old or the new inventory on disk, never a torn one.
package inventory

import "math"

// Unassigned is the keg id of a tap with no keg (offline).
const Unassigned = ""

// Density is the fixed kg/L used to derive a starting volume from weights.
const Density = 1.014

// Keg is one physical keg.
type Keg struct {
	ID                    string  `json:"id"`
	Title                 string  `json:"title"`
	TareWeightKg          float64 `json:"tare_weight_kg"`
	StartingTotalWeightKg float64 `json:"starting_total_weight_kg"`
	MaximumFullLiters     float64 `json:"maximum_full_volume_liters"`
	StartingLiters        float64 `json:"calculated_starting_volume_liters"`
	DispensedLiters       float64 `json:"current_dispensed_liters"`
	DispensedPulses       uint64  `json:"total_dispensed_pulses"`
	BeverageID            string  `json:"beverage_id"`
	FillDate              string  `json:"fill_date"`

	// Corrupt marks a placeholder that replaced an unreadable record.
	Corrupt bool `json:"corrupt,omitempty"`
}

// StartingVolume derives the full volume of a keg. An explicit maximum fill
// volume wins; otherwise the net weight is converted with Density.
func StartingVolume(maximumFullLiters, totalWeightKg, tareWeightKg float64) float64 {
	if maximumFullLiters > 0 {
		return maximumFullLiters
	}
	net := totalWeightKg - tareWeightKg
	if net <= 0 {
		return 0
	}
	return net / Density
}

// Remaining returns starting minus dispensed volume, clamped at zero.
// The clamp is for display only; DispensedLiters itself is never clamped.
func (k Keg) Remaining() float64 {
	return math.Max(0, k.StartingLiters-k.DispensedLiters)
}

// TapSetting is the persisted per-tap state.
type TapSetting struct {
	KegID   string  `json:"keg_id"`
	KFactor float64 `json:"k_factor"`
}
