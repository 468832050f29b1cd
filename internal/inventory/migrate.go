package inventory

import (
	"encoding/json"
	"fmt"
)

// storedKeg mirrors Keg with pointers for the fields added after version 1,
// so absence can be told apart from zero.
type storedKeg struct {
	ID                    string   `json:"id"`
	Title                 string   `json:"title"`
	TareWeightKg          float64  `json:"tare_weight_kg"`
	StartingTotalWeightKg float64  `json:"starting_total_weight_kg"`
	MaximumFullLiters     *float64 `json:"maximum_full_volume_liters"`
	StartingLiters        *float64 `json:"calculated_starting_volume_liters"`
	DispensedLiters       float64  `json:"current_dispensed_liters"`
	DispensedPulses       *uint64  `json:"total_dispensed_pulses"`
	BeverageID            string   `json:"beverage_id"`
	FillDate              string   `json:"fill_date"`
	Corrupt               bool     `json:"corrupt"`
}

// decodeKeg parses one record and back-fills missing fields.
// migrated reports whether anything had to be filled in.
func decodeKeg(raw json.RawMessage, defaultK float64) (k Keg, migrated bool, err error) {
	var s storedKeg
	if err := json.Unmarshal(raw, &s); err != nil {
		return Keg{}, false, err
	}
	if s.ID == "" {
		return Keg{}, false, fmt.Errorf("keg record has no id")
	}

	k = Keg{
		ID:                    s.ID,
		Title:                 s.Title,
		TareWeightKg:          s.TareWeightKg,
		StartingTotalWeightKg: s.StartingTotalWeightKg,
		DispensedLiters:       s.DispensedLiters,
		BeverageID:            s.BeverageID,
		FillDate:              s.FillDate,
		Corrupt:               s.Corrupt,
	}
	if s.MaximumFullLiters != nil {
		k.MaximumFullLiters = *s.MaximumFullLiters
	}
	if s.StartingLiters != nil {
		k.StartingLiters = *s.StartingLiters
	} else {
		k.StartingLiters = StartingVolume(k.MaximumFullLiters, k.StartingTotalWeightKg, k.TareWeightKg)
		migrated = true
	}
	if s.DispensedPulses != nil {
		k.DispensedPulses = *s.DispensedPulses
	} else {
		if k.DispensedLiters > 0 {
			k.DispensedPulses = uint64(k.DispensedLiters*defaultK + 0.5)
		}
		migrated = true
	}
	return k, migrated, nil
}

// corruptPlaceholder stands in for a record that could not be decoded.
func corruptPlaceholder(index int) Keg {
	return Keg{
		ID:      fmt.Sprintf("corrupt-%d", index),
		Title:   "unreadable keg record",
		Corrupt: true,
	}
}
