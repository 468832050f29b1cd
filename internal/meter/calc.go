package meter

// FlowRate returns liters per minute for pulses counted over dtSeconds.
// Zero when the k-factor or the interval is not positive.
func FlowRate(pulses uint64, dtSeconds, kFactor float64) float64 {
	if kFactor <= 0 || dtSeconds <= 0 {
		return 0
	}
	return (float64(pulses) / kFactor) / (dtSeconds / 60)
}

// Volume returns the liters represented by pulses. Zero when kFactor is not positive.
func Volume(pulses uint64, kFactor float64) float64 {
	if kFactor <= 0 {
		return 0
	}
	return float64(pulses) / kFactor
}

// NewKFactor derives pulses per liter from a pulse total and a measured
// reference volume. It is the only calibration formula: live calibration and
// the keg-kicked workflow both use it.
func NewKFactor(totalPulses uint64, referenceLiters float64) (float64, bool) {
	if referenceLiters <= 0 || totalPulses == 0 {
		return 0, false
	}
	return float64(totalPulses) / referenceLiters, true
}
