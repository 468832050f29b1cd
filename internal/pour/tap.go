package pour

import "time"

// Tap is the Idle -> Pouring -> Idle machine of one tap, plus the Fault
// state entered when its sensor cannot be read.
type Tap struct {
	index    int
	state    State
	session  Session
	flowLPM  float64
	last     Completed
	hasLast  bool
	counts   Counts
	faultErr error
}

// NewTap returns an idle tap.
func NewTap(index int) *Tap {
	return &Tap{index: index, state: StateIdle}
}

// Index returns the tap index.
func (t *Tap) Index() int { return t.index }

// State returns the current state.
func (t *Tap) State() State { return t.state }

// Session returns the pour in progress (zero when idle).
func (t *Tap) Session() Session { return t.session }

// FlowRate returns the flow rate of the most recent pouring interval in L/min.
// Zero when not pouring.
func (t *Tap) FlowRate() float64 { return t.flowLPM }

// Counts returns pour counts since startup.
func (t *Tap) Counts() Counts { return t.counts }

// Fault returns the error that put the tap in Fault, if any.
func (t *Tap) Fault() error { return t.faultErr }

// LastPour returns the most recent completed pour.
func (t *Tap) LastPour() (Completed, bool) { return t.last, t.hasLast }

// RestoreLastPour seeds the last pour, e.g. from history at startup.
func (t *Tap) RestoreLastPour(c Completed) {
	t.last = c
	t.hasLast = true
}

// Begin enters Pouring and resets the session. No-op unless Idle.
func (t *Tap) Begin(now time.Time) bool {
	if t.state != StateIdle {
		return false
	}
	t.state = StatePouring
	t.session = Session{Started: now}
	t.flowLPM = 0
	return true
}

// Accumulate adds one interval to the pour in progress. Ignored unless Pouring.
func (t *Tap) Accumulate(pulses uint64, liters float64, dt time.Duration, flowLPM float64) {
	if t.state != StatePouring {
		return
	}
	t.session.Pulses += pulses
	t.session.Liters += liters
	t.session.Duration += dt
	t.flowLPM = flowLPM
}

// Finish returns the tap to Idle. The pour is reported only when it lasted
// some time and exceeded minLiters; anything smaller is sensor noise and is
// discarded without touching the last pour.
func (t *Tap) Finish(now time.Time, kegID string, minLiters float64) (Completed, bool) {
	if t.state != StatePouring {
		return Completed{}, false
	}
	s := t.session
	t.state = StateIdle
	t.session = Session{}
	t.flowLPM = 0

	if s.Duration <= 0 || s.Liters <= minLiters {
		t.counts.Discarded++
		return Completed{}, false
	}

	c := Completed{
		Tap:        t.index,
		KegID:      kegID,
		Started:    s.Started,
		Finished:   now,
		Liters:     s.Liters,
		Pulses:     s.Pulses,
		Duration:   s.Duration,
		AvgFlowLPM: s.Liters / s.Duration.Minutes(),
	}
	t.last = c
	t.hasLast = true
	t.counts.Pours++
	return c, true
}

// SetFault moves the tap to Fault. Any pour in progress is dropped from the
// session; volume already added to the keg stays there.
func (t *Tap) SetFault(err error) {
	t.state = StateFault
	t.faultErr = err
	t.session = Session{}
	t.flowLPM = 0
}

// ClearFault returns a faulted tap to Idle.
func (t *Tap) ClearFault() {
	if t.state != StateFault {
		return
	}
	t.state = StateIdle
	t.faultErr = nil
}

// Reset forces Idle, dropping any session. Used on shutdown.
func (t *Tap) Reset() {
	t.state = StateIdle
	t.session = Session{}
	t.flowLPM = 0
	t.faultErr = nil
}
