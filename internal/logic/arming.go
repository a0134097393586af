package logic

import "time"

// Phase is the arming state of a light's on/off handlers.
type Phase string

const (
	// PhaseUnknown: no on/off report seen yet.
	PhaseUnknown Phase = "UNKNOWN"
	// PhaseWaitingForStableOn: reported on, not yet on for the on threshold.
	// An off report now is treated as flicker.
	PhaseWaitingForStableOn Phase = "WAITING_FOR_STABLE_ON"
	// PhaseWaitingForStableOff: reported off, not yet off for the off threshold.
	// An on report now is treated as flicker.
	PhaseWaitingForStableOff Phase = "WAITING_FOR_STABLE_OFF"
	// PhaseArmedForOff: on long enough; the next off report fires TransitionOff.
	PhaseArmedForOff Phase = "ARMED_FOR_OFF"
	// PhaseArmedForOn: off long enough; the next on report fires TransitionOn.
	PhaseArmedForOn Phase = "ARMED_FOR_ON"
)

// Transition is a debounced on/off transition that should be acted upon.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOn
	TransitionOff
)

// Arming requires a state to persist for its threshold before the handler
// for the opposite transition is armed. Each armed handler fires once.
// Not safe for concurrent use; the controller serialises access per light.
type Arming struct {
	onThreshold  time.Duration
	offThreshold time.Duration

	phase Phase
	power Power
	since time.Time
}

// NewArming creates the sub-machine from the light's live state at startup.
// A light that is already on is armed for off, and vice versa.
func NewArming(onThreshold, offThreshold time.Duration, initial Power, now time.Time) *Arming {
	a := &Arming{
		onThreshold:  onThreshold,
		offThreshold: offThreshold,
		phase:        PhaseUnknown,
		power:        initial,
		since:        now,
	}
	switch initial {
	case PowerOn:
		a.phase = PhaseArmedForOff
	case PowerOff:
		a.phase = PhaseArmedForOn
	}
	return a
}

// Phase returns the current arming phase.
func (a *Arming) Phase() Phase { return a.phase }

// Power returns the last reported power state.
func (a *Arming) Power() Power { return a.power }

// Observe records a raw on/off report. It returns the transition to act on
// (if an armed handler fired) and, when a new stability window started,
// how long until Settle should be called.
func (a *Arming) Observe(p Power, now time.Time) (Transition, time.Duration) {
	if p == PowerUnknown || p == a.power {
		return TransitionNone, 0
	}
	a.power = p
	a.since = now

	fired := TransitionNone
	switch {
	case p == PowerOn && a.phase == PhaseArmedForOn:
		fired = TransitionOn
	case p == PowerOff && a.phase == PhaseArmedForOff:
		fired = TransitionOff
	}

	if p == PowerOn {
		a.phase = PhaseWaitingForStableOn
		return fired, a.onThreshold
	}
	a.phase = PhaseWaitingForStableOff
	return fired, a.offThreshold
}

// Settle arms the opposite handler once the current state has persisted
// for its threshold. Stale calls (the state changed since) are ignored.
// It reports whether the phase changed.
func (a *Arming) Settle(now time.Time) bool {
	held := now.Sub(a.since)
	switch a.phase {
	case PhaseWaitingForStableOn:
		if held >= a.onThreshold {
			a.phase = PhaseArmedForOff
			return true
		}
	case PhaseWaitingForStableOff:
		if held >= a.offThreshold {
			a.phase = PhaseArmedForOn
			return true
		}
	}
	return false
}
