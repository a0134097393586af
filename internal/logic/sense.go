package logic

import "time"

// senseChannel tracks glitch-filter state for a single sense line.
type senseChannel struct {
	// Current stable (filtered) state
	Stable Power
	// Pending state during filtering
	Pending Power
	// Time when pending state was first observed
	PendingSince time.Time
	// Whether we have established a baseline
	Baselined bool
}

// PowerChange is a filtered on/off change of a sensed light.
type PowerChange struct {
	LightID string
	Power   Power
	Time    time.Time
	// Baseline is set for the first stable reading of a line.
	Baseline bool
}

// SenseFilter removes sub-threshold glitches from polled on/off lines.
// It sits in front of the arming layer for lights sensed over GPIO; it does
// not replace arming, it only keeps electrical noise out of it.
type SenseFilter struct {
	glitch   time.Duration
	channels map[string]*senseChannel
}

// NewSenseFilter creates a filter that requires a level to hold for glitch
// before it is reported.
func NewSenseFilter(glitch time.Duration) *SenseFilter {
	return &SenseFilter{
		glitch:   glitch,
		channels: make(map[string]*senseChannel),
	}
}

// Process takes one sample per line and returns the lines whose stable state
// changed, in the order of ids.
func (f *SenseFilter) Process(ids []string, samples map[string]bool, now time.Time) []PowerChange {
	var changes []PowerChange
	for _, id := range ids {
		on, ok := samples[id]
		if !ok {
			continue
		}
		ch := f.channels[id]
		if ch == nil {
			ch = &senseChannel{}
			f.channels[id] = ch
		}
		if change, changed := f.processChannel(ch, PowerFromBool(on), now); changed {
			change.LightID = id
			changes = append(changes, change)
		}
	}
	return changes
}

// State returns the stable state of a line.
func (f *SenseFilter) State(id string) Power {
	if ch := f.channels[id]; ch != nil && ch.Baselined {
		return ch.Stable
	}
	return PowerUnknown
}

func (f *SenseFilter) processChannel(ch *senseChannel, newState Power, now time.Time) (PowerChange, bool) {
	// First time seeing this line
	if !ch.Baselined {
		if ch.Pending != newState {
			// Start observing, or state changed during baseline: restart
			ch.Pending = newState
			ch.PendingSince = now
		}
		if now.Sub(ch.PendingSince) < f.glitch {
			return PowerChange{}, false
		}
		ch.Stable = newState
		ch.Baselined = true
		ch.Pending = PowerUnknown
		return PowerChange{Power: newState, Time: now, Baseline: true}, true
	}

	// Already baselined - detect transitions
	if newState == ch.Stable {
		ch.Pending = PowerUnknown
		return PowerChange{}, false
	}

	if ch.Pending != newState {
		ch.Pending = newState
		ch.PendingSince = now
	}
	if now.Sub(ch.PendingSince) < f.glitch {
		return PowerChange{}, false
	}
	ch.Stable = newState
	ch.Pending = PowerUnknown
	return PowerChange{Power: newState, Time: now}, true
}
