// Package status provides a thread-safe status tracker for the brightness
// controller. It is read by HTTP handlers, the websocket feed and the MQTT
// heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/light-brightness/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	IntervalMs  int64
	FollowUpMs  int64
	HeartbeatMs int64
	Broker      string
	TopicPrefix string
	HTTPAddr    string
	History     bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Lights        []logic.LightStatus
	Ready         bool
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Light returns the status of one light.
func (s Snapshot) Light(id string) (logic.LightStatus, bool) {
	for _, l := range s.Lights {
		if l.ID == id {
			return l, true
		}
	}
	return logic.LightStatus{}, false
}

// Counts sums the event counts of every light.
func (s Snapshot) Counts() logic.EventCounts {
	var c logic.EventCounts
	for _, l := range s.Lights {
		c.Commands += l.Counts.Commands
		c.ModeChanges += l.Counts.ModeChanges
		c.ManualOverrides += l.Counts.ManualOverrides
		c.TurnedOn += l.Counts.TurnedOn
		c.TurnedOff += l.Counts.TurnedOff
		c.NoMatch += l.Counts.NoMatch
		c.StaleState += l.Counts.StaleState
	}
	return c
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		subs: make(map[chan struct{}]struct{}),
	}
}

// Update replaces the per-light statuses and notifies subscribers.
func (t *Tracker) Update(lights []logic.LightStatus) {
	cp := make([]logic.LightStatus, len(lights))
	copy(cp, lights)

	t.mu.Lock()
	t.snap.Lights = cp
	t.mu.Unlock()
	t.notify()
}

// SetReady marks the controller as started.
func (t *Tracker) SetReady(ready bool) {
	t.mu.Lock()
	t.snap.Ready = ready
	t.mu.Unlock()
	t.notify()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	changed := t.snap.MQTTConnected != connected
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Lights = append([]logic.LightStatus(nil), t.snap.Lights...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}

// Subscribe returns a channel that receives a value after every change.
// Notifications coalesce; a slow reader sees at most one pending signal.
// Call cancel to unsubscribe.
func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.subMu.Lock()
	t.subs[ch] = struct{}{}
	t.subMu.Unlock()

	return ch, func() {
		t.subMu.Lock()
		delete(t.subs, ch)
		t.subMu.Unlock()
	}
}

func (t *Tracker) notify() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
