package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sweeney/light-brightness/internal/logic"
)

// Switch actions accepted on a light's action topic.
const (
	ActionDoubleTapUp   = "double_tap_up"
	ActionDoubleTapDown = "double_tap_down"
)

// Controller receives inbound light events.
type Controller interface {
	ObservePower(ctx context.Context, id string, p logic.Power, now time.Time) error
	SelectMode(ctx context.Context, id string, m logic.Mode, now time.Time) error
	DoubleTap(ctx context.Context, id string, up bool, now time.Time) error
}

type lightState struct {
	seen  bool
	power logic.Power
	raw   *int
}

// Lights exposes managed lights on the bus as a logic.Actuator and
// logic.ModeSelect. It caches the latest reported state and the retained
// mode of every light.
type Lights struct {
	client Client
	topics Topics
	qos    byte
	log    *log.Logger
	now    func() time.Time

	mu     sync.RWMutex
	states map[string]*lightState
	modes  map[string]logic.Mode
	ctrl   Controller
}

// NewLights creates the adapter for the given light ids.
func NewLights(client Client, topics Topics, ids []string, qos byte, l *log.Logger) *Lights {
	ls := &Lights{
		client: client,
		topics: topics,
		qos:    qos,
		log:    l,
		now:    time.Now,
		states: make(map[string]*lightState, len(ids)),
		modes:  make(map[string]logic.Mode, len(ids)),
	}
	for _, id := range ids {
		ls.states[id] = &lightState{}
	}
	return ls
}

// SetNow overrides the time source used for inbound events.
func (l *Lights) SetNow(now func() time.Time) { l.now = now }

// Subscribe starts listening for state, retained mode, mode selections and
// switch actions. Until Attach, inbound events only update the cache.
func (l *Lights) Subscribe() error {
	subs := []struct {
		suffix string
		h      Handler
	}{
		{SuffixState, l.handleState},
		{SuffixMode, l.handleMode},
		{SuffixModeSet, l.handleModeSet},
		{SuffixAction, l.handleAction},
	}
	for _, s := range subs {
		if err := l.client.Subscribe(l.topics.Wildcard(s.suffix), l.qos, s.h); err != nil {
			return err
		}
	}
	return nil
}

// Attach routes inbound events to ctrl.
func (l *Lights) Attach(ctrl Controller) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctrl = ctrl
}

func (l *Lights) controller() Controller {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ctrl
}

func (l *Lights) managed(msg Message, suffix string) (string, bool) {
	id, err := l.topics.LightID(msg.Topic, suffix)
	if err != nil {
		l.log.WithError(err).Debug("ignoring message")
		return "", false
	}
	l.mu.RLock()
	_, ok := l.states[id]
	l.mu.RUnlock()
	return id, ok
}

func (l *Lights) handleState(msg Message) {
	id, ok := l.managed(msg, SuffixState)
	if !ok {
		return
	}
	p, raw, err := ParseStatePayload(msg.Payload)
	if err != nil {
		l.log.WithField("light", id).WithError(err).Warn("bad state payload")
		return
	}

	l.mu.Lock()
	st := l.states[id]
	st.seen = true
	st.power = p
	st.raw = raw
	l.mu.Unlock()

	l.dispatchPower(id, p)
}

// SensePower records an on/off state sensed outside the bus (a GPIO line)
// and forwards it to the controller.
func (l *Lights) SensePower(id string, p logic.Power) {
	l.mu.Lock()
	st, ok := l.states[id]
	if ok {
		st.seen = true
		st.power = p
	}
	l.mu.Unlock()
	if ok {
		l.dispatchPower(id, p)
	}
}

func (l *Lights) dispatchPower(id string, p logic.Power) {
	ctrl := l.controller()
	if ctrl == nil {
		return
	}
	if err := ctrl.ObservePower(context.Background(), id, p, l.now()); err != nil {
		l.logDispatch(id, err, "observe power")
	}
}

func (l *Lights) handleMode(msg Message) {
	id, ok := l.managed(msg, SuffixMode)
	if !ok {
		return
	}
	m, err := logic.ParseMode(strings.TrimSpace(string(msg.Payload)))
	if err != nil {
		l.log.WithField("light", id).WithError(err).Warn("bad retained mode")
		return
	}
	l.mu.Lock()
	l.modes[id] = m
	l.mu.Unlock()
}

func (l *Lights) handleModeSet(msg Message) {
	if msg.Retained {
		return
	}
	id, ok := l.managed(msg, SuffixModeSet)
	if !ok {
		return
	}
	m, err := logic.ParseMode(strings.TrimSpace(string(msg.Payload)))
	if err != nil {
		l.log.WithField("light", id).WithError(err).Warn("bad mode selection")
		return
	}
	ctrl := l.controller()
	if ctrl == nil {
		l.log.WithField("light", id).Warn("mode selection before startup ignored")
		return
	}
	if err := ctrl.SelectMode(context.Background(), id, m, l.now()); err != nil {
		l.logDispatch(id, err, "select mode")
	}
}

func (l *Lights) handleAction(msg Message) {
	if msg.Retained {
		return
	}
	id, ok := l.managed(msg, SuffixAction)
	if !ok {
		return
	}
	var up bool
	switch strings.TrimSpace(string(msg.Payload)) {
	case ActionDoubleTapUp:
		up = true
	case ActionDoubleTapDown:
	default:
		return
	}
	ctrl := l.controller()
	if ctrl == nil {
		return
	}
	if err := ctrl.DoubleTap(context.Background(), id, up, l.now()); err != nil {
		l.logDispatch(id, err, "double tap")
	}
}

func (l *Lights) logDispatch(id string, err error, what string) {
	entry := l.log.WithField("light", id).WithError(err)
	if errors.Is(err, logic.ErrNotStarted) {
		entry.Debug(what + " before startup")
		return
	}
	entry.Error(what + " failed")
}

// Power returns the last reported power state, or unknown if none arrived.
func (l *Lights) Power(id string) (logic.Power, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.states[id]
	if !ok {
		return logic.PowerUnknown, fmt.Errorf("%w: %s", logic.ErrUnknownLight, id)
	}
	return st.power, nil
}

// Brightness returns the last reported brightness as a percentage.
func (l *Lights) Brightness(id string) (float64, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.states[id]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", logic.ErrUnknownLight, id)
	}
	if !st.seen {
		return 0, false, errors.New("no state reported yet")
	}
	if st.raw == nil {
		return 0, false, nil
	}
	return RawToPercent(*st.raw), true, nil
}

// SetBrightness publishes a brightness command.
func (l *Lights) SetBrightness(id string, pct int, transition time.Duration) error {
	payload, err := FormatSetPayload(pct, transition)
	if err != nil {
		return fmt.Errorf("format command: %w", err)
	}
	return l.client.Publish(l.topics.Set(id), l.qos, false, payload)
}

// Mode returns the retained mode, defaulting to Automatic.
func (l *Lights) Mode(id string) (logic.Mode, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.modes[id]; ok {
		return m, nil
	}
	return logic.ModeAutomatic, nil
}

// SetMode records and publishes the mode (retained).
func (l *Lights) SetMode(id string, m logic.Mode) error {
	l.mu.Lock()
	l.modes[id] = m
	l.mu.Unlock()
	return l.client.Publish(l.topics.Mode(id), l.qos, true, []byte(m))
}

// PublishEvent sends a controller event to the events topic.
func (l *Lights) PublishEvent(e logic.Event) error {
	payload, err := FormatEventPayload(e)
	if err != nil {
		return fmt.Errorf("format event: %w", err)
	}
	return l.client.Publish(l.topics.Events(), 0, false, payload)
}

// PublishSystem sends a lifecycle event to the system topic.
func (l *Lights) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return l.client.Publish(l.topics.System(), 1, event.Retained, payload)
}

// IsConnected reports the underlying client's connection state.
func (l *Lights) IsConnected() bool {
	return l.client.IsConnected()
}
