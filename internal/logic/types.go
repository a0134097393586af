// Package logic contains the brightness controller: the per-light mode
// state machine, on/off arming, and the apply decision for schedule targets.
// Time is always injectable: via time.Time parameters or the Clock interface.
package logic

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/light-brightness/internal/schedule"
)

// Errors returned by the controller.
var (
	// ErrStaleState means the actuator's state is unavailable or inconsistent.
	// The cycle is skipped, not retried.
	ErrStaleState = errors.New("logic: stale light state")
	// ErrUnknownLight means the light id is not managed by this controller.
	ErrUnknownLight = errors.New("logic: unknown light")
	// ErrNotStarted means the light has not been initialised from live state yet.
	ErrNotStarted = errors.New("logic: light not started")
)

// Mode is who decides a light's brightness.
type Mode string

const (
	ModeAutomatic Mode = "Automatic"
	ModeMaximum   Mode = "Maximum"
	ModeMinimum   Mode = "Minimum"
	ModeManual    Mode = "Manual"
)

// ParseMode converts a mode-select value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAutomatic, ModeMaximum, ModeMinimum, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Power is the reported on/off state of a light.
type Power string

const (
	PowerUnknown Power = ""
	PowerOn      Power = "ON"
	PowerOff     Power = "OFF"
)

// PowerFromBool maps a sensed line level to a Power.
func PowerFromBool(on bool) Power {
	if on {
		return PowerOn
	}
	return PowerOff
}

// LightConfig is the static configuration of one light. Immutable after load.
type LightConfig struct {
	ID            string
	Name          string
	OnThreshold   time.Duration
	OffThreshold  time.Duration
	MinBrightness int
	MaxBrightness int
	Schedule      schedule.Schedule
}

// DisplayName returns the friendly name, falling back to the id.
func (c LightConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// EvalOptions controls a single evaluation.
type EvalOptions struct {
	// Transition is the fade budget for the command.
	Transition time.Duration
	// Immediate snaps to the instantaneous schedule value and schedules a
	// faded follow-up.
	Immediate bool
	// CheckCurrentBrightness enables manual override detection.
	CheckCurrentBrightness bool
	// IgnoreState evaluates even when the light is off.
	IgnoreState bool
}

// Outcome describes what an evaluation did.
type Outcome string

const (
	OutcomeApplied        Outcome = "APPLIED"
	OutcomeUnchanged      Outcome = "UNCHANGED"
	OutcomeManualOverride Outcome = "MANUAL_OVERRIDE"
	OutcomeInactive       Outcome = "INACTIVE"
	OutcomeNoMatch        Outcome = "NO_MATCH"
	OutcomeStale          Outcome = "STALE"
)

// EventType represents something the controller did or observed.
type EventType string

const (
	EventBrightnessSet  EventType = "BRIGHTNESS_SET"
	EventModeChanged    EventType = "MODE_CHANGED"
	EventManualOverride EventType = "MANUAL_OVERRIDE"
	EventTurnedOn       EventType = "TURNED_ON"
	EventTurnedOff      EventType = "TURNED_OFF"
	EventNoMatch        EventType = "NO_SCHEDULE_MATCH"
	EventStaleState     EventType = "STALE_STATE"
)

// Event is emitted to the configured Sink.
type Event struct {
	Timestamp  time.Time
	Type       EventType
	LightID    string
	Mode       Mode
	Percent    int
	Transition time.Duration
	Reason     string
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	Commands        int
	ModeChanges     int
	ManualOverrides int
	TurnedOn        int
	TurnedOff       int
	NoMatch         int
	StaleState      int
}

func (c *EventCounts) add(t EventType) {
	switch t {
	case EventBrightnessSet:
		c.Commands++
	case EventModeChanged:
		c.ModeChanges++
	case EventManualOverride:
		c.ManualOverrides++
	case EventTurnedOn:
		c.TurnedOn++
	case EventTurnedOff:
		c.TurnedOff++
	case EventNoMatch:
		c.NoMatch++
	case EventStaleState:
		c.StaleState++
	}
}

// LightStatus is a point-in-time view of one light.
type LightStatus struct {
	ID             string
	Name           string
	Started        bool
	Mode           Mode
	Power          Power
	Phase          Phase
	Setpoint       *int
	LastTarget     *int
	LastTransition time.Duration
	LastOutcome    Outcome
	LastEvaluation time.Time
	Counts         EventCounts
}
