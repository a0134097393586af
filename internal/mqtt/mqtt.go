// Package mqtt connects the controller to lights over an MQTT bus, with an
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sweeney/light-brightness/internal/logic"
)

var (
	// ErrNotConnected is returned by Publish when offline and buffering is disabled.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrInvalidTopic is returned when a topic does not belong to a managed light.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)

// Message is a received MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler processes a received message. Handlers run one at a time, in
// the order messages arrived.
type Handler func(Message)

// Client is the subset of an MQTT client the controller needs.
type Client interface {
	// Publish sends payload. While disconnected the message may be
	// buffered and replayed on reconnect.
	Publish(topic string, qos byte, retained bool, payload []byte) error
	// Subscribe registers h for filter. Subscriptions survive reconnects.
	Subscribe(filter string, qos byte, h Handler) error
	IsConnected() bool
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Topics builds the topic layout under a common prefix.
type Topics struct {
	Prefix string
}

// Light topic suffixes.
const (
	SuffixState   = "state"
	SuffixSet     = "set"
	SuffixMode    = "mode"
	SuffixModeSet = "mode/set"
	SuffixAction  = "action"
)

func (t Topics) light(id, suffix string) string { return t.Prefix + "/" + id + "/" + suffix }

// State is where a light reports its state (retained).
func (t Topics) State(id string) string { return t.light(id, SuffixState) }

// Set is where brightness commands for a light are sent.
func (t Topics) Set(id string) string { return t.light(id, SuffixSet) }

// Mode is where the controller publishes a light's mode (retained).
func (t Topics) Mode(id string) string { return t.light(id, SuffixMode) }

// ModeSet is where mode selections for a light arrive.
func (t Topics) ModeSet(id string) string { return t.light(id, SuffixModeSet) }

// Action is where switch actions such as double taps arrive.
func (t Topics) Action(id string) string { return t.light(id, SuffixAction) }

// Wildcard matches suffix for every light.
func (t Topics) Wildcard(suffix string) string { return t.light("+", suffix) }

// Events is where controller events are published.
func (t Topics) Events() string { return t.Prefix + "/controller/events" }

// System is where lifecycle and heartbeat messages are published (retained).
func (t Topics) System() string { return t.Prefix + "/controller/system" }

// LightID extracts the light id from a topic ending in suffix.
func (t Topics) LightID(topic, suffix string) (string, error) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	id, ok := strings.CutSuffix(rest, "/"+suffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return id, nil
}

// Match reports whether topic matches filter, which may use + and #.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// PercentToRaw converts a percentage to the 0-255 wire brightness.
func PercentToRaw(pct int) int {
	raw := int(math.Round(float64(pct) * 2.55))
	return max(0, min(255, raw))
}

// RawToPercent converts a 0-255 wire brightness to a percentage.
func RawToPercent(raw int) float64 {
	return float64(raw) / 2.55
}

// StatePayload is what a light reports on its state topic.
type StatePayload struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness,omitempty"`
}

// SetPayload is a brightness command.
type SetPayload struct {
	State      string  `json:"state"`
	Brightness int     `json:"brightness"`
	Transition float64 `json:"transition"`
}

// FormatSetPayload creates the command payload for pct over transition.
func FormatSetPayload(pct int, transition time.Duration) ([]byte, error) {
	return json.Marshal(SetPayload{
		State:      string(logic.PowerOn),
		Brightness: PercentToRaw(pct),
		Transition: transition.Seconds(),
	})
}

// ParseStatePayload decodes a light state report.
func ParseStatePayload(b []byte) (logic.Power, *int, error) {
	var p StatePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return logic.PowerUnknown, nil, fmt.Errorf("decode state: %w", err)
	}
	switch strings.ToUpper(p.State) {
	case "ON":
		return logic.PowerOn, p.Brightness, nil
	case "OFF":
		return logic.PowerOff, p.Brightness, nil
	}
	return logic.PowerUnknown, nil, fmt.Errorf("decode state: unknown state %q", p.State)
}

// EventPayload is the JSON published for each controller event.
type EventPayload struct {
	Timestamp  string   `json:"timestamp"`
	Event      string   `json:"event"`
	Light      string   `json:"light"`
	Mode       string   `json:"mode"`
	Percent    *int     `json:"percent,omitempty"`
	Transition *float64 `json:"transition,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// FormatEventPayload creates the JSON payload for a controller event.
func FormatEventPayload(e logic.Event) ([]byte, error) {
	p := EventPayload{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Event:     string(e.Type),
		Light:     e.LightID,
		Mode:      string(e.Mode),
		Reason:    e.Reason,
	}
	if e.Type == logic.EventBrightnessSet || e.Type == logic.EventManualOverride {
		pct := e.Percent
		p.Percent = &pct
	}
	if e.Type == logic.EventBrightnessSet {
		secs := e.Transition.Seconds()
		p.Transition = &secs
	}
	return json.Marshal(p)
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
