package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/light-brightness/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string      `json:"event,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Ready         bool        `json:"ready"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     string      `json:"start_time"`
	Timestamp     string      `json:"timestamp"`
	MQTT          MQTTStatus  `json:"mqtt"`
	Counts        CountsJSON  `json:"event_counts"`
	Lights        []LightJSON `json:"lights"`
	Config        ConfigJSON  `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Commands        int `json:"commands"`
	ModeChanges     int `json:"mode_changes"`
	ManualOverrides int `json:"manual_overrides"`
	TurnedOn        int `json:"turned_on"`
	TurnedOff       int `json:"turned_off"`
	NoMatch         int `json:"no_match"`
	StaleState      int `json:"stale_state"`
}

// LightJSON is the JSON representation of one light.
type LightJSON struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Mode            string     `json:"mode"`
	Power           string     `json:"power"`
	Phase           string     `json:"phase"`
	Setpoint        *int       `json:"setpoint"`
	LastTarget      *int       `json:"last_target"`
	LastTransitionS float64    `json:"last_transition_s"`
	LastOutcome     string     `json:"last_outcome"`
	LastEvaluation  string     `json:"last_evaluation,omitempty"`
	Counts          CountsJSON `json:"event_counts"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	IntervalMs  int64  `json:"interval_ms"`
	FollowUpMs  int64  `json:"follow_up_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	TopicPrefix string `json:"topic_prefix"`
	HTTPAddr    string `json:"http_addr"`
	History     bool   `json:"history"`
}

func countsJSON(c logic.EventCounts) CountsJSON {
	return CountsJSON{
		Commands:        c.Commands,
		ModeChanges:     c.ModeChanges,
		ManualOverrides: c.ManualOverrides,
		TurnedOn:        c.TurnedOn,
		TurnedOff:       c.TurnedOff,
		NoMatch:         c.NoMatch,
		StaleState:      c.StaleState,
	}
}

// Light converts a light status to its JSON form.
func Light(st logic.LightStatus) LightJSON {
	power := string(st.Power)
	if power == "" {
		power = "UNKNOWN"
	}
	l := LightJSON{
		ID:              st.ID,
		Name:            st.Name,
		Mode:            string(st.Mode),
		Power:           power,
		Phase:           string(st.Phase),
		Setpoint:        st.Setpoint,
		LastTarget:      st.LastTarget,
		LastTransitionS: st.LastTransition.Seconds(),
		LastOutcome:     string(st.LastOutcome),
		Counts:          countsJSON(st.Counts),
	}
	if !st.LastEvaluation.IsZero() {
		l.LastEvaluation = st.LastEvaluation.UTC().Format(time.RFC3339)
	}
	return l
}

func buildInner(snap Snapshot) StatusInner {
	lights := make([]LightJSON, 0, len(snap.Lights))
	for _, st := range snap.Lights {
		lights = append(lights, Light(st))
	}

	return StatusInner{
		Ready:         snap.Ready,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts:        countsJSON(snap.Counts()),
		Lights:        lights,
		Config: ConfigJSON{
			IntervalMs:  snap.Config.IntervalMs,
			FollowUpMs:  snap.Config.FollowUpMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			TopicPrefix: snap.Config.TopicPrefix,
			HTTPAddr:    snap.Config.HTTPAddr,
			History:     snap.Config.History,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
