package history

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/light-brightness/internal/config"
	"github.com/sweeney/light-brightness/internal/logic"
)

func TestConnectDisabled(t *testing.T) {
	w, err := Connect(config.InfluxDBConfig{Enabled: false}, nil)
	assert.Nil(t, w)
	assert.True(t, errors.Is(err, ErrDisabled))
}

func TestPointForBrightnessSet(t *testing.T) {
	ts := time.Date(2026, 3, 14, 21, 45, 0, 0, time.UTC)
	p := pointFor(logic.Event{
		Timestamp:  ts,
		Type:       logic.EventBrightnessSet,
		LightID:    "hall",
		Mode:       logic.ModeAutomatic,
		Percent:    17,
		Transition: 300 * time.Second,
		Reason:     "schedule",
	})

	assert.Equal(t, Measurement, p.Name())
	assert.Equal(t, ts, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"light": "hall", "event": "BRIGHTNESS_SET", "mode": "Automatic"}, tags)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	require.Contains(t, fields, "percent")
	assert.EqualValues(t, 17, fields["percent"])
	assert.Equal(t, 300.0, fields["transition_s"])
	assert.Equal(t, "schedule", fields["reason"])
}

func TestPointForModeChangeHasNoPercent(t *testing.T) {
	p := pointFor(logic.Event{Type: logic.EventModeChanged, LightID: "hall", Mode: logic.ModeManual, Reason: "manual override"})
	for _, f := range p.FieldList() {
		assert.NotEqual(t, "percent", f.Key)
	}
}
