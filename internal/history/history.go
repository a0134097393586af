// Package history writes controller events to InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/light-brightness/internal/config"
	"github.com/sweeney/light-brightness/internal/logic"
)

// Measurement is the InfluxDB measurement every event is written to.
const Measurement = "light_event"

const pingTimeout = 5 * time.Second

// ErrDisabled is returned by Connect when history is switched off.
var ErrDisabled = errors.New("history: influxdb disabled")

// Writer batches events to InfluxDB in the background.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Connect checks the server is healthy and returns a Writer.
func Connect(cfg config.InfluxDBConfig, l *log.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(50).SetFlushInterval(10_000))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb ping: server not healthy")
	}

	w := &Writer{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go func() {
		for err := range w.writeAPI.Errors() {
			l.WithError(err).Warn("history write failed")
		}
	}()
	return w, nil
}

// Record queues e for writing. It never blocks on the network.
func (w *Writer) Record(e logic.Event) {
	w.writeAPI.WritePoint(pointFor(e))
}

// Close flushes pending points and closes the client.
func (w *Writer) Close() {
	w.writeAPI.Flush()
	w.client.Close()
}

func pointFor(e logic.Event) *write.Point {
	fields := map[string]interface{}{
		"reason": e.Reason,
	}
	if e.Type == logic.EventBrightnessSet || e.Type == logic.EventManualOverride {
		fields["percent"] = e.Percent
		fields["transition_s"] = e.Transition.Seconds()
	}
	return influxdb2.NewPoint(Measurement,
		map[string]string{
			"light": e.LightID,
			"event": string(e.Type),
			"mode":  string(e.Mode),
		},
		fields,
		e.Timestamp,
	)
}
