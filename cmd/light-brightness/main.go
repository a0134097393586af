// Command light-brightness drives light brightness from a time-of-day
// schedule over MQTT, with per-light mode selection and manual override
// detection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/light-brightness/internal/config"
	"github.com/sweeney/light-brightness/internal/gpio"
	"github.com/sweeney/light-brightness/internal/history"
	"github.com/sweeney/light-brightness/internal/logging"
	"github.com/sweeney/light-brightness/internal/logic"
	"github.com/sweeney/light-brightness/internal/mqtt"
	"github.com/sweeney/light-brightness/internal/status"
	"github.com/sweeney/light-brightness/internal/store"
	"github.com/sweeney/light-brightness/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the configuration")
	check := flag.Bool("check", false, "Validate the configuration, print the resolved lights and exit")
	printState := flag.Bool("print-state", false, "Print the sensed GPIO state and exit")

	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("failed to load env file")
	}

	if err := run(*configPath, *check, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(configPath string, check, printState bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)

	lights, lightErrs := cfg.LightConfigs()
	for _, e := range lightErrs {
		logger.WithError(e).Error("skipping light")
	}
	if len(lights) == 0 {
		return errors.New("no valid lights configured")
	}

	if check {
		printLights(os.Stdout, lights)
		return nil
	}

	ids := make([]string, len(lights))
	for i, l := range lights {
		ids[i] = l.ID
	}

	// GPIO sense lines are optional; without them state comes from MQTT only.
	var reader gpio.Reader
	lines := senseLines(cfg.GPIOLines(), ids)
	senseIDs := make([]string, len(lines))
	for i, l := range lines {
		senseIDs[i] = l.LightID
	}
	if len(lines) > 0 {
		r, err := gpio.NewRealReader(cfg.GPIO.Chip, lines)
		if err != nil {
			if printState {
				return fmt.Errorf("init gpio: %w", err)
			}
			logger.WithError(err).Warn("gpio unavailable, sensing over MQTT only")
		} else {
			reader = r
			defer r.Close()
		}
	}

	if printState {
		if reader == nil {
			return errors.New("no gpio sense lines configured")
		}
		sample, err := reader.Read()
		if err != nil {
			return fmt.Errorf("read gpio: %w", err)
		}
		for _, id := range sortedKeys(sample) {
			fmt.Printf("%s: %s\n", id, logic.PowerFromBool(sample[id]))
		}
		return nil
	}

	setpoints, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer setpoints.Close()
	logStoredSetpoints(context.Background(), setpoints, ids, logger)

	hist, err := history.Connect(cfg.InfluxDB, logger)
	switch {
	case errors.Is(err, history.ErrDisabled):
		hist = nil
	case err != nil:
		logger.WithError(err).Warn("history unavailable, continuing without it")
		hist = nil
	default:
		defer hist.Close()
	}

	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
	tracker := status.NewTracker(time.Now(), status.Config{
		IntervalMs:  cfg.Recompute.Interval.Milliseconds(),
		FollowUpMs:  cfg.Recompute.FollowUpDelay.Milliseconds(),
		HeartbeatMs: cfg.Recompute.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		HTTPAddr:    cfg.HTTP.Addr,
		History:     hist != nil,
	})

	will, _ := mqtt.FormatSystemPayload(mqtt.SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "connection lost"})
	client, err := mqtt.NewRealClient(mqtt.ClientConfig{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		WillTopic:   topics.System(),
		WillPayload: will,
		BufferSize:  cfg.MQTT.BufferSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer client.Close()

	// Controller events ask the loop to refresh the status tracker.
	changed := make(chan struct{}, 1)

	bus := mqtt.NewLights(client, topics, ids, cfg.MQTT.QoS, logger)
	if err := bus.Subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ctrl := logic.NewController(lights, logic.Deps{
		Actuator:  bus,
		Modes:     bus,
		Setpoints: setpoints,
		Clock:     logic.RealClock{},
		Logger:    logger,
		Sink:      eventSink(bus, hist, changed, logger),
	}, logic.WithFollowUp(cfg.Recompute.FollowUpDelay, cfg.Recompute.FollowUpTransition))

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	if err := bus.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}); err != nil {
		logger.WithError(err).Warn("failed to publish startup event")
	} else {
		logger.Info("published startup event")
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, ctrl, web.Options{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Transition:     cfg.Recompute.Interval,
			Logger:         logger,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.WithField("addr", cfg.HTTP.Addr).Info("http status server listening")
	}

	logger.WithFields(log.Fields{
		"lights":    len(lights),
		"broker":    cfg.MQTT.Broker,
		"interval":  cfg.Recompute.Interval,
		"heartbeat": cfg.Recompute.Heartbeat,
		"gpio":      reader != nil,
	}).Info("started")

	recompute := time.NewTicker(cfg.Recompute.Interval)
	defer recompute.Stop()

	var poll, heartbeat <-chan time.Time
	if reader != nil {
		t := time.NewTicker(cfg.GPIO.PollInterval)
		defer t.Stop()
		poll = t.C
	}
	if cfg.Recompute.Heartbeat > 0 {
		t := time.NewTicker(cfg.Recompute.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return runLoop(ctx, loopDeps{
		ctrl:     ctrl,
		bus:      bus,
		tracker:  tracker,
		reader:   reader,
		filter:   logic.NewSenseFilter(cfg.GPIO.Glitch),
		senseIDs: senseIDs,
		interval: cfg.Recompute.Interval,
		logger:   logger,
		now:      time.Now,
	}, loopChans{
		start:     time.After(cfg.Recompute.StartDelay),
		recompute: recompute.C,
		poll:      poll,
		heartbeat: heartbeat,
		changed:   changed,
		sig:       sigCh,
	})
}

// eventSink fans controller events out to the MQTT event topic, the
// history writer when enabled, and the loop's status refresh. It runs with
// the light's lock held, so the refresh is only signalled, never done here.
func eventSink(bus *mqtt.Lights, hist *history.Writer, changed chan<- struct{}, logger *log.Logger) logic.Sink {
	return func(e logic.Event) {
		if err := bus.PublishEvent(e); err != nil {
			logger.WithError(err).WithField("event", e.Type).Debug("event publish failed")
		}
		if hist != nil {
			hist.Record(e)
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	}
}

type setpointLister interface {
	All(ctx context.Context) ([]store.Setpoint, error)
}

// logStoredSetpoints reports what survived the last run. Rows for lights
// that are no longer configured are left alone but flagged.
func logStoredSetpoints(ctx context.Context, st setpointLister, ids []string, logger *log.Logger) {
	rows, err := st.All(ctx)
	if err != nil {
		logger.WithError(err).Warn("list stored setpoints failed")
		return
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	for _, r := range rows {
		entry := logger.WithFields(log.Fields{"light": r.LightID, "pct": r.Percent, "updated": r.UpdatedAt})
		if !known[r.LightID] {
			entry.Warn("stored setpoint for unconfigured light")
			continue
		}
		entry.Info("restored setpoint")
	}
}

type loopDeps struct {
	ctrl     *logic.Controller
	bus      *mqtt.Lights
	tracker  *status.Tracker
	reader   gpio.Reader
	filter   *logic.SenseFilter
	senseIDs []string
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
}

type loopChans struct {
	start     <-chan time.Time
	recompute <-chan time.Time
	poll      <-chan time.Time
	heartbeat <-chan time.Time
	changed   <-chan struct{}
	sig       <-chan os.Signal
}

func runLoop(ctx context.Context, d loopDeps, ch loopChans) error {
	started := false

	refresh := func() {
		d.tracker.Update(d.ctrl.Statuses())
		d.tracker.SetMQTTConnected(d.bus.IsConnected())
	}

	for {
		select {
		case s := <-ch.sig:
			d.logger.WithField("signal", s).Info("shutting down")
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			refresh()
			snap := d.tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  d.now(),
				Event:      "SHUTDOWN",
				Reason:     signalName,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
			}
			if err := d.bus.PublishSystem(event); err != nil {
				d.logger.WithError(err).Warn("failed to publish shutdown event")
			} else {
				d.logger.Info("published shutdown event")
			}
			return nil

		case <-ch.start:
			// Mode is read back from the retained mode topic and power from
			// the state cache, so both must have had time to arrive.
			t := d.now()
			if d.reader != nil {
				for _, id := range d.senseIDs {
					if p := d.filter.State(id); p == logic.PowerUnknown {
						d.logger.WithField("light", id).Warn("gpio sense line not settled at startup, power unknown")
					} else {
						d.logger.WithFields(log.Fields{"light": id, "power": p}).Debug("sensed power at startup")
					}
				}
			}
			d.ctrl.Start(ctx, t)
			d.bus.Attach(d.ctrl)
			started = true
			d.tracker.SetReady(true)
			d.ctrl.EvaluateAll(ctx, t, logic.EvalOptions{
				Transition:             d.interval,
				CheckCurrentBrightness: true,
			})
			refresh()

		case <-ch.recompute:
			if !started {
				continue
			}
			outcomes := d.ctrl.EvaluateAll(ctx, d.now(), logic.EvalOptions{
				Transition:             d.interval,
				CheckCurrentBrightness: true,
			})
			d.logger.WithField("outcomes", outcomes).Debug("recompute")
			refresh()

		case <-ch.poll:
			t := d.now()
			sample, err := d.reader.Read()
			if err != nil {
				d.logger.WithError(err).Warn("gpio read error")
				continue
			}
			for _, change := range d.filter.Process(d.senseIDs, sample, t) {
				d.logger.WithFields(log.Fields{
					"light":    change.LightID,
					"power":    change.Power,
					"baseline": change.Baseline,
				}).Debug("sensed power")
				d.bus.SensePower(change.LightID, change.Power)
			}
			if started {
				refresh()
			}

		case <-ch.changed:
			refresh()

		case <-ch.heartbeat:
			refresh()
			snap := d.tracker.Snapshot()
			counts := snap.Counts()
			d.logger.WithFields(log.Fields{
				"uptime":   snap.Uptime().Truncate(time.Second),
				"commands": counts.Commands,
				"modes":    counts.ModeChanges,
			}).Info("heartbeat")
			if err := d.bus.PublishSystem(mqtt.SystemEvent{
				Timestamp:  d.now(),
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}); err != nil {
				d.logger.WithError(err).Warn("heartbeat publish error")
			}
		}
	}
}

// senseLines returns the GPIO lines of the lights that were accepted.
func senseLines(configured map[string]config.GPIOLine, ids []string) []gpio.Line {
	var lines []gpio.Line
	for _, id := range ids {
		if l, ok := configured[id]; ok {
			lines = append(lines, gpio.Line{LightID: id, Offset: l.Offset, ActiveLow: l.ActiveLow})
		}
	}
	return lines
}

func printLights(w io.Writer, lights []logic.LightConfig) {
	for _, l := range lights {
		fmt.Fprintf(w, "%s (%s): on=%v off=%v min=%d%% max=%d%%\n",
			l.ID, l.DisplayName(), l.OnThreshold, l.OffThreshold, l.MinBrightness, l.MaxBrightness)
		for _, e := range l.Schedule {
			fmt.Fprintf(w, "  %s-%s %s\n", e.Start, e.End, e.Level)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
