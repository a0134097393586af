package logic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sweeney/light-brightness/internal/schedule"
)

// Defaults for the immediate follow-up recompute.
const (
	DefaultFollowUpDelay      = 5 * time.Second
	DefaultFollowUpTransition = 295 * time.Second

	// driftTolerance is how far (in percentage points) the live brightness
	// may differ from the last setpoint before it counts as a manual change.
	driftTolerance = 5
)

// Actuator reads and commands a light.
type Actuator interface {
	Power(id string) (Power, error)
	// Brightness returns the live brightness percentage; ok is false when
	// the light reports none.
	Brightness(id string) (pct float64, ok bool, err error)
	// SetBrightness is fire-and-forget; it turns the light on if needed.
	SetBrightness(id string, pct int, transition time.Duration) error
}

// ModeSelect is the platform's mode-select entity for each light.
type ModeSelect interface {
	Mode(id string) (Mode, error)
	SetMode(id string, m Mode) error
}

// SetpointStore persists the last brightness the controller commanded.
// A missing setpoint is reported with ok == false.
type SetpointStore interface {
	Setpoint(ctx context.Context, id string) (pct int, ok bool, err error)
	SetSetpoint(ctx context.Context, id string, pct int) error
	ClearSetpoint(ctx context.Context, id string) error
}

// Sink receives every event the controller emits. It must not call back
// into the controller.
type Sink func(Event)

// Deps are the controller's collaborators.
type Deps struct {
	Actuator  Actuator
	Modes     ModeSelect
	Setpoints SetpointStore
	Clock     Clock
	Logger    *log.Logger
	Sink      Sink
}

// Controller owns the runtime state of every managed light.
// Operations on one light are serialised; lights are independent.
type Controller struct {
	actuator  Actuator
	modes     ModeSelect
	setpoints SetpointStore
	clock     Clock
	log       *log.Logger
	sink      Sink

	followUpDelay      time.Duration
	followUpTransition time.Duration

	lights map[string]*lightRuntime
	order  []string
}

type lightRuntime struct {
	mu      sync.Mutex
	cfg     LightConfig
	started bool
	mode    Mode
	// epoch changes on every mode change; delayed recomputes carry the
	// epoch they were scheduled under.
	epoch  uint64
	arming *Arming

	setpoint       *int
	lastTarget     *int
	lastTransition time.Duration
	lastOutcome    Outcome
	lastEvaluation time.Time
	counts         EventCounts
}

// Option customises a Controller.
type Option func(*Controller)

// WithFollowUp overrides the delay and fade budget of the follow-up recompute
// scheduled after an immediate evaluation inside a gap.
func WithFollowUp(delay, transition time.Duration) Option {
	return func(c *Controller) {
		c.followUpDelay = delay
		c.followUpTransition = transition
	}
}

// NewController creates a controller for the given lights. Lights are not
// acted upon until Start.
func NewController(lights []LightConfig, deps Deps, opts ...Option) *Controller {
	c := &Controller{
		actuator:           deps.Actuator,
		modes:              deps.Modes,
		setpoints:          deps.Setpoints,
		clock:              deps.Clock,
		log:                deps.Logger,
		sink:               deps.Sink,
		followUpDelay:      DefaultFollowUpDelay,
		followUpTransition: DefaultFollowUpTransition,
		lights:             make(map[string]*lightRuntime, len(lights)),
	}
	if c.clock == nil {
		c.clock = RealClock{}
	}
	if c.log == nil {
		c.log = log.StandardLogger()
	}
	for _, o := range opts {
		o(c)
	}
	for _, cfg := range lights {
		if _, dup := c.lights[cfg.ID]; dup {
			continue
		}
		c.lights[cfg.ID] = &lightRuntime{cfg: cfg, mode: ModeAutomatic, lastOutcome: OutcomeInactive}
		c.order = append(c.order, cfg.ID)
	}
	return c
}

// Lights returns the managed light ids in configuration order.
func (c *Controller) Lights() []string {
	return append([]string(nil), c.order...)
}

// Start initialises each light from live state: the mode is whatever the
// mode-select currently holds, and arming follows the live on/off state.
// A light whose state cannot be read still starts, with unknown power.
func (c *Controller) Start(ctx context.Context, now time.Time) {
	for _, id := range c.order {
		lr := c.lights[id]
		lr.mu.Lock()
		c.startLocked(ctx, lr, now)
		lr.mu.Unlock()
	}
}

func (c *Controller) startLocked(ctx context.Context, lr *lightRuntime, now time.Time) {
	id := lr.cfg.ID
	entry := c.log.WithField("light", id)

	power, err := c.actuator.Power(id)
	if err != nil {
		entry.WithError(err).Warn("light state unavailable at startup")
		power = PowerUnknown
	}

	mode, err := c.modes.Mode(id)
	if err != nil {
		entry.WithError(err).Warn("mode unavailable at startup, assuming Automatic")
		mode = ModeAutomatic
	}

	if pct, ok, err := c.setpoints.Setpoint(ctx, id); err != nil {
		entry.WithError(err).Warn("last setpoint unavailable at startup")
	} else if ok {
		lr.setpoint = &pct
	}

	lr.mode = mode
	lr.arming = NewArming(lr.cfg.OnThreshold, lr.cfg.OffThreshold, power, now)
	lr.started = true

	entry.WithFields(log.Fields{
		"name":  lr.cfg.DisplayName(),
		"mode":  mode,
		"power": power,
		"phase": lr.arming.Phase(),
	}).Info("light started")
}

// Evaluate computes the schedule target for now and applies it if the light
// is in Automatic mode and on (or opts.IgnoreState is set).
func (c *Controller) Evaluate(ctx context.Context, id string, now time.Time, opts EvalOptions) (Outcome, error) {
	lr, err := c.light(id)
	if err != nil {
		return OutcomeInactive, err
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return c.evaluateLocked(ctx, lr, now, opts)
}

// EvaluateAll runs Evaluate for every light. One light's failure never
// affects another; failures are logged.
func (c *Controller) EvaluateAll(ctx context.Context, now time.Time, opts EvalOptions) map[string]Outcome {
	out := make(map[string]Outcome, len(c.order))
	for _, id := range c.order {
		outcome, err := c.Evaluate(ctx, id, now, opts)
		if err != nil && !errors.Is(err, ErrStaleState) {
			c.log.WithField("light", id).WithError(err).Warn("evaluation failed")
		}
		out[id] = outcome
	}
	return out
}

func (c *Controller) evaluateLocked(ctx context.Context, lr *lightRuntime, now time.Time, opts EvalOptions) (Outcome, error) {
	outcome, err := c.decideLocked(ctx, lr, now, opts)
	lr.lastOutcome = outcome
	lr.lastEvaluation = now
	return outcome, err
}

func (c *Controller) decideLocked(ctx context.Context, lr *lightRuntime, now time.Time, opts EvalOptions) (Outcome, error) {
	id := lr.cfg.ID
	entry := c.log.WithField("light", id)

	if !lr.started {
		return OutcomeInactive, ErrNotStarted
	}
	if lr.mode != ModeAutomatic {
		return OutcomeInactive, nil
	}

	power, err := c.actuator.Power(id)
	if err != nil {
		return c.staleLocked(lr, now, fmt.Errorf("read power: %w", err))
	}
	if !opts.IgnoreState {
		switch power {
		case PowerOff:
			return OutcomeInactive, nil
		case PowerUnknown:
			return c.staleLocked(lr, now, errors.New("power unknown"))
		}
	}

	var current float64
	if opts.CheckCurrentBrightness {
		pct, ok, err := c.actuator.Brightness(id)
		if err != nil {
			return c.staleLocked(lr, now, fmt.Errorf("read brightness: %w", err))
		}
		if ok {
			current = pct
		}
	}

	min, max := float64(lr.cfg.MinBrightness), float64(lr.cfg.MaxBrightness)
	target, err := lr.cfg.Schedule.Target(now, min, max, schedule.Options{
		Transition: opts.Transition,
		Immediate:  opts.Immediate,
	})
	if errors.Is(err, schedule.ErrNoMatch) {
		entry.WithField("at", now.Format("15:04:05")).Warn("no schedule window matches; schedule does not cover the whole day")
		c.emitLocked(lr, Event{Timestamp: now, Type: EventNoMatch, Reason: "no schedule window matches"})
		return OutcomeNoMatch, nil
	}
	if err != nil {
		return OutcomeInactive, err
	}

	if target.FollowUp {
		c.scheduleFollowUpLocked(lr)
	}

	pct := target.Percent
	lr.lastTarget = &pct
	lr.lastTransition = target.Transition

	last, haveLast, err := c.setpoints.Setpoint(ctx, id)
	if err != nil {
		return c.staleLocked(lr, now, fmt.Errorf("read setpoint: %w", err))
	}
	if haveLast && last == target.Percent {
		return OutcomeUnchanged, nil
	}

	if opts.CheckCurrentBrightness && haveLast && math.Abs(float64(last)-current) > driftTolerance {
		entry.WithFields(log.Fields{
			"setpoint": last,
			"current":  math.Round(current),
		}).Info("brightness changed manually, not moving")
		c.emitLocked(lr, Event{Timestamp: now, Type: EventManualOverride, Percent: int(math.Round(current)), Reason: "live brightness drifted from setpoint"})
		c.setModeLocked(lr, ModeManual, now, "manual override")
		return OutcomeManualOverride, nil
	}

	if err := c.actuator.SetBrightness(id, target.Percent, target.Transition); err != nil {
		entry.WithError(err).Error("set brightness failed")
		return OutcomeInactive, fmt.Errorf("set brightness: %w", err)
	}
	if err := c.setpoints.SetSetpoint(ctx, id, target.Percent); err != nil {
		entry.WithError(err).Error("persist setpoint failed")
	}
	lr.setpoint = &pct

	entry.WithFields(log.Fields{
		"pct":        target.Percent,
		"transition": target.Transition,
		"gap":        target.InGap,
	}).Info("setting auto-brightness")
	c.emitLocked(lr, Event{Timestamp: now, Type: EventBrightnessSet, Percent: target.Percent, Transition: target.Transition, Reason: "schedule"})
	return OutcomeApplied, nil
}

func (c *Controller) staleLocked(lr *lightRuntime, now time.Time, cause error) (Outcome, error) {
	c.log.WithField("light", lr.cfg.ID).WithError(cause).Warn("skipping cycle, light state unavailable")
	c.emitLocked(lr, Event{Timestamp: now, Type: EventStaleState, Reason: cause.Error()})
	return OutcomeStale, fmt.Errorf("%w: %v", ErrStaleState, cause)
}

// scheduleFollowUpLocked queues a faded recompute. It no-ops at fire time if
// the mode changed in between.
func (c *Controller) scheduleFollowUpLocked(lr *lightRuntime) {
	epoch := lr.epoch
	c.clock.AfterFunc(c.followUpDelay, func() {
		lr.mu.Lock()
		defer lr.mu.Unlock()
		if lr.epoch != epoch {
			return
		}
		c.evaluateLocked(context.Background(), lr, c.clock.Now(), EvalOptions{Transition: c.followUpTransition}) //nolint:errcheck // logged inside
	})
}

// SelectMode handles an external mode-select change. Maximum and Minimum
// command the configured level at once; Automatic forgets the setpoint and
// recomputes immediately.
func (c *Controller) SelectMode(ctx context.Context, id string, mode Mode, now time.Time) error {
	lr, err := c.light(id)
	if err != nil {
		return err
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return c.selectModeLocked(ctx, lr, mode, now)
}

func (c *Controller) selectModeLocked(ctx context.Context, lr *lightRuntime, mode Mode, now time.Time) error {
	if !lr.started {
		return ErrNotStarted
	}

	c.setModeLocked(lr, mode, now, "mode selected")

	switch mode {
	case ModeMaximum:
		return c.commandLevelLocked(lr, lr.cfg.MaxBrightness, now, "mode Maximum")
	case ModeMinimum:
		return c.commandLevelLocked(lr, lr.cfg.MinBrightness, now, "mode Minimum")
	case ModeAutomatic:
		c.clearSetpointLocked(ctx, lr)
		_, err := c.evaluateLocked(ctx, lr, now, EvalOptions{Immediate: true})
		if errors.Is(err, ErrStaleState) {
			return nil
		}
		return err
	}
	return nil
}

// DoubleTap toggles between Automatic and Maximum (up) or Minimum (down).
// The current mode is read and replaced under one lock.
func (c *Controller) DoubleTap(ctx context.Context, id string, up bool, now time.Time) error {
	lr, err := c.light(id)
	if err != nil {
		return err
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()

	target := ModeMaximum
	if !up {
		target = ModeMinimum
	}
	if lr.mode == target {
		target = ModeAutomatic
	}
	c.log.WithFields(log.Fields{"light": id, "up": up, "mode": target}).Info("double tapped")
	return c.selectModeLocked(ctx, lr, target, now)
}

// ObservePower feeds a raw on/off report through the arming layer.
// A debounced off returns the light to Automatic with no setpoint; a
// debounced on recomputes immediately when in Automatic mode.
func (c *Controller) ObservePower(ctx context.Context, id string, p Power, now time.Time) error {
	lr, err := c.light(id)
	if err != nil {
		return err
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if !lr.started {
		return ErrNotStarted
	}

	fired, settleAfter := lr.arming.Observe(p, now)
	if settleAfter > 0 {
		c.clock.AfterFunc(settleAfter, func() { c.settle(lr) })
	} else if p != PowerUnknown {
		lr.arming.Settle(now)
	}

	switch fired {
	case TransitionOff:
		c.log.WithFields(log.Fields{"light": id, "name": lr.cfg.DisplayName()}).Info("turned off, setting mode to Automatic and resetting last setpoint")
		c.emitLocked(lr, Event{Timestamp: now, Type: EventTurnedOff})
		c.clearSetpointLocked(ctx, lr)
		if lr.mode != ModeAutomatic {
			c.setModeLocked(lr, ModeAutomatic, now, "light turned off")
		}
	case TransitionOn:
		c.emitLocked(lr, Event{Timestamp: now, Type: EventTurnedOn})
		if lr.mode == ModeAutomatic {
			_, err := c.evaluateLocked(ctx, lr, now, EvalOptions{Immediate: true})
			if err != nil && !errors.Is(err, ErrStaleState) {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) settle(lr *lightRuntime) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.arming.Settle(c.clock.Now()) {
		c.log.WithFields(log.Fields{"light": lr.cfg.ID, "phase": lr.arming.Phase()}).Debug("armed")
	}
}

func (c *Controller) setModeLocked(lr *lightRuntime, mode Mode, now time.Time, reason string) {
	lr.mode = mode
	lr.epoch++
	if err := c.modes.SetMode(lr.cfg.ID, mode); err != nil {
		c.log.WithField("light", lr.cfg.ID).WithError(err).Warn("publish mode failed")
	}
	c.log.WithFields(log.Fields{"light": lr.cfg.ID, "mode": mode, "reason": reason}).Info("mode changed")
	c.emitLocked(lr, Event{Timestamp: now, Type: EventModeChanged, Reason: reason})
}

func (c *Controller) commandLevelLocked(lr *lightRuntime, pct int, now time.Time, reason string) error {
	if err := c.actuator.SetBrightness(lr.cfg.ID, pct, 0); err != nil {
		return fmt.Errorf("set brightness: %w", err)
	}
	c.log.WithFields(log.Fields{"light": lr.cfg.ID, "pct": pct}).Info("setting brightness for mode")
	c.emitLocked(lr, Event{Timestamp: now, Type: EventBrightnessSet, Percent: pct, Reason: reason})
	return nil
}

func (c *Controller) clearSetpointLocked(ctx context.Context, lr *lightRuntime) {
	if err := c.setpoints.ClearSetpoint(ctx, lr.cfg.ID); err != nil {
		c.log.WithField("light", lr.cfg.ID).WithError(err).Error("reset setpoint failed")
	}
	lr.setpoint = nil
}

func (c *Controller) emitLocked(lr *lightRuntime, e Event) {
	e.LightID = lr.cfg.ID
	e.Mode = lr.mode
	lr.counts.add(e.Type)
	if c.sink != nil {
		c.sink(e)
	}
}

func (c *Controller) light(id string) (*lightRuntime, error) {
	lr, ok := c.lights[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLight, id)
	}
	return lr, nil
}

// Status returns a snapshot of one light.
func (c *Controller) Status(id string) (LightStatus, error) {
	lr, err := c.light(id)
	if err != nil {
		return LightStatus{}, err
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()

	st := LightStatus{
		ID:             id,
		Name:           lr.cfg.DisplayName(),
		Started:        lr.started,
		Mode:           lr.mode,
		Phase:          PhaseUnknown,
		Setpoint:       copyInt(lr.setpoint),
		LastTarget:     copyInt(lr.lastTarget),
		LastTransition: lr.lastTransition,
		LastOutcome:    lr.lastOutcome,
		LastEvaluation: lr.lastEvaluation,
		Counts:         lr.counts,
	}
	if lr.arming != nil {
		st.Power = lr.arming.Power()
		st.Phase = lr.arming.Phase()
	}
	return st, nil
}

// Statuses returns a snapshot of every light, ordered by id.
func (c *Controller) Statuses() []LightStatus {
	ids := c.Lights()
	sort.Strings(ids)
	out := make([]LightStatus, 0, len(ids))
	for _, id := range ids {
		st, _ := c.Status(id)
		out = append(out, st)
	}
	return out
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
