package logic

import (
	"context"
	"sync"
	"time"
)

// Command is a brightness command recorded by FakeActuator.
type Command struct {
	LightID    string
	Percent    int
	Transition time.Duration
}

// FakeActuator is an in-memory light for tests.
type FakeActuator struct {
	mu         sync.Mutex
	power      map[string]Power
	brightness map[string]float64
	// Commands contains every SetBrightness call.
	Commands []Command
	// PowerError, if set, is returned by Power.
	PowerError error
	// BrightnessError, if set, is returned by Brightness.
	BrightnessError error
	// SetError, if set, is returned by SetBrightness.
	SetError error
}

// NewFakeActuator creates an empty FakeActuator.
func NewFakeActuator() *FakeActuator {
	return &FakeActuator{
		power:      make(map[string]Power),
		brightness: make(map[string]float64),
	}
}

// SetPower sets the reported power state.
func (f *FakeActuator) SetPower(id string, p Power) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power[id] = p
}

// SetLiveBrightness sets the reported brightness, as if changed at the wall.
func (f *FakeActuator) SetLiveBrightness(id string, pct float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brightness[id] = pct
}

// Power returns the reported power state.
func (f *FakeActuator) Power(id string) (Power, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PowerError != nil {
		return PowerUnknown, f.PowerError
	}
	return f.power[id], nil
}

// Brightness returns the reported brightness.
func (f *FakeActuator) Brightness(id string) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BrightnessError != nil {
		return 0, false, f.BrightnessError
	}
	pct, ok := f.brightness[id]
	return pct, ok, nil
}

// SetBrightness records the command and updates the reported state.
func (f *FakeActuator) SetBrightness(id string, pct int, transition time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.Commands = append(f.Commands, Command{LightID: id, Percent: pct, Transition: transition})
	f.power[id] = PowerOn
	f.brightness[id] = float64(pct)
	return nil
}

// CommandCount returns the number of recorded commands.
func (f *FakeActuator) CommandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Commands)
}

// LastCommand returns the most recent command, if any.
func (f *FakeActuator) LastCommand() (Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Commands) == 0 {
		return Command{}, false
	}
	return f.Commands[len(f.Commands)-1], true
}

// FakeModes is an in-memory mode-select.
type FakeModes struct {
	mu    sync.Mutex
	modes map[string]Mode
	// History contains every SetMode call.
	History []Mode
}

// NewFakeModes creates an empty FakeModes.
func NewFakeModes() *FakeModes {
	return &FakeModes{modes: make(map[string]Mode)}
}

// Mode returns the stored mode, defaulting to Automatic.
func (f *FakeModes) Mode(id string) (Mode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.modes[id]; ok {
		return m, nil
	}
	return ModeAutomatic, nil
}

// SetMode stores the mode.
func (f *FakeModes) SetMode(id string, m Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes[id] = m
	f.History = append(f.History, m)
	return nil
}

// MemorySetpoints is an in-memory SetpointStore.
type MemorySetpoints struct {
	mu   sync.Mutex
	vals map[string]int
}

// NewMemorySetpoints creates an empty store.
func NewMemorySetpoints() *MemorySetpoints {
	return &MemorySetpoints{vals: make(map[string]int)}
}

// Setpoint returns the stored setpoint.
func (m *MemorySetpoints) Setpoint(_ context.Context, id string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[id]
	return v, ok, nil
}

// SetSetpoint stores a setpoint.
func (m *MemorySetpoints) SetSetpoint(_ context.Context, id string, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[id] = pct
	return nil
}

// ClearSetpoint forgets the setpoint.
func (m *MemorySetpoints) ClearSetpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, id)
	return nil
}
