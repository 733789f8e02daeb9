package control

import (
	"errors"
	"sort"
	"sync"

	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/rig"
)

// Actuator is the slice of the vehicle rig the state machine drives.
type Actuator interface {
	Steer(fraction float64) error
	Drive(fraction float64) error
	Brake(force float64) error
	ReleaseBrakes() error
	Reset() error
}

// Steering is the resolved steering axis of one evaluation.
type Steering string

const (
	SteerNone  Steering = "none"
	SteerLeft  Steering = "left"
	SteerRight Steering = "right"
)

// Drive is the resolved drive axis of one evaluation.
type Drive string

const (
	DriveNone     Drive = "none"
	DriveForward  Drive = "forward"
	DriveBackward Drive = "backward"
)

// Command describes the actuations issued by one evaluation. When Brake is
// set the steering and drive axes were not evaluated.
type Command struct {
	Reset bool     `json:"reset"`
	Brake bool     `json:"brake"`
	Steer Steering `json:"steer,omitempty"`
	Drive Drive    `json:"drive,omitempty"`
	Coast bool     `json:"coast"`
}

// Context carries the handles the machine needs. Bindings and forces are read
// from Store on every evaluation so edits apply immediately.
type Context struct {
	Rig    Actuator
	Store  *params.Store
	Logger *logging.Logger
}

// Machine converts key events into rig actuations.
type Machine struct {
	mu   sync.Mutex
	ctx  Context
	log  *logging.Logger
	held map[string]struct{}
	last Command
}

// NewMachine constructs a machine with no keys held.
func NewMachine(ctx Context) *Machine {
	logger := ctx.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Machine{ctx: ctx, log: logger.Named("control"), held: make(map[string]struct{})}
}

// KeyDown adds the key to the held set and evaluates.
func (m *Machine) KeyDown(key string) Command {
	if m == nil {
		return Command{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if symbol := params.CanonicalKey(key); symbol != "" {
		m.held[symbol] = struct{}{}
	}
	return m.evaluateLocked()
}

// KeyUp removes the key from the held set and evaluates.
func (m *Machine) KeyUp(key string) Command {
	if m == nil {
		return Command{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, params.CanonicalKey(key))
	return m.evaluateLocked()
}

// ReleaseAll clears the held set, used when the input source disconnects.
func (m *Machine) ReleaseAll() Command {
	if m == nil {
		return Command{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = make(map[string]struct{})
	return m.evaluateLocked()
}

// Evaluate re-runs the precedence rules against the current held set.
func (m *Machine) Evaluate() Command {
	if m == nil {
		return Command{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked()
}

// HeldKeys returns the held symbols in sorted order.
func (m *Machine) HeldKeys() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.held))
	for key := range m.held {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Last returns the command issued by the most recent evaluation.
func (m *Machine) Last() Command {
	if m == nil {
		return Command{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Machine) active(bindings params.Bindings, action params.Action) bool {
	for key := range m.held {
		if bindings.Matches(action, key) {
			return true
		}
	}
	return false
}

func (m *Machine) evaluateLocked() Command {
	var command Command
	if m.ctx.Store == nil || m.ctx.Rig == nil {
		return command
	}
	bindings := m.ctx.Store.Bindings
	forces := m.ctx.Store.Forces

	//1.- Reset is a one-shot transform override and does not end the evaluation.
	if m.active(bindings, params.ActionReset) {
		command.Reset = true
		m.actuate("reset", m.ctx.Rig.Reset())
	}

	//2.- Brake preempts steering and drive for this evaluation.
	if m.active(bindings, params.ActionBrake) {
		command.Brake = true
		m.actuate("brake", m.ctx.Rig.Brake(forces.BrakeForce))
		m.last = command
		return command
	}

	//3.- Release brakes, then resolve steering with left checked first.
	m.actuate("release brakes", m.ctx.Rig.ReleaseBrakes())
	switch {
	case m.active(bindings, params.ActionLeft):
		command.Steer = SteerLeft
		m.actuate("steer", m.ctx.Rig.Steer(1))
	case m.active(bindings, params.ActionRight):
		command.Steer = SteerRight
		m.actuate("steer", m.ctx.Rig.Steer(-1))
	default:
		command.Steer = SteerNone
		m.actuate("steer", m.ctx.Rig.Steer(0))
	}

	//4.- Drive with forward checked first; coasting cuts the engine and applies rolling resistance.
	switch {
	case m.active(bindings, params.ActionForward):
		command.Drive = DriveForward
		m.actuate("drive", m.ctx.Rig.Drive(1))
	case m.active(bindings, params.ActionBackward):
		command.Drive = DriveBackward
		m.actuate("drive", m.ctx.Rig.Drive(-1))
	default:
		command.Drive = DriveNone
		command.Coast = true
		// The engine force must drop here: ReleaseAll relies on coasting to
		// stop a rig whose drive key was held by a disconnected panel.
		m.actuate("coast", m.ctx.Rig.Drive(0))
		m.actuate("coast", m.ctx.Rig.Brake(forces.CoastBrakeForce))
	}
	m.last = command
	return command
}

func (m *Machine) actuate(operation string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, rig.ErrNotReady) {
		m.log.Debug("actuation skipped, rig not ready", logging.String("operation", operation))
		return
	}
	m.log.Warn("actuation failed", logging.String("operation", operation), logging.Error(err))
}
