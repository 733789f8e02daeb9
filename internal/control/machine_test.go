package control

import (
	"fmt"
	"reflect"
	"testing"

	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/rig"
)

type recordingRig struct {
	calls []string
	err   error
}

func (r *recordingRig) Steer(fraction float64) error {
	r.calls = append(r.calls, fmt.Sprintf("steer(%g)", fraction))
	return r.err
}

func (r *recordingRig) Drive(fraction float64) error {
	r.calls = append(r.calls, fmt.Sprintf("drive(%g)", fraction))
	return r.err
}

func (r *recordingRig) Brake(force float64) error {
	r.calls = append(r.calls, fmt.Sprintf("brake(%g)", force))
	return r.err
}

func (r *recordingRig) ReleaseBrakes() error {
	r.calls = append(r.calls, "release")
	return r.err
}

func (r *recordingRig) Reset() error {
	r.calls = append(r.calls, "reset")
	return r.err
}

func newMachine(store *params.Store) (*Machine, *recordingRig) {
	actuator := &recordingRig{}
	return NewMachine(Context{Rig: actuator, Store: store}), actuator
}

func holdKeys(m *Machine, rec *recordingRig, keys ...string) Command {
	for _, key := range keys {
		m.held[params.CanonicalKey(key)] = struct{}{}
	}
	rec.calls = nil
	return m.Evaluate()
}

func TestResetDoesNotSuppressDrive(t *testing.T) {
	m, rec := newMachine(params.Defaults())
	command := holdKeys(m, rec, "r", "w")
	want := []string{"reset", "release", "steer(0)", "drive(1)"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	if !command.Reset || command.Drive != DriveForward || command.Coast {
		t.Fatalf("unexpected command %+v", command)
	}
}

func TestBrakePreemptsSteerAndDrive(t *testing.T) {
	m, rec := newMachine(params.Defaults())
	command := holdKeys(m, rec, " ", "a", "w")
	want := []string{"brake(36)"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	if !command.Brake || command.Steer != "" || command.Drive != "" {
		t.Fatalf("unexpected command %+v", command)
	}
}

func TestLeftWinsSteeringTieAcrossBindingSets(t *testing.T) {
	m, rec := newMachine(params.Defaults())
	command := holdKeys(m, rec, "a", "ArrowRight")
	if command.Steer != SteerLeft {
		t.Fatalf("expected left to win, got %s", command.Steer)
	}
	if rec.calls[1] != "steer(1)" {
		t.Fatalf("expected positive steering fraction, got %v", rec.calls)
	}
}

func TestForwardWinsDriveTie(t *testing.T) {
	m, rec := newMachine(params.Defaults())
	command := holdKeys(m, rec, "s", "arrowup")
	if command.Drive != DriveForward {
		t.Fatalf("expected forward to win, got %s", command.Drive)
	}
}

func TestCoastCutsEngineAndAppliesRollingResistance(t *testing.T) {
	m, rec := newMachine(params.Defaults())
	command := holdKeys(m, rec, "d")
	want := []string{"release", "steer(-1)", "drive(0)", "brake(19.6)"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	if !command.Coast || command.Steer != SteerRight {
		t.Fatalf("unexpected command %+v", command)
	}
}

func TestKeyEventsAreLevelTriggered(t *testing.T) {
	m, rec := newMachine(params.Defaults())
	if command := m.KeyDown("W"); command.Drive != DriveForward {
		t.Fatalf("expected forward after keydown, got %+v", command)
	}
	if got := m.HeldKeys(); !reflect.DeepEqual(got, []string{"w"}) {
		t.Fatalf("held keys %v", got)
	}
	rec.calls = nil
	if command := m.KeyUp("w"); !command.Coast {
		t.Fatalf("expected coast after keyup, got %+v", command)
	}
	if len(m.HeldKeys()) != 0 {
		t.Fatalf("held set must be empty")
	}
}

func TestBindingsAreReadLive(t *testing.T) {
	store := params.Defaults()
	m, rec := newMachine(store)
	store.Bindings.Primary.Forward = "i"
	if command := holdKeys(m, rec, "i"); command.Drive != DriveForward {
		t.Fatalf("rebound key must drive forward, got %+v", command)
	}
}

func TestDuplicateBindingFiresBothActions(t *testing.T) {
	store := params.Defaults()
	store.Bindings.Primary.Left = "w"
	m, rec := newMachine(store)
	command := holdKeys(m, rec, "w")
	if command.Steer != SteerLeft || command.Drive != DriveForward {
		t.Fatalf("both actions must fire, got %+v", command)
	}
}

func TestNotReadyActuationsAreSwallowed(t *testing.T) {
	m, rec := newMachine(params.Defaults())
	rec.err = rig.ErrNotReady
	command := holdKeys(m, rec, "w")
	if command.Drive != DriveForward {
		t.Fatalf("evaluation must still resolve, got %+v", command)
	}
	if m.Last() != command {
		t.Fatalf("last command not recorded")
	}
}

func TestReleaseAllCoasts(t *testing.T) {
	m, rec := newMachine(params.Defaults())
	m.KeyDown("w")
	m.KeyDown("a")
	rec.calls = nil
	if command := m.ReleaseAll(); !command.Coast || command.Steer != SteerNone {
		t.Fatalf("unexpected command %+v", command)
	}
	want := []string{"release", "steer(0)", "drive(0)", "brake(19.6)"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
}
