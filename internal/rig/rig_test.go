package rig

import (
	"errors"
	"strings"
	"testing"
	"time"

	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/physics"
)

type fakeWorld struct {
	added    []*physics.RaycastVehicle
	removed  []*physics.RaycastVehicle
	addErr   error
	hooks    []func()
	canceled int
}

func (w *fakeWorld) AddVehicle(vehicle *physics.RaycastVehicle) error {
	if w.addErr != nil {
		return w.addErr
	}
	w.added = append(w.added, vehicle)
	return nil
}

func (w *fakeWorld) RemoveVehicle(vehicle *physics.RaycastVehicle) {
	w.removed = append(w.removed, vehicle)
}

func (w *fakeWorld) OnPostStep(hook func()) func() {
	w.hooks = append(w.hooks, hook)
	return func() { w.canceled++ }
}

func (w *fakeWorld) step() {
	for _, hook := range w.hooks {
		hook()
	}
}

func newBuiltRig(t *testing.T) (*Rig, *fakeWorld, *params.Store) {
	t.Helper()
	world := &fakeWorld{}
	store := params.Defaults()
	r := New(Context{World: world, Store: store})
	if err := r.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return r, world, store
}

func TestBuildAttachesFourWheelsInIndexOrder(t *testing.T) {
	r, world, store := newBuiltRig(t)
	if len(world.added) != 1 {
		t.Fatalf("expected one registered vehicle, got %d", len(world.added))
	}
	wheels, err := r.Wheels()
	if err != nil {
		t.Fatalf("Wheels: %v", err)
	}
	if len(wheels) != params.WheelCount {
		t.Fatalf("expected 4 wheels, got %d", len(wheels))
	}
	for index, wheel := range wheels {
		if wheel.ChassisConnectionPointLocal != store.MountPoints[index] {
			t.Fatalf("wheel %d mounted at %+v, want %+v", index, wheel.ChassisConnectionPointLocal, store.MountPoints[index])
		}
	}
	if wheels[params.LeftHind].ChassisConnectionPointLocal.Z >= 0 || wheels[params.RightFront].ChassisConnectionPointLocal.X >= 0 {
		t.Fatalf("index convention broken: %+v", wheels)
	}
}

func TestBuildFailureLeavesNothingRegistered(t *testing.T) {
	world := &fakeWorld{}
	store := params.Defaults()
	store.Geometry.AxleLocal = physics.Vec3{}
	r := New(Context{World: world, Store: store})
	err := r.Build()
	if !errors.Is(err, ErrBuildFailure) || !strings.Contains(err.Error(), "wheel 0") {
		t.Fatalf("expected build failure naming wheel 0, got %v", err)
	}
	if len(world.added) != 0 || len(world.hooks) != 0 {
		t.Fatalf("failed build must not register anything")
	}
	if err := r.Steer(1); !errors.Is(err, ErrNotReady) {
		t.Fatalf("unbuilt rig must report ErrNotReady, got %v", err)
	}
}

func TestBuildRegistrationFailure(t *testing.T) {
	world := &fakeWorld{addErr: errors.New("world closed")}
	r := New(Context{World: world, Store: params.Defaults()})
	if err := r.Build(); !errors.Is(err, ErrBuildFailure) {
		t.Fatalf("expected ErrBuildFailure, got %v", err)
	}
	if r.Built() {
		t.Fatalf("rig must stay unbuilt")
	}
}

func TestOperationsBeforeAssetsReadyAreNoOps(t *testing.T) {
	ready := make(chan struct{})
	world := &fakeWorld{}
	r := New(Context{World: world, Store: params.Defaults(), Ready: ready})
	if err := r.Build(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before assets resolve, got %v", err)
	}
	for name, op := range map[string]func() error{
		"steer":  func() error { return r.Steer(1) },
		"drive":  func() error { return r.Drive(1) },
		"brake":  func() error { return r.Brake(10) },
		"reset":  r.Reset,
		"stop":   r.Stop,
		"radius": func() error { return r.SetWheelRadius(params.AxleFront, 0.5) },
	} {
		if err := op(); !errors.Is(err, ErrNotReady) {
			t.Fatalf("%s: expected ErrNotReady, got %v", name, err)
		}
	}
	if _, err := r.Snapshot(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("snapshot: expected ErrNotReady, got %v", err)
	}
	close(ready)
	if err := r.Build(); err != nil {
		t.Fatalf("Build after ready: %v", err)
	}
	if len(world.added) != 1 {
		t.Fatalf("expected registration after ready")
	}
}

func TestRebuildChassisShapeIsIdempotentAndKeepsBody(t *testing.T) {
	r, world, store := newBuiltRig(t)
	body := world.added[0].Chassis
	store.ChassisDimension = physics.Vec3{X: 2, Y: 1.2, Z: 5}
	if err := r.RebuildChassisShape(); err != nil {
		t.Fatalf("RebuildChassisShape: %v", err)
	}
	first := body.Shapes[0].HalfExtents
	if err := r.RebuildChassisShape(); err != nil {
		t.Fatalf("RebuildChassisShape: %v", err)
	}
	second := body.Shapes[0].HalfExtents
	if first != second || first != (physics.Vec3{X: 1, Y: 0.6, Z: 2.5}) {
		t.Fatalf("unexpected half extents %+v then %+v", first, second)
	}
	if len(body.Shapes) != 1 || world.added[0].Chassis != body {
		t.Fatalf("rebuild must replace the shape in place")
	}
}

func TestSetWheelRadiusUpdatesOneAxle(t *testing.T) {
	r, _, _ := newBuiltRig(t)
	before, _ := r.Wheels()
	beforeGeometry, _ := r.WheelGeometry(params.LeftHind)
	if err := r.SetWheelRadius(params.AxleFront, 0.42); err != nil {
		t.Fatalf("SetWheelRadius: %v", err)
	}
	after, _ := r.Wheels()
	if after[2].Radius != 0.42 || after[3].Radius != 0.42 {
		t.Fatalf("front wheels not updated: %v %v", after[2].Radius, after[3].Radius)
	}
	if after[0].Radius != before[0].Radius || after[1].Radius != before[1].Radius {
		t.Fatalf("hind wheels must be unchanged")
	}
	geometry, _ := r.WheelGeometry(params.RightFront)
	if geometry.Radius != 0.42 || geometry.Width != 0.21 || geometry.Segments != WheelSegments {
		t.Fatalf("unexpected helper geometry %+v", geometry)
	}
	if hind, _ := r.WheelGeometry(params.LeftHind); hind != beforeGeometry {
		t.Fatalf("hind helper geometry must keep its revision")
	}
	if err := r.SetWheelRadius(params.AxleHind, 0); !errors.Is(err, params.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestSteerOnlyFrontWheels(t *testing.T) {
	r, _, store := newBuiltRig(t)
	if err := r.Steer(-1); err != nil {
		t.Fatalf("Steer: %v", err)
	}
	wheels, _ := r.Wheels()
	want := -store.Forces.MaxSteerAngle
	if wheels[2].Steering != want || wheels[3].Steering != want {
		t.Fatalf("front steering = %v/%v, want %v", wheels[2].Steering, wheels[3].Steering, want)
	}
	if wheels[0].Steering != 0 || wheels[1].Steering != 0 {
		t.Fatalf("hind wheels must never steer")
	}
}

func TestDriveAndBrakeAllWheels(t *testing.T) {
	r, _, store := newBuiltRig(t)
	if err := r.Drive(1); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if err := r.Brake(12); err != nil {
		t.Fatalf("Brake: %v", err)
	}
	wheels, _ := r.Wheels()
	for index, wheel := range wheels {
		if wheel.EngineForce != -store.Forces.MaxEngineForce {
			t.Fatalf("wheel %d engine force %v", index, wheel.EngineForce)
		}
		if wheel.Brake != 12 {
			t.Fatalf("wheel %d brake %v", index, wheel.Brake)
		}
	}
	if err := r.ReleaseBrakes(); err != nil {
		t.Fatalf("ReleaseBrakes: %v", err)
	}
	wheels, _ = r.Wheels()
	for index, wheel := range wheels {
		if wheel.Brake != 0 {
			t.Fatalf("wheel %d brake not released", index)
		}
	}
}

func TestResetRestoresSpawnWithoutTouchingStore(t *testing.T) {
	r, world, store := newBuiltRig(t)
	before := *store
	chassis := world.added[0].Chassis
	chassis.Position = physics.Vec3{X: 5, Y: 0.5, Z: -3}
	chassis.Quaternion = physics.QuatFromAxisAngle(physics.Vec3{Y: 1}, 1)
	chassis.Velocity = physics.Vec3{Z: 10}
	chassis.AngularVelocity = physics.Vec3{Y: 2}
	if err := r.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if chassis.Position != SpawnPosition || chassis.Quaternion != physics.IdentityQuat() {
		t.Fatalf("unexpected pose %+v %+v", chassis.Position, chassis.Quaternion)
	}
	if chassis.Velocity != (physics.Vec3{}) || chassis.AngularVelocity != (physics.Vec3{}) {
		t.Fatalf("velocities must be zeroed")
	}
	if *store != before {
		t.Fatalf("reset must not alter the store")
	}
}

func TestStopPulsesHindBrakes(t *testing.T) {
	now := time.Unix(100, 0)
	world := &fakeWorld{}
	r := New(Context{World: world, Store: params.Defaults()}, WithClock(func() time.Time { return now }))
	if err := r.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	_ = r.Drive(1)
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wheels, _ := r.Wheels()
	if wheels[0].Brake != StopBrakeForce || wheels[1].Brake != StopBrakeForce || wheels[2].Brake != 0 {
		t.Fatalf("unexpected brakes %v %v %v", wheels[0].Brake, wheels[1].Brake, wheels[2].Brake)
	}
	for index, wheel := range wheels {
		if wheel.EngineForce != 0 {
			t.Fatalf("wheel %d engine force must be cut", index)
		}
	}
	world.step()
	if wheels, _ := r.Wheels(); wheels[0].Brake != StopBrakeForce {
		t.Fatalf("brake released before the pulse elapsed")
	}
	now = now.Add(StopPulse)
	world.step()
	if wheels, _ := r.Wheels(); wheels[0].Brake != 0 || wheels[1].Brake != 0 {
		t.Fatalf("brake pulse not released")
	}
}

func TestSnapshotCapturesDerivedValues(t *testing.T) {
	r, _, store := newBuiltRig(t)
	_ = r.SetMass(300)
	snapshot, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.ChassisMass != 300 || len(snapshot.Wheels) != 4 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.HalfExtents != (physics.Vec3{X: 0.98, Y: 0.5, Z: 2.235}) {
		t.Fatalf("unexpected half extents %+v", snapshot.HalfExtents)
	}
	store.ChassisMass = 1
	if snapshot.Store.ChassisMass == 1 {
		t.Fatalf("snapshot store must be a copy")
	}
}

func TestApplySuspensionUpdatesAllWheels(t *testing.T) {
	r, _, store := newBuiltRig(t)
	suspension := store.Suspension
	suspension.Stiffness = 80
	suspension.RestLength = 0.3
	if err := r.ApplySuspension(suspension); err != nil {
		t.Fatalf("ApplySuspension: %v", err)
	}
	wheels, _ := r.Wheels()
	for index, wheel := range wheels {
		if wheel.SuspensionStiffness != 80 || wheel.SuspensionRestLength != 0.3 {
			t.Fatalf("wheel %d not updated: %+v", index, wheel.WheelOptions)
		}
	}
	suspension.Stiffness = -1
	if err := r.ApplySuspension(suspension); !errors.Is(err, params.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestDestroyUnregisters(t *testing.T) {
	r, world, _ := newBuiltRig(t)
	r.Destroy()
	if len(world.removed) != 1 || world.canceled != 1 {
		t.Fatalf("expected unregister and hook cancel, got %d/%d", len(world.removed), world.canceled)
	}
	if err := r.Drive(1); !errors.Is(err, ErrNotReady) {
		t.Fatalf("destroyed rig must report ErrNotReady, got %v", err)
	}
}
