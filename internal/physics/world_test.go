package physics

import (
	"errors"
	"math"
	"testing"
)

func testWheel(point Vec3) WheelOptions {
	return WheelOptions{
		Radius:                      0.34,
		DirectionLocal:              Vec3{Y: -1},
		SuspensionStiffness:         55,
		SuspensionRestLength:        0.5,
		FrictionSlip:                30,
		DampingRelaxation:           2.3,
		DampingCompression:          4.3,
		MaxSuspensionForce:          10000,
		RollInfluence:               0.01,
		AxleLocal:                   Vec3{X: -1},
		ChassisConnectionPointLocal: point,
		MaxSuspensionTravel:         1,
	}
}

func newTestVehicle(t *testing.T) *RaycastVehicle {
	t.Helper()
	chassis := NewBody(250, Material{})
	chassis.AddShape(Box{HalfExtents: Vec3{X: 0.98, Y: 0.5, Z: 2.235}})
	chassis.Position = Vec3{Y: 1.2}
	vehicle, err := NewRaycastVehicle(VehicleOptions{Chassis: chassis, IndexRightAxis: 0, IndexUpAxis: 1, IndexForwardAxis: 2})
	if err != nil {
		t.Fatalf("NewRaycastVehicle: %v", err)
	}
	for _, point := range []Vec3{{X: 0.75, Y: 0.1, Z: -1.32}, {X: -0.78, Y: 0.1, Z: -1.32}, {X: 0.75, Y: 0.1, Z: 1.25}, {X: -0.78, Y: 0.1, Z: 1.25}} {
		if _, err := vehicle.AddWheel(testWheel(point)); err != nil {
			t.Fatalf("AddWheel: %v", err)
		}
	}
	return vehicle
}

func TestNewRaycastVehicleRejectsDuplicateAxes(t *testing.T) {
	_, err := NewRaycastVehicle(VehicleOptions{Chassis: NewBody(1, Material{}), IndexRightAxis: 0, IndexUpAxis: 0, IndexForwardAxis: 2})
	if !errors.Is(err, ErrInvalidAxes) {
		t.Fatalf("expected ErrInvalidAxes, got %v", err)
	}
}

func TestAddWheelRejectsNonPositiveRadius(t *testing.T) {
	vehicle := newTestVehicle(t)
	options := testWheel(Vec3{})
	options.Radius = 0
	if _, err := vehicle.AddWheel(options); !errors.Is(err, ErrInvalidWheel) {
		t.Fatalf("expected ErrInvalidWheel, got %v", err)
	}
	if len(vehicle.WheelInfos) != 4 {
		t.Fatalf("rejected wheel must not be attached, have %d", len(vehicle.WheelInfos))
	}
}

func TestActuationRejectsUnknownWheel(t *testing.T) {
	vehicle := newTestVehicle(t)
	if err := vehicle.SetBrake(1, 4); !errors.Is(err, ErrWheelIndex) {
		t.Fatalf("expected ErrWheelIndex, got %v", err)
	}
}

func TestWorldStepSettlesVehicleOnGround(t *testing.T) {
	world := NewWorld(Vec3{Y: -9.82})
	vehicle := newTestVehicle(t)
	if err := world.AddVehicle(vehicle); err != nil {
		t.Fatalf("AddVehicle: %v", err)
	}
	for i := 0; i < 600; i++ {
		world.Step(1.0 / 60)
	}
	y := vehicle.Chassis.Position.Y
	if y < 0.5 || y > 1.5 {
		t.Fatalf("expected chassis to rest on its suspension, y=%.3f", y)
	}
	for i, wheel := range vehicle.WheelInfos {
		if !wheel.InContact {
			t.Fatalf("wheel %d lost ground contact", i)
		}
	}
}

func TestWorldStepDrivesForwardWithNegativeEngineForce(t *testing.T) {
	world := NewWorld(Vec3{Y: -9.82})
	vehicle := newTestVehicle(t)
	_ = world.AddVehicle(vehicle)
	for i := 0; i < 120; i++ {
		world.Step(1.0 / 60)
	}
	for i := range vehicle.WheelInfos {
		_ = vehicle.ApplyEngineForce(-750, i)
	}
	for i := 0; i < 60; i++ {
		world.Step(1.0 / 60)
	}
	if vehicle.Chassis.Position.Z <= 0.1 {
		t.Fatalf("expected chassis to move along +Z, z=%.3f", vehicle.Chassis.Position.Z)
	}
}

func TestWorldRejectsDoubleRegistration(t *testing.T) {
	world := NewWorld(Vec3{Y: -9.82})
	vehicle := newTestVehicle(t)
	if err := world.AddVehicle(vehicle); err != nil {
		t.Fatalf("AddVehicle: %v", err)
	}
	if err := world.AddVehicle(vehicle); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	world.RemoveVehicle(vehicle)
	if world.Vehicles() != 0 {
		t.Fatalf("expected vehicle to be removed")
	}
}

func TestPostStepHooksRunInOrderAndCancel(t *testing.T) {
	world := NewWorld(Vec3{})
	var calls []string
	cancelA := world.OnPostStep(func() { calls = append(calls, "a") })
	world.OnPostStep(func() { calls = append(calls, "b") })
	world.Step(0.01)
	cancelA()
	cancelA()
	world.Step(0.01)
	want := []string{"a", "b", "b"}
	if len(calls) != len(want) {
		t.Fatalf("unexpected hook calls %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("unexpected hook calls %v", calls)
		}
	}
	if world.Steps() != 2 {
		t.Fatalf("expected 2 steps, got %d", world.Steps())
	}
}

func TestUpdateWheelTransformFollowsSuspension(t *testing.T) {
	vehicle := newTestVehicle(t)
	vehicle.WheelInfos[2].SuspensionLength = 0.4
	transform, err := vehicle.UpdateWheelTransform(2)
	if err != nil {
		t.Fatalf("UpdateWheelTransform: %v", err)
	}
	want := Vec3{X: 0.75, Y: 1.2 + 0.1 - 0.4, Z: 1.25}
	if math.Abs(transform.Position.X-want.X) > 1e-9 || math.Abs(transform.Position.Y-want.Y) > 1e-9 || math.Abs(transform.Position.Z-want.Z) > 1e-9 {
		t.Fatalf("unexpected wheel position %+v, want %+v", transform.Position, want)
	}
}
