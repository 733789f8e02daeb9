package params

import (
	"errors"
	"fmt"
	"math"

	"raycastlab/tuner/internal/physics"
)

var (
	// ErrInvalidParameter reports a write that would violate a store invariant.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrUnknownField reports a registry lookup for an identifier that is not registered.
	ErrUnknownField = errors.New("unknown parameter field")
)

// WheelCount is the fixed number of wheels on the rig.
const WheelCount = 4

// Wheel indices follow a fixed convention shared by the rig, the sync bridge
// and the generated module.
const (
	LeftHind = iota
	RightHind
	LeftFront
	RightFront
)

// Axle selects a left/right wheel pair.
type Axle string

const (
	AxleFront Axle = "front"
	AxleHind  Axle = "hind"
)

// Wheels returns the two wheel indices mounted on the axle.
func (a Axle) Wheels() [2]int {
	if a == AxleFront {
		return [2]int{LeftFront, RightFront}
	}
	return [2]int{LeftHind, RightHind}
}

// Valid reports whether a names a known axle.
func (a Axle) Valid() bool { return a == AxleFront || a == AxleHind }

// AxleOf returns the axle a wheel index belongs to.
func AxleOf(index int) Axle {
	if index == LeftFront || index == RightFront {
		return AxleFront
	}
	return AxleHind
}

// IsRightSide reports whether the wheel sits on the mirrored side of the chassis.
func IsRightSide(index int) bool { return index == RightHind || index == RightFront }

// AxlePair holds one value per axle.
type AxlePair struct {
	Front float64 `json:"front"`
	Hind  float64 `json:"hind"`
}

// For returns the value of the requested axle.
func (p AxlePair) For(axle Axle) float64 {
	if axle == AxleFront {
		return p.Front
	}
	return p.Hind
}

// Suspension groups the coefficients shared by all four wheels.
type Suspension struct {
	Stiffness          float64 `json:"stiffness"`
	RestLength         float64 `json:"rest_length"`
	FrictionSlip       float64 `json:"friction_slip"`
	DampingRelaxation  float64 `json:"damping_relaxation"`
	DampingCompression float64 `json:"damping_compression"`
	MaxForce           float64 `json:"max_force"`
	MaxTravel          float64 `json:"max_travel"`
	RollInfluence      float64 `json:"roll_influence"`
	Radius             float64 `json:"radius"`
}

// Validate checks every coefficient against the store invariants.
func (s Suspension) Validate() error {
	checks := []struct {
		name     string
		value    float64
		positive bool
		signed   bool
	}{
		{"suspension.stiffness", s.Stiffness, false, false},
		{"suspension.rest_length", s.RestLength, false, false},
		{"suspension.friction_slip", s.FrictionSlip, false, false},
		{"suspension.damping_relaxation", s.DampingRelaxation, false, true},
		{"suspension.damping_compression", s.DampingCompression, false, true},
		{"suspension.max_force", s.MaxForce, false, false},
		{"suspension.max_travel", s.MaxTravel, false, false},
		{"suspension.roll_influence", s.RollInfluence, false, false},
		{"suspension.radius", s.Radius, true, false},
	}
	for _, check := range checks {
		var err error
		switch {
		case check.positive:
			err = requirePositive(check.name, check.value)
		case check.signed:
			err = requireFinite(check.name, check.value)
		default:
			err = requireNonNegative(check.name, check.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Forces groups the actuation magnitudes used by the control state machine.
type Forces struct {
	MaxSteerAngle   float64 `json:"max_steer_angle"`
	MaxEngineForce  float64 `json:"max_engine_force"`
	BrakeForce      float64 `json:"brake_force"`
	CoastBrakeForce float64 `json:"coast_brake_force"`
}

// Validate checks that every force magnitude is finite and non-negative.
func (f Forces) Validate() error {
	for _, check := range []namedValue{
		{"forces.max_steer_angle", f.MaxSteerAngle},
		{"forces.max_engine_force", f.MaxEngineForce},
		{"forces.brake_force", f.BrakeForce},
		{"forces.coast_brake_force", f.CoastBrakeForce},
	} {
		if err := requireNonNegative(check.name, check.value); err != nil {
			return err
		}
	}
	return nil
}

// WheelGeometry holds the fixed per-wheel vectors of the raycast model.
type WheelGeometry struct {
	DirectionLocal               physics.Vec3 `json:"direction_local"`
	AxleLocal                    physics.Vec3 `json:"axle_local"`
	CustomSlidingRotationalSpeed float64      `json:"custom_sliding_rotational_speed"`
}

// Store is the mutable record of every tunable rig parameter.
type Store struct {
	ChassisDimension   physics.Vec3             `json:"chassis_dimension"`
	ChassisModelOffset physics.Vec3             `json:"chassis_model_offset"`
	WheelScale         AxlePair                 `json:"wheel_scale"`
	WheelRadius        AxlePair                 `json:"wheel_radius"`
	MountPoints        [WheelCount]physics.Vec3 `json:"mount_points"`
	Suspension         Suspension               `json:"suspension"`
	Geometry           WheelGeometry            `json:"geometry"`
	Bindings           Bindings                 `json:"bindings"`
	Forces             Forces                   `json:"forces"`
	ChassisMass        float64                  `json:"chassis_mass"`
	Helpers            HelperVisibility         `json:"helpers"`
}

// HelperVisibility toggles the debug proxies drawn around the chassis and wheels.
type HelperVisibility struct {
	Chassis bool `json:"chassis"`
	Wheels  bool `json:"wheels"`
}

// Defaults returns the parameter set of the bundled demo car.
func Defaults() *Store {
	suspension := Suspension{
		Stiffness:          55,
		RestLength:         0.5,
		FrictionSlip:       30,
		DampingRelaxation:  2.3,
		DampingCompression: 4.3,
		MaxForce:           10000,
		MaxTravel:          1,
		RollInfluence:      0.01,
		Radius:             0.34,
	}
	return &Store{
		ChassisDimension:   physics.Vec3{X: 1.96, Y: 1, Z: 4.47},
		ChassisModelOffset: physics.Vec3{X: 0, Y: -0.59, Z: 0},
		WheelScale:         AxlePair{Front: 0.67, Hind: 0.67},
		WheelRadius:        AxlePair{Front: suspension.Radius, Hind: suspension.Radius},
		MountPoints: [WheelCount]physics.Vec3{
			LeftHind:   {X: 0.75, Y: 0.1, Z: -1.32},
			RightHind:  {X: -0.78, Y: 0.1, Z: -1.32},
			LeftFront:  {X: 0.75, Y: 0.1, Z: 1.25},
			RightFront: {X: -0.78, Y: 0.1, Z: 1.25},
		},
		Suspension: suspension,
		Geometry: WheelGeometry{
			DirectionLocal:               physics.Vec3{Y: -1},
			AxleLocal:                    physics.Vec3{X: -1},
			CustomSlidingRotationalSpeed: 30,
		},
		Bindings: DefaultBindings(),
		Forces: Forces{
			MaxSteerAngle:   0.5,
			MaxEngineForce:  750,
			BrakeForce:      36,
			CoastBrakeForce: 19.6,
		},
		ChassisMass: 250,
	}
}

// Clone returns an independent copy of the store.
func (s *Store) Clone() *Store {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Validate checks every invariant of the store.
func (s *Store) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: store is nil", ErrInvalidParameter)
	}
	for _, check := range []namedValue{
		{"chassis.dimension.x", s.ChassisDimension.X},
		{"chassis.dimension.y", s.ChassisDimension.Y},
		{"chassis.dimension.z", s.ChassisDimension.Z},
		{"wheels.front.scale", s.WheelScale.Front},
		{"wheels.hind.scale", s.WheelScale.Hind},
		{"wheels.front.radius", s.WheelRadius.Front},
		{"wheels.hind.radius", s.WheelRadius.Hind},
		{"vehicle.mass", s.ChassisMass},
	} {
		if err := requirePositive(check.name, check.value); err != nil {
			return err
		}
	}
	if !s.ChassisModelOffset.IsFinite() {
		return fmt.Errorf("%w: chassis.offset must be finite", ErrInvalidParameter)
	}
	for i, point := range s.MountPoints {
		if !point.IsFinite() {
			return fmt.Errorf("%w: wheels.%d.mount must be finite", ErrInvalidParameter, i)
		}
	}
	if err := s.Suspension.Validate(); err != nil {
		return err
	}
	if err := s.Forces.Validate(); err != nil {
		return err
	}
	return s.Bindings.Validate()
}

// namedValue pairs a field identifier with the value checked under it.
type namedValue struct {
	name  string
	value float64
}

func requireFinite(name string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s must be finite, got %v", ErrInvalidParameter, name, value)
	}
	return nil
}

func requireNonNegative(name string, value float64) error {
	if err := requireFinite(name, value); err != nil {
		return err
	}
	if value < 0 {
		return fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidParameter, name, value)
	}
	return nil
}

func requirePositive(name string, value float64) error {
	if err := requireFinite(name, value); err != nil {
		return err
	}
	if value <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParameter, name, value)
	}
	return nil
}
