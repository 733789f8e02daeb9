package physics

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrWheelIndex reports an actuation addressed to a wheel that does not exist.
	ErrWheelIndex = errors.New("wheel index out of range")
	// ErrInvalidWheel reports wheel options that cannot be simulated.
	ErrInvalidWheel = errors.New("invalid wheel options")
	// ErrInvalidAxes reports a vehicle axis convention that is not a permutation of 0..2.
	ErrInvalidAxes = errors.New("invalid vehicle axes")
)

// WheelOptions mirrors the per-wheel configuration of a raycast vehicle.
type WheelOptions struct {
	Radius                       float64 `json:"radius"`
	DirectionLocal               Vec3    `json:"direction_local"`
	SuspensionStiffness          float64 `json:"suspension_stiffness"`
	SuspensionRestLength         float64 `json:"suspension_rest_length"`
	FrictionSlip                 float64 `json:"friction_slip"`
	DampingRelaxation            float64 `json:"damping_relaxation"`
	DampingCompression           float64 `json:"damping_compression"`
	MaxSuspensionForce           float64 `json:"max_suspension_force"`
	RollInfluence                float64 `json:"roll_influence"`
	AxleLocal                    Vec3    `json:"axle_local"`
	ChassisConnectionPointLocal  Vec3    `json:"chassis_connection_point_local"`
	MaxSuspensionTravel          float64 `json:"max_suspension_travel"`
	CustomSlidingRotationalSpeed float64 `json:"custom_sliding_rotational_speed"`
}

// Validate rejects options the raycast model cannot use.
func (o WheelOptions) Validate() error {
	if !(o.Radius > 0) || !isFinite(o.Radius) {
		return fmt.Errorf("%w: radius must be positive, got %v", ErrInvalidWheel, o.Radius)
	}
	if o.DirectionLocal.Length() == 0 || !o.DirectionLocal.IsFinite() {
		return fmt.Errorf("%w: direction must be a non-zero vector", ErrInvalidWheel)
	}
	if o.AxleLocal.Length() == 0 || !o.AxleLocal.IsFinite() {
		return fmt.Errorf("%w: axle must be a non-zero vector", ErrInvalidWheel)
	}
	if !o.ChassisConnectionPointLocal.IsFinite() {
		return fmt.Errorf("%w: connection point must be finite", ErrInvalidWheel)
	}
	return nil
}

// WheelInfo holds the options of one wheel together with its runtime state.
type WheelInfo struct {
	WheelOptions
	Steering         float64
	EngineForce      float64
	Brake            float64
	SuspensionLength float64
	SuspensionForce  float64
	InContact        bool
	Rotation         float64
	WorldTransform   Transform
}

// VehicleOptions configures the chassis and the local axis convention.
type VehicleOptions struct {
	Chassis          *Body
	IndexRightAxis   int
	IndexUpAxis      int
	IndexForwardAxis int
}

// RaycastVehicle models a chassis suspended on raycast wheels.
type RaycastVehicle struct {
	Chassis    *Body
	WheelInfos []*WheelInfo

	indexRight   int
	indexUp      int
	indexForward int
	world        *World
}

// NewRaycastVehicle validates the axis convention and allocates an empty vehicle.
func NewRaycastVehicle(opts VehicleOptions) (*RaycastVehicle, error) {
	if opts.Chassis == nil {
		return nil, errors.New("vehicle chassis body is required")
	}
	seen := map[int]bool{}
	for _, index := range []int{opts.IndexRightAxis, opts.IndexUpAxis, opts.IndexForwardAxis} {
		if index < 0 || index > 2 || seen[index] {
			return nil, fmt.Errorf("%w: right=%d up=%d forward=%d", ErrInvalidAxes, opts.IndexRightAxis, opts.IndexUpAxis, opts.IndexForwardAxis)
		}
		seen[index] = true
	}
	return &RaycastVehicle{
		Chassis:      opts.Chassis,
		indexRight:   opts.IndexRightAxis,
		indexUp:      opts.IndexUpAxis,
		indexForward: opts.IndexForwardAxis,
	}, nil
}

// Axes reports the right, up and forward axis indices.
func (v *RaycastVehicle) Axes() (right, up, forward int) {
	if v == nil {
		return 0, 1, 2
	}
	return v.indexRight, v.indexUp, v.indexForward
}

// AddWheel appends a wheel and returns its index.
func (v *RaycastVehicle) AddWheel(opts WheelOptions) (int, error) {
	if v == nil {
		return -1, errors.New("vehicle is nil")
	}
	if err := opts.Validate(); err != nil {
		return -1, err
	}
	info := &WheelInfo{WheelOptions: opts, SuspensionLength: opts.SuspensionRestLength}
	info.WorldTransform.Rotation = IdentityQuat()
	v.WheelInfos = append(v.WheelInfos, info)
	return len(v.WheelInfos) - 1, nil
}

func (v *RaycastVehicle) wheel(index int) (*WheelInfo, error) {
	if v == nil || index < 0 || index >= len(v.WheelInfos) {
		return nil, fmt.Errorf("%w: %d", ErrWheelIndex, index)
	}
	return v.WheelInfos[index], nil
}

// SetSteeringValue sets the steering angle in radians for one wheel.
func (v *RaycastVehicle) SetSteeringValue(value float64, index int) error {
	wheel, err := v.wheel(index)
	if err != nil {
		return err
	}
	wheel.Steering = value
	return nil
}

// ApplyEngineForce sets the engine force for one wheel.
func (v *RaycastVehicle) ApplyEngineForce(value float64, index int) error {
	wheel, err := v.wheel(index)
	if err != nil {
		return err
	}
	wheel.EngineForce = value
	return nil
}

// SetBrake sets the brake force for one wheel.
func (v *RaycastVehicle) SetBrake(value float64, index int) error {
	wheel, err := v.wheel(index)
	if err != nil {
		return err
	}
	wheel.Brake = value
	return nil
}

// UpdateWheelTransform recomputes the world transform of one wheel from the
// chassis pose and the latest suspension length.
func (v *RaycastVehicle) UpdateWheelTransform(index int) (Transform, error) {
	wheel, err := v.wheel(index)
	if err != nil {
		return Transform{}, err
	}
	chassis := v.Chassis.Transform()
	//1.- Hub position: connection point pushed along the suspension direction.
	origin := chassis.Position.Add(chassis.Rotation.Rotate(wheel.ChassisConnectionPointLocal))
	direction := chassis.Rotation.Rotate(wheel.DirectionLocal.Normalize())
	position := origin.Add(direction.Scale(wheel.SuspensionLength))
	//2.- Orientation: chassis * steering around up * spin around the axle.
	up := wheel.DirectionLocal.Normalize().Scale(-1)
	steering := QuatFromAxisAngle(up, wheel.Steering)
	spin := QuatFromAxisAngle(wheel.AxleLocal, wheel.Rotation)
	rotation := chassis.Rotation.Mul(steering).Mul(spin).Normalize()
	wheel.WorldTransform = Transform{Position: position, Rotation: rotation}
	return wheel.WorldTransform, nil
}

// wheelbase estimates the distance between the foremost and rearmost wheels.
func (v *RaycastVehicle) wheelbase() float64 {
	if len(v.WheelInfos) < 2 {
		return 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, wheel := range v.WheelInfos {
		z := wheel.ChassisConnectionPointLocal.Component(v.indexForward)
		lo = math.Min(lo, z)
		hi = math.Max(hi, z)
	}
	return hi - lo
}

// updateVehicle runs the raycast suspension, drive and friction model for one step.
func (v *RaycastVehicle) updateVehicle(step, groundY float64, gravity Vec3) {
	chassis := v.Chassis
	if chassis == nil || !(chassis.Mass > 0) || step <= 0 {
		return
	}
	pose := chassis.Transform()
	forwardAxis := pose.Rotation.Rotate(UnitAxis(v.indexForward))
	upAxis := pose.Rotation.Rotate(UnitAxis(v.indexUp))
	force := gravity.Scale(chassis.Mass)
	share := chassis.Mass / float64(max(len(v.WheelInfos), 1))

	steerSum, contacts := 0.0, 0
	for _, wheel := range v.WheelInfos {
		//1.- Cast the suspension ray against the ground plane.
		origin := pose.Position.Add(pose.Rotation.Rotate(wheel.ChassisConnectionPointLocal))
		direction := pose.Rotation.Rotate(wheel.DirectionLocal.Normalize())
		rayLength := wheel.SuspensionRestLength + wheel.Radius
		wheel.InContact = false
		wheel.SuspensionForce = 0
		if direction.Y < 0 {
			distance := (groundY - origin.Y) / direction.Y
			if distance >= 0 && distance <= rayLength+wheel.MaxSuspensionTravel {
				wheel.InContact = true
				length := distance - wheel.Radius
				lo := wheel.SuspensionRestLength - wheel.MaxSuspensionTravel
				hi := wheel.SuspensionRestLength + wheel.MaxSuspensionTravel
				wheel.SuspensionLength = clamp(length, lo, hi)
			}
		}
		if !wheel.InContact {
			wheel.SuspensionLength = wheel.SuspensionRestLength
			continue
		}
		contacts++

		//2.- Spring and damper along the chassis up axis, scaled by chassis mass.
		compression := wheel.SuspensionRestLength - wheel.SuspensionLength
		approach := -chassis.Velocity.Dot(upAxis)
		damping := wheel.DampingRelaxation
		if approach > 0 {
			damping = wheel.DampingCompression
		}
		suspension := (wheel.SuspensionStiffness*compression + damping*approach) * chassis.Mass / float64(len(v.WheelInfos))
		suspension = clamp(suspension, 0, math.Max(wheel.MaxSuspensionForce, 0))
		wheel.SuspensionForce = suspension
		force = force.Add(upAxis.Scale(suspension))

		//3.- Engine force along the steered wheel forward direction.
		wheelForward := QuatFromAxisAngle(upAxis, wheel.Steering).Rotate(forwardAxis)
		force = force.Add(wheelForward.Scale(-wheel.EngineForce))

		//4.- Brake and lateral grip act against the contact-point velocity.
		forwardSpeed := chassis.Velocity.Dot(wheelForward)
		if wheel.Brake > 0 && forwardSpeed != 0 {
			limit := math.Abs(forwardSpeed) * share / step
			force = force.Add(wheelForward.Scale(-math.Copysign(math.Min(wheel.Brake*share*0.1, limit), forwardSpeed)))
		}
		lateral := upAxis.Cross(wheelForward).Normalize()
		lateralSpeed := chassis.Velocity.Dot(lateral)
		grip := math.Min(1, wheel.FrictionSlip*step)
		force = force.Add(lateral.Scale(-lateralSpeed * share * grip / step))

		wheel.Rotation += forwardSpeed * step / wheel.Radius
		steerSum += wheel.Steering
	}

	//5.- Bicycle-model yaw from the mean steering angle of the grounded wheels.
	if contacts > 0 {
		if base := v.wheelbase(); base > 0 {
			speed := chassis.Velocity.Dot(forwardAxis)
			yawRate := speed * math.Tan(steerSum/float64(contacts)) / base
			yaw := upAxis.Scale(yawRate)
			chassis.AngularVelocity = chassis.AngularVelocity.Sub(upAxis.Scale(chassis.AngularVelocity.Dot(upAxis))).Add(yaw)
		}
	}

	integrateBody(chassis, force, step)
	resolveGround(chassis, groundY)
}
