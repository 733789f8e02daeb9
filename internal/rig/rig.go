package rig

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/physics"
)

var (
	// ErrNotReady reports an operation issued before assets resolved or before a successful build.
	ErrNotReady = errors.New("vehicle rig not ready")
	// ErrBuildFailure reports a build that could not attach or register every wheel.
	ErrBuildFailure = errors.New("vehicle rig build failed")
)

const (
	// StopBrakeForce is applied to the hind wheels by Stop.
	StopBrakeForce = 1000.0
	// StopPulse is how long the Stop brake stays engaged.
	StopPulse = 100 * time.Millisecond
	// WheelSegments is the radial segment count of the wheel helper cylinder.
	WheelSegments = 20
)

// SpawnPosition is the fixed chassis position restored by Reset.
var SpawnPosition = physics.Vec3{Y: 4}

// Context carries the handles the rig needs. Ready is the asset loader's
// completion signal; a nil channel means assets are already available.
type Context struct {
	World  physics.Simulator
	Store  *params.Store
	Logger *logging.Logger
	Ready  <-chan struct{}
}

// WheelGeometry tags the helper cylinder the renderer draws around a wheel.
type WheelGeometry struct {
	Radius   float64 `json:"radius"`
	Width    float64 `json:"width"`
	Segments int     `json:"segments"`
	Revision uint64  `json:"revision"`
}

// Snapshot captures the physics-derived values an export needs.
type Snapshot struct {
	Store       *params.Store
	ChassisMass float64
	HalfExtents physics.Vec3
	Wheels      []physics.WheelOptions
}

// Option customises rig construction.
type Option func(*Rig)

// WithClock overrides the time source used for the Stop brake pulse.
func WithClock(clock func() time.Time) Option {
	return func(r *Rig) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Rig owns one chassis body and the raycast vehicle built on top of it.
type Rig struct {
	mu         sync.Mutex
	ctx        Context
	log        *logging.Logger
	clock      func() time.Time
	vehicle    *physics.RaycastVehicle
	built      bool
	geometry   [params.WheelCount]WheelGeometry
	revision   uint64
	stopUntil  time.Time
	cancelHook func()
}

// New prepares an unbuilt rig bound to the supplied context.
func New(ctx Context, opts ...Option) *Rig {
	logger := ctx.Logger
	if logger == nil {
		logger = logging.L()
	}
	r := &Rig{ctx: ctx, log: logger.Named("rig"), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Rig) assetsReady() bool {
	if r.ctx.Ready == nil {
		return true
	}
	select {
	case <-r.ctx.Ready:
		return true
	default:
		return false
	}
}

// Built reports whether Build completed successfully.
func (r *Rig) Built() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.built
}

// Build constructs the chassis, attaches the four wheels in index order and
// only then registers the vehicle, so a failure leaves nothing registered.
func (r *Rig) Build() error {
	if r == nil {
		return ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.assetsReady() {
		return ErrNotReady
	}
	if r.built {
		return nil
	}
	if r.ctx.World == nil || r.ctx.Store == nil {
		return fmt.Errorf("%w: world and parameter store are required", ErrBuildFailure)
	}
	store := r.ctx.Store
	if err := store.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}

	//1.- Chassis body with the box shape derived from the dimension half extents.
	chassis := physics.NewBody(store.ChassisMass, physics.Material{Friction: 0})
	chassis.AddShape(physics.Box{HalfExtents: store.ChassisDimension.Scale(0.5)})
	chassis.Position = SpawnPosition
	vehicle, err := physics.NewRaycastVehicle(physics.VehicleOptions{
		Chassis:          chassis,
		IndexRightAxis:   0,
		IndexUpAxis:      1,
		IndexForwardAxis: 2,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}

	//2.- Attach all four wheels before the world learns about the vehicle.
	for index := 0; index < params.WheelCount; index++ {
		if _, err := vehicle.AddWheel(wheelOptions(store, index)); err != nil {
			r.log.Error("wheel attach failed", logging.Int("wheel", index), logging.Error(err))
			return fmt.Errorf("%w: wheel %d: %v", ErrBuildFailure, index, err)
		}
	}
	if err := r.ctx.World.AddVehicle(vehicle); err != nil {
		r.log.Error("vehicle registration failed", logging.Error(err))
		return fmt.Errorf("%w: register vehicle: %v", ErrBuildFailure, err)
	}

	//3.- Commit the rig and publish the initial helper geometry.
	r.vehicle = vehicle
	r.built = true
	for index := range r.geometry {
		r.refreshGeometryLocked(index)
	}
	r.cancelHook = r.ctx.World.OnPostStep(r.afterStep)
	r.log.Info("vehicle rig built",
		logging.Float64("mass", store.ChassisMass),
		logging.Any("chassis_dimension", store.ChassisDimension),
	)
	return nil
}

func wheelOptions(store *params.Store, index int) physics.WheelOptions {
	suspension := store.Suspension
	return physics.WheelOptions{
		Radius:                       store.WheelRadius.For(params.AxleOf(index)),
		DirectionLocal:               store.Geometry.DirectionLocal,
		SuspensionStiffness:          suspension.Stiffness,
		SuspensionRestLength:         suspension.RestLength,
		FrictionSlip:                 suspension.FrictionSlip,
		DampingRelaxation:            suspension.DampingRelaxation,
		DampingCompression:           suspension.DampingCompression,
		MaxSuspensionForce:           suspension.MaxForce,
		RollInfluence:                suspension.RollInfluence,
		AxleLocal:                    store.Geometry.AxleLocal,
		ChassisConnectionPointLocal:  store.MountPoints[index],
		MaxSuspensionTravel:          suspension.MaxTravel,
		CustomSlidingRotationalSpeed: store.Geometry.CustomSlidingRotationalSpeed,
	}
}

func (r *Rig) refreshGeometryLocked(index int) {
	radius := r.vehicle.WheelInfos[index].Radius
	r.revision++
	r.geometry[index] = WheelGeometry{Radius: radius, Width: radius / 2, Segments: WheelSegments, Revision: r.revision}
}

// readyLocked returns the vehicle or ErrNotReady; callers hold r.mu.
func (r *Rig) readyLocked() (*physics.RaycastVehicle, error) {
	if !r.built || r.vehicle == nil || !r.assetsReady() {
		return nil, ErrNotReady
	}
	return r.vehicle, nil
}

// RebuildChassisShape swaps the chassis box for one matching the current
// dimension. The chassis body identity is preserved.
func (r *Rig) RebuildChassisShape() error {
	if r == nil {
		return ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	dimension := r.ctx.Store.ChassisDimension
	if !dimension.IsFinite() || dimension.X <= 0 || dimension.Y <= 0 || dimension.Z <= 0 {
		return fmt.Errorf("%w: chassis dimension %+v", params.ErrInvalidParameter, dimension)
	}
	vehicle.Chassis.ReplaceShapes(physics.Box{HalfExtents: dimension.Scale(0.5)})
	return nil
}

// SetWheelRadius applies radius to both wheels of the axle and bumps their
// helper geometry revision.
func (r *Rig) SetWheelRadius(axle params.Axle, radius float64) error {
	if r == nil {
		return ErrNotReady
	}
	if !axle.Valid() {
		return fmt.Errorf("%w: unknown axle %q", params.ErrInvalidParameter, axle)
	}
	if !(radius > 0) || math.IsInf(radius, 1) {
		return fmt.Errorf("%w: wheel radius must be positive, got %v", params.ErrInvalidParameter, radius)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	for _, index := range axle.Wheels() {
		vehicle.WheelInfos[index].Radius = radius
		r.refreshGeometryLocked(index)
	}
	return nil
}

// ApplySuspension copies the shared coefficients onto all four wheels at once.
func (r *Rig) ApplySuspension(suspension params.Suspension) error {
	if r == nil {
		return ErrNotReady
	}
	if err := suspension.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	for _, wheel := range vehicle.WheelInfos {
		wheel.SuspensionStiffness = suspension.Stiffness
		wheel.SuspensionRestLength = suspension.RestLength
		wheel.FrictionSlip = suspension.FrictionSlip
		wheel.DampingRelaxation = suspension.DampingRelaxation
		wheel.DampingCompression = suspension.DampingCompression
		wheel.MaxSuspensionForce = suspension.MaxForce
		wheel.MaxSuspensionTravel = suspension.MaxTravel
		wheel.RollInfluence = suspension.RollInfluence
	}
	return nil
}

// SetMass updates the chassis mass.
func (r *Rig) SetMass(mass float64) error {
	if r == nil {
		return ErrNotReady
	}
	if !(mass > 0) || math.IsInf(mass, 1) {
		return fmt.Errorf("%w: mass must be positive, got %v", params.ErrInvalidParameter, mass)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	vehicle.Chassis.Mass = mass
	return nil
}

// SetMountPoint moves the connection point of one wheel. The wheel keeps its index.
func (r *Rig) SetMountPoint(index int, point physics.Vec3) error {
	if r == nil {
		return ErrNotReady
	}
	if index < 0 || index >= params.WheelCount {
		return fmt.Errorf("%w: wheel index %d", params.ErrInvalidParameter, index)
	}
	if !point.IsFinite() {
		return fmt.Errorf("%w: mount point must be finite", params.ErrInvalidParameter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	vehicle.WheelInfos[index].ChassisConnectionPointLocal = point
	return nil
}

// Steer sets the two front wheels to fraction*MaxSteerAngle. Hind wheels never steer.
func (r *Rig) Steer(fraction float64) error {
	if r == nil {
		return ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	angle := clampFraction(fraction) * r.ctx.Store.Forces.MaxSteerAngle
	for _, index := range params.AxleFront.Wheels() {
		if err := vehicle.SetSteeringValue(angle, index); err != nil {
			return err
		}
	}
	return nil
}

// Drive sets -fraction*MaxEngineForce on every wheel; a positive fraction moves forward.
func (r *Rig) Drive(fraction float64) error {
	if r == nil {
		return ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	return setAll(vehicle, vehicle.ApplyEngineForce, -clampFraction(fraction)*r.ctx.Store.Forces.MaxEngineForce)
}

// Brake applies force uniformly to all wheels.
func (r *Rig) Brake(force float64) error {
	if r == nil {
		return ErrNotReady
	}
	if !(force >= 0) || math.IsInf(force, 1) {
		return fmt.Errorf("%w: brake force must be non-negative, got %v", params.ErrInvalidParameter, force)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	return setAll(vehicle, vehicle.SetBrake, force)
}

// ReleaseBrakes clears the brake force on all wheels.
func (r *Rig) ReleaseBrakes() error {
	return r.Brake(0)
}

// Reset teleports the chassis to the spawn transform and zeroes its velocities.
// It never alters the parameter store.
func (r *Rig) Reset() error {
	if r == nil {
		return ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	chassis := vehicle.Chassis
	chassis.Position = SpawnPosition
	chassis.Quaternion = physics.IdentityQuat()
	chassis.Velocity = physics.Vec3{}
	chassis.AngularVelocity = physics.Vec3{}
	return nil
}

// Stop cuts engine force, zeroes the chassis velocities and pulses the hind
// brakes for StopPulse.
func (r *Rig) Stop() error {
	if r == nil {
		return ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return err
	}
	for _, index := range params.AxleHind.Wheels() {
		_ = vehicle.SetBrake(StopBrakeForce, index)
	}
	_ = setAll(vehicle, vehicle.ApplyEngineForce, 0)
	vehicle.Chassis.Velocity = physics.Vec3{}
	vehicle.Chassis.AngularVelocity = physics.Vec3{}
	r.stopUntil = r.clock().Add(StopPulse)
	return nil
}

// afterStep releases the Stop brake pulse once it has elapsed.
func (r *Rig) afterStep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopUntil.IsZero() || r.vehicle == nil || r.clock().Before(r.stopUntil) {
		return
	}
	r.stopUntil = time.Time{}
	for _, index := range params.AxleHind.Wheels() {
		_ = r.vehicle.SetBrake(0, index)
	}
}

// ChassisTransform returns the chassis pose.
func (r *Rig) ChassisTransform() (physics.Transform, error) {
	if r == nil {
		return physics.Transform{}, ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return physics.Transform{}, err
	}
	return vehicle.Chassis.Transform(), nil
}

// WheelTransform recomputes and returns the world transform of one wheel.
func (r *Rig) WheelTransform(index int) (physics.Transform, error) {
	if r == nil {
		return physics.Transform{}, ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return physics.Transform{}, err
	}
	return vehicle.UpdateWheelTransform(index)
}

// WheelGeometry returns the helper geometry tag of one wheel.
func (r *Rig) WheelGeometry(index int) (WheelGeometry, error) {
	if r == nil {
		return WheelGeometry{}, ErrNotReady
	}
	if index < 0 || index >= params.WheelCount {
		return WheelGeometry{}, fmt.Errorf("%w: %d", physics.ErrWheelIndex, index)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.readyLocked(); err != nil {
		return WheelGeometry{}, err
	}
	return r.geometry[index], nil
}

// Wheels returns a copy of the runtime wheel records in index order.
func (r *Rig) Wheels() ([]physics.WheelInfo, error) {
	if r == nil {
		return nil, ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return nil, err
	}
	wheels := make([]physics.WheelInfo, len(vehicle.WheelInfos))
	for i, wheel := range vehicle.WheelInfos {
		wheels[i] = *wheel
	}
	return wheels, nil
}

// Snapshot captures a consistent copy of the store and the physics-derived
// values. It waits for an in-flight build or rebuild to finish.
func (r *Rig) Snapshot() (*Snapshot, error) {
	if r == nil {
		return nil, ErrNotReady
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle, err := r.readyLocked()
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{
		Store:       r.ctx.Store.Clone(),
		ChassisMass: vehicle.Chassis.Mass,
		Wheels:      make([]physics.WheelOptions, len(vehicle.WheelInfos)),
	}
	if len(vehicle.Chassis.Shapes) > 0 {
		snapshot.HalfExtents = vehicle.Chassis.Shapes[0].HalfExtents
	}
	for i, wheel := range vehicle.WheelInfos {
		snapshot.Wheels[i] = wheel.WheelOptions
	}
	return snapshot, nil
}

// Destroy unregisters the vehicle and returns the rig to the unbuilt state.
func (r *Rig) Destroy() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.built {
		return
	}
	if r.cancelHook != nil {
		r.cancelHook()
		r.cancelHook = nil
	}
	r.ctx.World.RemoveVehicle(r.vehicle)
	r.vehicle = nil
	r.built = false
	r.log.Info("vehicle rig destroyed")
}

func setAll(vehicle *physics.RaycastVehicle, apply func(value float64, index int) error, value float64) error {
	for index := range vehicle.WheelInfos {
		if err := apply(value, index); err != nil {
			return err
		}
	}
	return nil
}

func clampFraction(fraction float64) float64 {
	switch {
	case math.IsNaN(fraction):
		return 0
	case fraction > 1:
		return 1
	case fraction < -1:
		return -1
	}
	return fraction
}
