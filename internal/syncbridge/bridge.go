package syncbridge

import (
	"fmt"
	"sync"
	"sync/atomic"

	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/physics"
	"raycastlab/tuner/internal/rig"
	"raycastlab/tuner/internal/scene"
)

// Rig is the slice of the vehicle rig the bridge reads from and rebuilds.
type Rig interface {
	ChassisTransform() (physics.Transform, error)
	WheelTransform(index int) (physics.Transform, error)
	WheelGeometry(index int) (rig.WheelGeometry, error)
	RebuildChassisShape() error
	SetWheelRadius(axle params.Axle, radius float64) error
	ApplySuspension(suspension params.Suspension) error
	SetMass(mass float64) error
	SetMountPoint(index int, point physics.Vec3) error
}

// Renderer is the mesh-transform surface of the visual collaborator.
type Renderer interface {
	SetPose(id scene.ProxyID, transform physics.Transform) bool
	SetScale(id scene.ProxyID, scale physics.Vec3) bool
	SetVisible(id scene.ProxyID, visible bool) bool
	SetGeometry(id scene.ProxyID, geometry scene.Cylinder) bool
	Advance() uint64
}

// Context carries the handles the bridge needs.
type Context struct {
	Rig      Rig
	Renderer Renderer
	Store    *params.Store
	Logger   *logging.Logger
}

// Bridge copies physics results onto the visuals after every step and pushes
// live parameter edits onto the physics rig.
type Bridge struct {
	ctx     Context
	log     *logging.Logger
	running atomic.Bool
	skipped atomic.Uint64

	mu     sync.Mutex
	cancel func()
}

// New constructs a bridge. It does nothing until attached to a world.
func New(ctx Context) *Bridge {
	logger := ctx.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Bridge{ctx: ctx, log: logger.Named("syncbridge")}
}

// Attach registers PostStep as the world's post-step hook, replacing any previous registration.
func (b *Bridge) Attach(world physics.Simulator) {
	if b == nil || world == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancel = world.OnPostStep(b.PostStep)
}

// Detach removes the post-step hook.
func (b *Bridge) Detach() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// Skipped reports how many interleaved PostStep calls were rejected.
func (b *Bridge) Skipped() uint64 {
	if b == nil {
		return 0
	}
	return b.skipped.Load()
}

// PostStep copies the chassis and wheel transforms onto their visual proxies.
// Unresolved proxies and an unbuilt rig are skipped without error.
func (b *Bridge) PostStep() {
	if b == nil || b.ctx.Rig == nil || b.ctx.Renderer == nil {
		return
	}
	if !b.running.CompareAndSwap(false, true) {
		b.skipped.Add(1)
		return
	}
	defer b.running.Store(false)

	//1.- Chassis model carries the visual offset; the helper follows the raw body.
	chassis, err := b.ctx.Rig.ChassisTransform()
	if err != nil {
		return
	}
	offset := physics.Vec3{}
	if b.ctx.Store != nil {
		offset = b.ctx.Store.ChassisModelOffset
	}
	b.ctx.Renderer.SetPose(scene.ChassisModel, physics.Transform{Position: chassis.Position.Add(offset), Rotation: chassis.Rotation})
	b.ctx.Renderer.SetPose(scene.ChassisHelper, chassis)

	//2.- Each wheel mesh and its helper share the suspension-derived transform.
	for index := 0; index < params.WheelCount; index++ {
		transform, err := b.ctx.Rig.WheelTransform(index)
		if err != nil {
			continue
		}
		b.ctx.Renderer.SetPose(scene.WheelModel(index), transform)
		b.ctx.Renderer.SetPose(scene.WheelHelper(index), transform)
	}
	b.ctx.Renderer.Advance()
}

// Apply maps one committed parameter change onto the rig and the visuals.
func (b *Bridge) Apply(change params.Change) error {
	if b == nil || b.ctx.Store == nil || b.ctx.Rig == nil || b.ctx.Renderer == nil {
		return nil
	}
	store := b.ctx.Store
	var err error
	switch change.Effect.Kind {
	case params.EffectChassisShape:
		err = b.ctx.Rig.RebuildChassisShape()
		b.refreshChassisHelper()
	case params.EffectSuspension:
		err = b.ctx.Rig.ApplySuspension(store.Suspension)
	case params.EffectWheelRadius:
		err = b.ctx.Rig.SetWheelRadius(change.Effect.Axle, store.WheelRadius.For(change.Effect.Axle))
		for _, index := range change.Effect.Axle.Wheels() {
			b.refreshWheelHelper(index)
		}
	case params.EffectMountPoint:
		index := change.Effect.Wheel
		if index < 0 || index >= params.WheelCount {
			return fmt.Errorf("%w: wheel index %d", params.ErrInvalidParameter, index)
		}
		err = b.ctx.Rig.SetMountPoint(index, store.MountPoints[index])
	case params.EffectMass:
		err = b.ctx.Rig.SetMass(store.ChassisMass)
	case params.EffectWheelScale:
		for _, index := range change.Effect.Axle.Wheels() {
			b.refreshWheelScale(index)
		}
	case params.EffectHelpers:
		b.refreshVisibility()
	}
	if err != nil {
		b.log.Debug("parameter change not applied to rig", logging.String("field", string(change.ID)), logging.Error(err))
	}
	return err
}

// Refresh pushes every visual parameter onto the renderer, used after a
// build or once a model proxy resolves.
func (b *Bridge) Refresh() {
	if b == nil || b.ctx.Store == nil || b.ctx.Rig == nil || b.ctx.Renderer == nil {
		return
	}
	b.refreshChassisHelper()
	b.refreshVisibility()
	for index := 0; index < params.WheelCount; index++ {
		b.refreshWheelScale(index)
		b.refreshWheelHelper(index)
	}
}

func (b *Bridge) refreshChassisHelper() {
	b.ctx.Renderer.SetScale(scene.ChassisHelper, b.ctx.Store.ChassisDimension)
}

func (b *Bridge) refreshVisibility() {
	helpers := b.ctx.Store.Helpers
	b.ctx.Renderer.SetVisible(scene.ChassisHelper, helpers.Chassis)
	for index := 0; index < params.WheelCount; index++ {
		b.ctx.Renderer.SetVisible(scene.WheelHelper(index), helpers.Wheels)
	}
}

// WheelScale returns the mesh scale of a wheel; right-side wheels mirror X and Z.
func WheelScale(store *params.Store, index int) physics.Vec3 {
	scale := store.WheelScale.For(params.AxleOf(index))
	side := 1.0
	if params.IsRightSide(index) {
		side = -1
	}
	return physics.Vec3{X: side * scale, Y: scale, Z: side * scale}
}

func (b *Bridge) refreshWheelScale(index int) {
	b.ctx.Renderer.SetScale(scene.WheelModel(index), WheelScale(b.ctx.Store, index))
}

func (b *Bridge) refreshWheelHelper(index int) {
	geometry, err := b.ctx.Rig.WheelGeometry(index)
	if err != nil {
		return
	}
	b.ctx.Renderer.SetGeometry(scene.WheelHelper(index), scene.Cylinder{
		Radius:   geometry.Radius,
		Width:    geometry.Width,
		Segments: geometry.Segments,
		Revision: geometry.Revision,
	})
}
