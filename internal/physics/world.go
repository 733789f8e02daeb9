package physics

import (
	"errors"
	"sync"
)

// ErrAlreadyRegistered reports a vehicle added twice to the same world.
var ErrAlreadyRegistered = errors.New("vehicle already registered")

// Simulator is the slice of the physics engine the rig depends on: vehicle
// registration and the post-step hook.
type Simulator interface {
	AddVehicle(vehicle *RaycastVehicle) error
	RemoveVehicle(vehicle *RaycastVehicle)
	OnPostStep(hook func()) (cancel func())
}

// World advances registered vehicles over a flat ground plane.
type World struct {
	Gravity Vec3
	GroundY float64

	mu       sync.Mutex
	vehicles []*RaycastVehicle
	hooks    []postStepHook
	nextHook uint64
	steps    uint64
}

type postStepHook struct {
	id uint64
	fn func()
}

// NewWorld constructs a world with the supplied gravity and the ground at y=0.
func NewWorld(gravity Vec3) *World {
	return &World{Gravity: gravity}
}

// AddVehicle registers the vehicle so future steps simulate it.
func (w *World) AddVehicle(vehicle *RaycastVehicle) error {
	if w == nil {
		return errors.New("world is nil")
	}
	if vehicle == nil || vehicle.Chassis == nil {
		return errors.New("vehicle with chassis required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if vehicle.world != nil {
		return ErrAlreadyRegistered
	}
	vehicle.world = w
	w.vehicles = append(w.vehicles, vehicle)
	return nil
}

// RemoveVehicle unregisters the vehicle; unknown vehicles are ignored.
func (w *World) RemoveVehicle(vehicle *RaycastVehicle) {
	if w == nil || vehicle == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, candidate := range w.vehicles {
		if candidate == vehicle {
			w.vehicles = append(w.vehicles[:i], w.vehicles[i+1:]...)
			vehicle.world = nil
			return
		}
	}
}

// Vehicles returns the number of registered vehicles.
func (w *World) Vehicles() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.vehicles)
}

// OnPostStep registers a hook invoked after every completed step in
// registration order. The returned function removes it.
func (w *World) OnPostStep(hook func()) func() {
	if w == nil || hook == nil {
		return func() {}
	}
	w.mu.Lock()
	w.nextHook++
	id := w.nextHook
	w.hooks = append(w.hooks, postStepHook{id: id, fn: hook})
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			for i, candidate := range w.hooks {
				if candidate.id == id {
					w.hooks = append(w.hooks[:i], w.hooks[i+1:]...)
					return
				}
			}
		})
	}
}

// Step advances every registered vehicle by step seconds and then runs the
// post-step hooks synchronously on the calling goroutine.
func (w *World) Step(step float64) {
	if w == nil || step <= 0 {
		return
	}
	//1.- Copy the registration lists so hooks may add or remove entries safely.
	w.mu.Lock()
	vehicles := append([]*RaycastVehicle(nil), w.vehicles...)
	hooks := append([]postStepHook(nil), w.hooks...)
	w.steps++
	w.mu.Unlock()

	for _, vehicle := range vehicles {
		vehicle.updateVehicle(step, w.GroundY, w.Gravity)
	}
	//2.- Hooks observe the fully integrated state of this step.
	for _, hook := range hooks {
		hook.fn()
	}
}

// Steps reports how many steps have completed.
func (w *World) Steps() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.steps
}

var _ Simulator = (*World)(nil)
