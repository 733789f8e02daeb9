package params

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"raycastlab/tuner/internal/physics"
)

// FieldID is the stable identifier of one editable parameter, e.g. "wheels.front.radius".
type FieldID string

// Kind describes the value type a field accepts.
type Kind string

const (
	KindNumber Kind = "number"
	KindKey    Kind = "key"
	KindToggle Kind = "toggle"
)

// EffectKind names the rig or scene update a successful write requires.
type EffectKind string

const (
	EffectNone         EffectKind = "none"
	EffectChassisShape EffectKind = "chassis_shape"
	EffectSuspension   EffectKind = "suspension"
	EffectWheelRadius  EffectKind = "wheel_radius"
	EffectMountPoint   EffectKind = "mount_point"
	EffectMass         EffectKind = "mass"
	EffectWheelScale   EffectKind = "wheel_scale"
	EffectHelpers      EffectKind = "helpers"
)

// Effect carries the effect kind plus the axle or wheel it targets.
type Effect struct {
	Kind  EffectKind `json:"kind"`
	Axle  Axle       `json:"axle,omitempty"`
	Wheel int        `json:"wheel,omitempty"`
}

// Change is published to subscribers after a write has been committed.
type Change struct {
	ID     FieldID `json:"id"`
	Effect Effect  `json:"effect"`
	Value  any     `json:"value"`
}

// Descriptor exposes a field to UI data binding.
type Descriptor struct {
	ID      FieldID  `json:"id"`
	Label   string   `json:"label"`
	Folder  string   `json:"folder"`
	Kind    Kind     `json:"kind"`
	Min     float64  `json:"min,omitempty"`
	Max     float64  `json:"max,omitempty"`
	Step    float64  `json:"step,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Field pairs a typed accessor and mutator with the effect of a write.
type Field struct {
	Descriptor
	Effect Effect
	Get    func(*Store) any
	Set    func(*Store, any) error
}

// Registry maps field identifiers onto the store it guards.
type Registry struct {
	mu          sync.RWMutex
	store       *Store
	fields      map[FieldID]*Field
	order       []FieldID
	subscribers []subscriber
	nextSub     int
}

type subscriber struct {
	id int
	fn func(Change)
}

// NewRegistry wires every editable parameter of store. A nil store is replaced by Defaults.
func NewRegistry(store *Store) *Registry {
	if store == nil {
		store = Defaults()
	}
	r := &Registry{store: store, fields: make(map[FieldID]*Field)}
	for _, field := range standardFields() {
		r.register(field)
	}
	return r
}

func (r *Registry) register(field *Field) {
	r.fields[field.ID] = field
	r.order = append(r.order, field.ID)
}

// Store returns the live store. Callers outside the simulation loop should use Snapshot.
func (r *Registry) Store() *Store {
	if r == nil {
		return nil
	}
	return r.store
}

// Snapshot returns a copy of the current store.
func (r *Registry) Snapshot() *Store {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Clone()
}

// Fields lists the descriptors in panel order.
func (r *Registry) Fields() []Descriptor {
	if r == nil {
		return nil
	}
	descriptors := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		descriptors = append(descriptors, r.fields[id].Descriptor)
	}
	return descriptors
}

// Lookup returns the field registered under id.
func (r *Registry) Lookup(id FieldID) (*Field, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, id)
	}
	field, ok := r.fields[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, id)
	}
	return field, nil
}

// Get reads the current value of a field.
func (r *Registry) Get(id FieldID) (any, error) {
	field, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return field.Get(r.store), nil
}

// Write validates and commits value. On rejection the prior value is kept and
// the error wraps ErrInvalidParameter; on success subscribers observe the change.
func (r *Registry) Write(id FieldID, value any) (Change, error) {
	field, err := r.Lookup(id)
	if err != nil {
		return Change{}, err
	}

	//1.- Apply the write to a scratch copy so a rejected value never leaks.
	r.mu.Lock()
	candidate := r.store.Clone()
	if err := field.Set(candidate, value); err != nil {
		r.mu.Unlock()
		return Change{}, fmt.Errorf("%s: %w", id, err)
	}
	if err := candidate.Validate(); err != nil {
		r.mu.Unlock()
		return Change{}, fmt.Errorf("%s: %w", id, err)
	}
	//2.- Commit in place so holders of the store pointer observe the new value.
	*r.store = *candidate
	change := Change{ID: id, Effect: field.Effect, Value: field.Get(r.store)}
	subscribers := append([]subscriber(nil), r.subscribers...)
	r.mu.Unlock()

	//3.- Notify outside the lock so subscribers may read the registry.
	for _, sub := range subscribers {
		sub.fn(change)
	}
	return change, nil
}

// Subscribe registers fn for every committed change and returns a cancel function.
func (r *Registry) Subscribe(fn func(Change)) func() {
	if r == nil || fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subscribers = append(r.subscribers, subscriber{id: id, fn: fn})
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range r.subscribers {
			if sub.id == id {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Values returns every field value keyed by identifier.
func (r *Registry) Values() map[FieldID]any {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make(map[FieldID]any, len(r.order))
	for _, id := range r.order {
		values[id] = r.fields[id].Get(r.store)
	}
	return values
}

func numberField(id FieldID, folder, label string, min, max, step float64, effect Effect, slot func(*Store) *float64) *Field {
	return &Field{
		Descriptor: Descriptor{ID: id, Label: label, Folder: folder, Kind: KindNumber, Min: min, Max: max, Step: step},
		Effect:     effect,
		Get:        func(s *Store) any { return *slot(s) },
		Set: func(s *Store, value any) error {
			number, err := toFloat(value)
			if err != nil {
				return err
			}
			if err := requireFinite(string(id), number); err != nil {
				return err
			}
			*slot(s) = number
			return nil
		},
	}
}

func keyField(set, folder string, action Action, label string, slot func(*Store) *KeySet) *Field {
	return &Field{
		Descriptor: Descriptor{
			ID:      FieldID("controls." + set + "." + string(action)),
			Label:   label,
			Folder:  folder,
			Kind:    KindKey,
			Options: ControllableKeys(),
		},
		Effect: Effect{Kind: EffectNone},
		Get:    func(s *Store) any { return slot(s).Key(action) },
		Set: func(s *Store, value any) error {
			key, ok := value.(string)
			if !ok {
				return fmt.Errorf("%w: key symbol must be a string, got %T", ErrInvalidParameter, value)
			}
			normalized, err := NormalizeKey(key)
			if err != nil {
				return err
			}
			*slot(s).slot(action) = normalized
			return nil
		},
	}
}

func toggleField(id FieldID, folder, label string, slot func(*Store) *bool) *Field {
	return &Field{
		Descriptor: Descriptor{ID: id, Label: label, Folder: folder, Kind: KindToggle},
		Effect:     Effect{Kind: EffectHelpers},
		Get:        func(s *Store) any { return *slot(s) },
		Set: func(s *Store, value any) error {
			flag, ok := value.(bool)
			if !ok {
				return fmt.Errorf("%w: toggle must be a boolean, got %T", ErrInvalidParameter, value)
			}
			*slot(s) = flag
			return nil
		},
	}
}

func vectorFields(prefix, folder string, min, max float64, effect Effect, slot func(*Store) *physics.Vec3) []*Field {
	return []*Field{
		numberField(FieldID(prefix+".x"), folder, "x", min, max, 0.01, effect, func(s *Store) *float64 { return &slot(s).X }),
		numberField(FieldID(prefix+".y"), folder, "y", min, max, 0.01, effect, func(s *Store) *float64 { return &slot(s).Y }),
		numberField(FieldID(prefix+".z"), folder, "z", min, max, 0.01, effect, func(s *Store) *float64 { return &slot(s).Z }),
	}
}

var wheelFolders = [WheelCount]string{
	LeftHind:   "Left Hind Wheel",
	RightHind:  "Right Hind Wheel",
	LeftFront:  "Left Front Wheel",
	RightFront: "Right Front Wheel",
}

var actionLabels = map[Action]string{
	ActionForward:  "Move Forward",
	ActionBackward: "Move Backward",
	ActionLeft:     "Turn Left",
	ActionRight:    "Turn Right",
	ActionBrake:    "Apply Brakes",
	ActionReset:    "Reset Car Position",
}

func standardFields() []*Field {
	var fields []*Field
	fields = append(fields, vectorFields("chassis.dimension", "Chassis Helper Dimension", 0, 10, Effect{Kind: EffectChassisShape}, func(s *Store) *physics.Vec3 { return &s.ChassisDimension })...)
	fields = append(fields, toggleField("helpers.chassis", "Chassis Helper", "Show Chassis Helper", func(s *Store) *bool { return &s.Helpers.Chassis }))
	fields = append(fields, vectorFields("chassis.offset", "Chassis Model Position", -10, 10, Effect{Kind: EffectNone}, func(s *Store) *physics.Vec3 { return &s.ChassisModelOffset })...)

	fields = append(fields,
		numberField("wheels.front.scale", "Wheels", "Front Wheels Scale", 0, 5, 0.01, Effect{Kind: EffectWheelScale, Axle: AxleFront}, func(s *Store) *float64 { return &s.WheelScale.Front }),
		numberField("wheels.hind.scale", "Wheels", "Hind Wheels Scale", 0, 5, 0.01, Effect{Kind: EffectWheelScale, Axle: AxleHind}, func(s *Store) *float64 { return &s.WheelScale.Hind }),
		toggleField("helpers.wheels", "Wheels Helper", "Show Wheels Helper", func(s *Store) *bool { return &s.Helpers.Wheels }),
		numberField("wheels.front.radius", "Wheels Helper", "Front Wheels Radius", 0.1, 5, 0.01, Effect{Kind: EffectWheelRadius, Axle: AxleFront}, func(s *Store) *float64 { return &s.WheelRadius.Front }),
		numberField("wheels.hind.radius", "Wheels Helper", "Hind Wheels Radius", 0.1, 5, 0.01, Effect{Kind: EffectWheelRadius, Axle: AxleHind}, func(s *Store) *float64 { return &s.WheelRadius.Hind }),
	)

	//1.- Mount points follow the panel order: front pair first, then hind.
	for _, index := range []int{LeftFront, RightFront, LeftHind, RightHind} {
		index := index // per-iteration copy for the closure below (pre-Go 1.22 loop semantics)
		prefix := "wheels." + strconv.Itoa(index) + ".mount"
		effect := Effect{Kind: EffectMountPoint, Wheel: index}
		fields = append(fields, vectorFields(prefix, wheelFolders[index], -10, 10, effect, func(s *Store) *physics.Vec3 { return &s.MountPoints[index] })...)
	}

	suspension := Effect{Kind: EffectSuspension}
	fields = append(fields,
		numberField("vehicle.mass", "Vehicle", "Mass", 1, 1000, 1, Effect{Kind: EffectMass}, func(s *Store) *float64 { return &s.ChassisMass }),
		numberField("suspension.stiffness", "Vehicle", "Suspension Stiffness", 0, 100, 1, suspension, func(s *Store) *float64 { return &s.Suspension.Stiffness }),
		numberField("suspension.rest_length", "Vehicle", "Suspension Rest Height", 0, 10, 0.1, suspension, func(s *Store) *float64 { return &s.Suspension.RestLength }),
		numberField("suspension.friction_slip", "Vehicle", "Friction Slip", 0, 50, 1, suspension, func(s *Store) *float64 { return &s.Suspension.FrictionSlip }),
		numberField("suspension.damping_relaxation", "Vehicle", "Damping Relaxation", -10, 10, 0.1, suspension, func(s *Store) *float64 { return &s.Suspension.DampingRelaxation }),
		numberField("suspension.damping_compression", "Vehicle", "Damping Compression", -10, 10, 0.1, suspension, func(s *Store) *float64 { return &s.Suspension.DampingCompression }),
		numberField("suspension.max_force", "Vehicle", "Max Suspension Force", 0, 10000, 10, suspension, func(s *Store) *float64 { return &s.Suspension.MaxForce }),
		numberField("suspension.max_travel", "Vehicle", "Max Suspension Travel", 0, 10, 1, suspension, func(s *Store) *float64 { return &s.Suspension.MaxTravel }),
		numberField("suspension.roll_influence", "Vehicle", "Roll Influence", 0, 10, 0.1, suspension, func(s *Store) *float64 { return &s.Suspension.RollInfluence }),
	)

	none := Effect{Kind: EffectNone}
	fields = append(fields,
		numberField("forces.max_steer_angle", "Controls", "Max Steer Value", 0, 1, 0.01, none, func(s *Store) *float64 { return &s.Forces.MaxSteerAngle }),
		numberField("forces.max_engine_force", "Controls", "Max Force", 1, 10000, 10, none, func(s *Store) *float64 { return &s.Forces.MaxEngineForce }),
		numberField("forces.brake", "Controls", "Brake Force", 1, 100, 0.1, none, func(s *Store) *float64 { return &s.Forces.BrakeForce }),
		numberField("forces.coast_brake", "Controls", "Slow Car Force", 1, 100, 0.1, none, func(s *Store) *float64 { return &s.Forces.CoastBrakeForce }),
	)

	for _, set := range []struct {
		name   string
		folder string
		slot   func(*Store) *KeySet
	}{
		{"primary", "Primary Keys Controls", func(s *Store) *KeySet { return &s.Bindings.Primary }},
		{"secondary", "Secondary Keys Controls", func(s *Store) *KeySet { return &s.Bindings.Secondary }},
	} {
		for _, action := range Actions {
			fields = append(fields, keyField(set.name, set.folder, action, actionLabels[action], set.slot))
		}
	}
	return fields
}

func toFloat(value any) (float64, error) {
	switch typed := value.(type) {
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case json.Number:
		return toFloat(typed.String())
	case string:
		number, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidParameter, typed)
		}
		return number, nil
	}
	return 0, fmt.Errorf("%w: expected a number, got %T", ErrInvalidParameter, value)
}
