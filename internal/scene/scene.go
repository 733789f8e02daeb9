package scene

import (
	"fmt"
	"sync"

	"raycastlab/tuner/internal/physics"
)

// ProxyID names one renderer-side object.
type ProxyID string

const (
	ChassisModel  ProxyID = "chassis"
	ChassisHelper ProxyID = "chassis_helper"
)

// WheelModel returns the identifier of the rendered wheel mesh at index.
func WheelModel(index int) ProxyID { return ProxyID(fmt.Sprintf("wheel_%d", index)) }

// WheelHelper returns the identifier of the debug cylinder drawn around wheel index.
func WheelHelper(index int) ProxyID { return ProxyID(fmt.Sprintf("wheel_helper_%d", index)) }

// Cylinder is the helper geometry tag the renderer regenerates when the revision changes.
type Cylinder struct {
	Radius   float64 `json:"radius"`
	Width    float64 `json:"width"`
	Segments int     `json:"segments"`
	Revision uint64  `json:"revision"`
}

// Proxy is the renderer-facing state of one visual object.
type Proxy struct {
	ID       ProxyID      `json:"id"`
	Resolved bool         `json:"resolved"`
	Visible  bool         `json:"visible"`
	Position physics.Vec3 `json:"position"`
	Rotation physics.Quat `json:"rotation"`
	Scale    physics.Vec3 `json:"scale"`
	Geometry *Cylinder    `json:"geometry,omitempty"`
}

// Frame is the per-step snapshot published to connected renderers.
type Frame struct {
	Step    uint64  `json:"step"`
	Proxies []Proxy `json:"proxies"`
}

// Scene holds every visual proxy of one tuning session. Model proxies start
// unresolved until their asset loads; helper proxies are primitives and
// resolve immediately but start hidden.
type Scene struct {
	mu      sync.RWMutex
	proxies map[ProxyID]*Proxy
	order   []ProxyID
	step    uint64
}

// New creates the chassis and wheel proxies for a four wheeled rig.
func New(wheels int) *Scene {
	s := &Scene{proxies: make(map[ProxyID]*Proxy)}
	s.add(ChassisModel, false)
	s.add(ChassisHelper, true)
	for index := 0; index < wheels; index++ {
		s.add(WheelModel(index), false)
	}
	for index := 0; index < wheels; index++ {
		s.add(WheelHelper(index), true)
	}
	return s
}

func (s *Scene) add(id ProxyID, resolved bool) {
	s.proxies[id] = &Proxy{
		ID:       id,
		Resolved: resolved,
		Visible:  !resolved,
		Rotation: physics.IdentityQuat(),
		Scale:    physics.Vec3{X: 1, Y: 1, Z: 1},
	}
	s.order = append(s.order, id)
}

// Resolve marks a model proxy as loaded.
func (s *Scene) Resolve(id ProxyID) bool {
	return s.update(id, true, func(p *Proxy) { p.Resolved = true })
}

// SetPose copies a transform onto the proxy. It reports false for unknown or
// unresolved proxies and leaves them untouched.
func (s *Scene) SetPose(id ProxyID, transform physics.Transform) bool {
	return s.update(id, false, func(p *Proxy) {
		p.Position = transform.Position
		p.Rotation = transform.Rotation
	})
}

// SetScale updates the proxy scale.
func (s *Scene) SetScale(id ProxyID, scale physics.Vec3) bool {
	return s.update(id, false, func(p *Proxy) { p.Scale = scale })
}

// SetVisible toggles the proxy visibility.
func (s *Scene) SetVisible(id ProxyID, visible bool) bool {
	return s.update(id, false, func(p *Proxy) { p.Visible = visible })
}

// SetGeometry replaces the helper geometry tag.
func (s *Scene) SetGeometry(id ProxyID, geometry Cylinder) bool {
	return s.update(id, false, func(p *Proxy) { p.Geometry = &geometry })
}

func (s *Scene) update(id ProxyID, allowUnresolved bool, apply func(*Proxy)) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	proxy, ok := s.proxies[id]
	if !ok || (!proxy.Resolved && !allowUnresolved) {
		return false
	}
	apply(proxy)
	return true
}

// Proxy returns a copy of the proxy state.
func (s *Scene) Proxy(id ProxyID) (Proxy, bool) {
	if s == nil {
		return Proxy{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	proxy, ok := s.proxies[id]
	if !ok {
		return Proxy{}, false
	}
	return cloneProxy(proxy), true
}

// Advance increments the frame counter once a step has been synchronised.
func (s *Scene) Advance() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++
	return s.step
}

// Frame snapshots every proxy in creation order.
func (s *Scene) Frame() Frame {
	if s == nil {
		return Frame{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	frame := Frame{Step: s.step, Proxies: make([]Proxy, 0, len(s.order))}
	for _, id := range s.order {
		frame.Proxies = append(frame.Proxies, cloneProxy(s.proxies[id]))
	}
	return frame
}

func cloneProxy(proxy *Proxy) Proxy {
	clone := *proxy
	if proxy.Geometry != nil {
		geometry := *proxy.Geometry
		clone.Geometry = &geometry
	}
	return clone
}
