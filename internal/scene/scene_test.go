package scene

import (
	"testing"

	"raycastlab/tuner/internal/physics"
)

func TestNewSceneProxyStates(t *testing.T) {
	s := New(4)
	frame := s.Frame()
	if len(frame.Proxies) != 10 {
		t.Fatalf("expected 10 proxies, got %d", len(frame.Proxies))
	}
	model, _ := s.Proxy(ChassisModel)
	if model.Resolved || !model.Visible {
		t.Fatalf("models start unresolved and visible: %+v", model)
	}
	helper, _ := s.Proxy(WheelHelper(3))
	if !helper.Resolved || helper.Visible {
		t.Fatalf("helpers start resolved and hidden: %+v", helper)
	}
}

func TestSetPoseSkipsUnresolvedProxies(t *testing.T) {
	s := New(4)
	pose := physics.Transform{Position: physics.Vec3{Y: 2}, Rotation: physics.IdentityQuat()}
	if s.SetPose(WheelModel(0), pose) {
		t.Fatalf("unresolved proxy must be skipped")
	}
	if s.SetPose("unknown", pose) {
		t.Fatalf("unknown proxy must be skipped")
	}
	s.Resolve(WheelModel(0))
	if !s.SetPose(WheelModel(0), pose) {
		t.Fatalf("resolved proxy must accept pose")
	}
	proxy, _ := s.Proxy(WheelModel(0))
	if proxy.Position.Y != 2 {
		t.Fatalf("pose not applied: %+v", proxy)
	}
}

func TestFrameCopiesGeometry(t *testing.T) {
	s := New(4)
	s.SetGeometry(WheelHelper(0), Cylinder{Radius: 0.34, Width: 0.17, Segments: 20, Revision: 1})
	frame := s.Frame()
	frame.Proxies[6].Geometry.Radius = 9
	proxy, _ := s.Proxy(WheelHelper(0))
	if proxy.Geometry.Radius != 0.34 {
		t.Fatalf("frame must not alias scene geometry")
	}
	if s.Advance() != 1 || s.Frame().Step != 1 {
		t.Fatalf("step counter not advanced")
	}
}
