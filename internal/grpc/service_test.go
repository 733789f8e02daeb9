package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"raycastlab/tuner/internal/archive"
	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/physics"
	"raycastlab/tuner/internal/scene"
	"raycastlab/tuner/internal/session"
)

type tunerStub struct {
	registry *params.Registry

	mu         sync.Mutex
	actions    []string
	subscriber func(scene.Frame)
	subscribed chan struct{}
}

func newTunerStub() *tunerStub {
	return &tunerStub{registry: params.NewRegistry(nil), subscribed: make(chan struct{}, 1)}
}

func (s *tunerStub) Values() map[params.FieldID]any { return s.registry.Values() }

func (s *tunerStub) SetParameter(_ context.Context, id params.FieldID, value any) (params.Change, error) {
	return s.registry.Write(id, value)
}

func (s *tunerStub) ApplyPreset(_ context.Context, preset params.Preset) ([]params.Change, error) {
	return s.registry.ApplyPreset(preset)
}

func (s *tunerStub) Action(_ context.Context, name string) error {
	if name != session.ActionReset && name != session.ActionStop {
		return fmt.Errorf("%w: %q", session.ErrUnknownAction, name)
	}
	s.mu.Lock()
	s.actions = append(s.actions, name)
	s.mu.Unlock()
	return nil
}

func (s *tunerStub) CopyCode(context.Context) ([]byte, error) {
	return []byte("export default class Car {}\n"), nil
}

func (s *tunerStub) PackageProject(context.Context) (*archive.Bundle, error) {
	return &archive.Bundle{Name: "raycast-vehicle.zip", Format: archive.FormatZip, Data: []byte("PK\x03\x04")}, nil
}

func (s *tunerStub) Subscribe(fn func(scene.Frame)) func() {
	s.mu.Lock()
	s.subscriber = fn
	s.mu.Unlock()
	s.subscribed <- struct{}{}
	return func() {
		s.mu.Lock()
		s.subscriber = nil
		s.mu.Unlock()
	}
}

func (s *tunerStub) publish(frame scene.Frame) {
	s.mu.Lock()
	fn := s.subscriber
	s.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

var _ Tuner = (*tunerStub)(nil)

func dialService(t *testing.T, service *Service, opts ...grpc.ServerOption) *Client {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(opts...)
	Register(server, service)
	go func() { _ = server.Serve(listener) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		server.Stop()
	})
	return NewClient(conn)
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("expected %v, got %v (%v)", want, got, err)
	}
}

func TestServiceParameterMethods(t *testing.T) {
	stub := newTunerStub()
	client := dialService(t, NewService(stub, WithLogger(logging.NewTestLogger())))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values, err := client.Parameters(ctx)
	if err != nil {
		t.Fatalf("Parameters: %v", err)
	}
	if values["vehicle.mass"] != 250.0 || values["controls.primary.forward"] != "w" || values["helpers.wheels"] != false {
		t.Fatalf("unexpected values %v", values)
	}

	change, err := client.SetParameter(ctx, "vehicle.mass", 320.0)
	if err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	if change["id"] != "vehicle.mass" || change["value"] != 320.0 {
		t.Fatalf("unexpected change %v", change)
	}
	if stub.registry.Snapshot().ChassisMass != 320 {
		t.Fatalf("edit not committed")
	}

	_, err = client.SetParameter(ctx, "vehicle.mass", -1.0)
	expectCode(t, err, codes.InvalidArgument)
	_, err = client.SetParameter(ctx, "vehicle.paint", 1.0)
	expectCode(t, err, codes.NotFound)

	applied, err := client.ApplyPreset(ctx, params.Preset{Name: "soft", Fields: map[string]any{
		"suspension.stiffness": 30.0,
		"helpers.chassis":      true,
	}})
	if err != nil {
		t.Fatalf("ApplyPreset: %v", err)
	}
	if changes, _ := applied["changes"].([]any); applied["preset"] != "soft" || len(changes) != 2 {
		t.Fatalf("unexpected preset response %v", applied)
	}
	_, err = client.ApplyPreset(ctx, params.Preset{Name: "broken", Fields: map[string]any{"suspension.stiffness": -5.0}})
	expectCode(t, err, codes.InvalidArgument)
	if stub.registry.Snapshot().Suspension.Stiffness != 30 {
		t.Fatalf("rejected preset must not change the store")
	}
}

func TestServiceActionsAndExports(t *testing.T) {
	stub := newTunerStub()
	client := dialService(t, NewService(stub, WithLogger(logging.NewTestLogger())))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Action(ctx, session.ActionStop); err != nil {
		t.Fatalf("Action: %v", err)
	}
	expectCode(t, client.Action(ctx, "jump"), codes.NotFound)

	module, err := client.CopyCode(ctx)
	if err != nil || string(module) != "export default class Car {}\n" {
		t.Fatalf("CopyCode = %q, %v", module, err)
	}
	name, data, err := client.PackageProject(ctx)
	if err != nil {
		t.Fatalf("PackageProject: %v", err)
	}
	if name != "raycast-vehicle.zip" || string(data) != "PK\x03\x04" {
		t.Fatalf("unexpected bundle %q (%d bytes)", name, len(data))
	}
}

func TestServiceStreamsNewestFrame(t *testing.T) {
	stub := newTunerStub()
	tickCh := make(chan time.Time, 1)
	service := NewService(stub,
		WithLogger(logging.NewTestLogger()),
		WithCompressor(NewSnappyCompressor()),
		WithTickerFactory(func(time.Duration) (<-chan time.Time, func()) { return tickCh, func() {} }),
	)
	client := dialService(t, service)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamFrames(ctx, 0)
	if err != nil {
		t.Fatalf("StreamFrames: %v", err)
	}
	if stream.Encoding() != EncodingSnappy {
		t.Fatalf("expected snappy encoding, got %q", stream.Encoding())
	}
	select {
	case <-stub.subscribed:
	case <-ctx.Done():
		t.Fatal("stream never subscribed")
	}

	//1.- Two frames before a tick collapse into the newest one.
	stub.publish(scene.Frame{Step: 1})
	stub.publish(scene.Frame{Step: 2, Proxies: []scene.Proxy{{ID: scene.ChassisModel, Resolved: true, Position: physics.Vec3{Y: 4}}}})
	tickCh <- time.Now()

	frame, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if frame.Step != 2 || len(frame.Proxies) != 1 || frame.Proxies[0].Position.Y != 4 {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestServiceWithoutTuner(t *testing.T) {
	service := NewService(nil, WithLogger(logging.NewTestLogger()))
	_, err := service.GetParameters(context.Background(), &emptypb.Empty{})
	expectCode(t, err, codes.FailedPrecondition)
}

func TestFrameRateClamp(t *testing.T) {
	tests := map[uint32]int{0: defaultFrameRateHz, 1: 1, 30: 30, 500: maxFrameRateHz}
	for requested, want := range tests {
		if got := frameRate(requested); got != want {
			t.Fatalf("frameRate(%d) = %d, want %d", requested, got, want)
		}
	}
}
