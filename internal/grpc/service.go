package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"raycastlab/tuner/internal/assets"
	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/rig"
	"raycastlab/tuner/internal/scene"
	"raycastlab/tuner/internal/session"
	"raycastlab/tuner/internal/simulation"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "raycastlab.tuner.v1.Tuner"
	// EncodingHeader carries the frame compressor name in the stream header.
	EncodingHeader = "x-frame-encoding"
	// BundleHeader carries the packaged project file name.
	BundleHeader = "x-bundle-name"

	defaultFrameRateHz = 20
	maxFrameRateHz     = 60
)

// Option customises the behaviour of the gRPC service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithCompressor overrides the default frame compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// TunerServer is the server API of the tuner service.
type TunerServer interface {
	GetParameters(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetParameter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyPreset(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerAction(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	CopyCode(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	PackageProject(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	StreamFrames(*wrapperspb.UInt32Value, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

// Service implements TunerServer on top of a tuning session.
type Service struct {
	tuner      Tuner
	compressor Compressor
	newTicker  tickerFactory
	logger     *logging.Logger
}

var _ TunerServer = (*Service)(nil)

// NewService wires the gRPC service to the tuner and optional settings.
func NewService(tuner Tuner, opts ...Option) *Service {
	service := &Service{tuner: tuner, compressor: NewGZIPCompressor(), newTicker: defaultTickerFactory, logger: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	service.logger = service.logger.Named("grpc")
	return service
}

// Register attaches the service to registrar.
func Register(registrar grpc.ServiceRegistrar, service *Service) {
	registrar.RegisterService(&serviceDesc, service)
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// GetParameters returns every field value keyed by identifier.
func (s *Service) GetParameters(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	values := make(map[string]any)
	for id, value := range s.tuner.Values() {
		values[string(id)] = value
	}
	out, err := structpb.NewStruct(values)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode parameters: %v", err)
	}
	return out, nil
}

// SetParameter commits {"field": id, "value": v} and returns the change.
func (s *Service) SetParameter(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	field := req.GetFields()["field"].GetStringValue()
	value, ok := req.GetFields()["value"]
	if field == "" || !ok {
		return nil, status.Error(codes.InvalidArgument, "expected field and value")
	}
	change, err := s.tuner.SetParameter(ctx, params.FieldID(field), value.AsInterface())
	if err != nil {
		return nil, statusFor(err)
	}
	return toStruct(change)
}

// ApplyPreset applies {"name": n, "fields": {...}} all-or-nothing.
func (s *Service) ApplyPreset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	raw := req.AsMap()
	name, _ := raw["name"].(string)
	fields, _ := raw["fields"].(map[string]any)
	if len(fields) == 0 {
		return nil, status.Error(codes.InvalidArgument, "preset has no fields")
	}
	changes, err := s.tuner.ApplyPreset(ctx, params.Preset{Name: name, Fields: fields})
	if err != nil {
		return nil, statusFor(err)
	}
	s.logger.Info("preset applied", logging.String("preset", name), logging.Int("changes", len(changes)))
	return toStruct(map[string]any{"preset": name, "changes": changes})
}

// TriggerAction runs a named rig action such as reset, stop or rebuild.
func (s *Service) TriggerAction(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if err := s.tuner.Action(ctx, req.GetValue()); err != nil {
		return nil, statusFor(err)
	}
	return &emptypb.Empty{}, nil
}

// CopyCode returns the generated rig module.
func (s *Service) CopyCode(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	module, err := s.tuner.CopyCode(ctx)
	if err != nil {
		return nil, statusFor(err)
	}
	return wrapperspb.Bytes(module), nil
}

// PackageProject returns the packaged project; the file name travels in the
// BundleHeader response header.
func (s *Service) PackageProject(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	bundle, err := s.tuner.PackageProject(ctx)
	if err != nil {
		return nil, statusFor(err)
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(BundleHeader, bundle.Name)); err != nil {
		return nil, status.Errorf(codes.Internal, "set header: %v", err)
	}
	return wrapperspb.Bytes(bundle.Data), nil
}

// StreamFrames relays published scene frames at the requested rate in Hz,
// each one a compressed JSON document. Only the newest frame is kept between
// ticks.
func (s *Service) StreamFrames(req *wrapperspb.UInt32Value, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if err := s.available(); err != nil {
		return err
	}
	ctx := stream.Context()

	//1.- Advertise the payload encoding before the first frame.
	if err := stream.SendHeader(metadata.Pairs(EncodingHeader, s.compressor.Name())); err != nil {
		return err
	}

	//2.- Subscribe with a single slot so the simulation goroutine never blocks.
	latest := make(chan scene.Frame, 1)
	cancel := s.tuner.Subscribe(func(frame scene.Frame) {
		for {
			select {
			case latest <- frame:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	})
	defer cancel()

	hz := frameRate(req.GetValue())
	tickCh, stop := s.newTicker(time.Second / time.Duration(hz))
	defer stop()
	s.logger.Debug("frame stream opened", logging.Int("hz", hz), logging.String("encoding", s.compressor.Name()))

	for {
		select {
		case <-ctx.Done():
			//3.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case <-tickCh:
			var frame scene.Frame
			select {
			case frame = <-latest:
			default:
				continue
			}
			//4.- Encode and compress the newest frame.
			payload, err := json.Marshal(frame)
			if err != nil {
				return status.Errorf(codes.Internal, "encode frame: %v", err)
			}
			compressed, err := s.compressor.Compress(payload)
			if err != nil {
				return status.Errorf(codes.Internal, "compress frame: %v", err)
			}
			if err := stream.Send(wrapperspb.Bytes(compressed)); err != nil {
				return err
			}
		}
	}
}

func (s *Service) available() error {
	if s == nil || s.tuner == nil {
		return status.Error(codes.FailedPrecondition, "tuner unavailable")
	}
	return nil
}

func frameRate(requested uint32) int {
	switch {
	case requested == 0:
		return defaultFrameRateHz
	case requested > maxFrameRateHz:
		return maxFrameRateHz
	}
	return int(requested)
}

func toStruct(value any) (*structpb.Struct, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// statusFor maps a tuner error onto a gRPC status.
func statusFor(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, params.ErrUnknownField), errors.Is(err, session.ErrUnknownAction):
		code = codes.NotFound
	case errors.Is(err, params.ErrInvalidParameter), errors.Is(err, params.ErrInvalidPreset), errors.Is(err, assets.ErrInvalidAsset):
		code = codes.InvalidArgument
	case errors.Is(err, rig.ErrNotReady), errors.Is(err, assets.ErrAssetMissing):
		code = codes.FailedPrecondition
	case errors.Is(err, session.ErrClosed), errors.Is(err, simulation.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func fullMethod(name string) string {
	return fmt.Sprintf("/%s/%s", ServiceName, name)
}
