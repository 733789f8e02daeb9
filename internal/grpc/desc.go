package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/scene"
)

// serviceDesc describes raycastlab.tuner.v1.Tuner. Every message is a
// well-known protobuf type so no generated code is required.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TunerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetParameters", func() proto.Message { return new(emptypb.Empty) },
			func(srv TunerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return srv.GetParameters(ctx, req.(*emptypb.Empty))
			}),
		unaryMethod("SetParameter", func() proto.Message { return new(structpb.Struct) },
			func(srv TunerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return srv.SetParameter(ctx, req.(*structpb.Struct))
			}),
		unaryMethod("ApplyPreset", func() proto.Message { return new(structpb.Struct) },
			func(srv TunerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return srv.ApplyPreset(ctx, req.(*structpb.Struct))
			}),
		unaryMethod("TriggerAction", func() proto.Message { return new(wrapperspb.StringValue) },
			func(srv TunerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return srv.TriggerAction(ctx, req.(*wrapperspb.StringValue))
			}),
		unaryMethod("CopyCode", func() proto.Message { return new(emptypb.Empty) },
			func(srv TunerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return srv.CopyCode(ctx, req.(*emptypb.Empty))
			}),
		unaryMethod("PackageProject", func() proto.Message { return new(emptypb.Empty) },
			func(srv TunerServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return srv.PackageProject(ctx, req.(*emptypb.Empty))
			}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFrames",
			Handler:       streamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "raycastlab/tuner/v1/tuner.proto",
}

type unaryCall func(srv TunerServer, ctx context.Context, req proto.Message) (proto.Message, error)

func unaryMethod(name string, newRequest func() proto.Message, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newRequest()
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TunerServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(TunerServer), ctx, req.(proto.Message))
			})
		},
	}
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.UInt32Value)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TunerServer).StreamFrames(req, &grpc.GenericServerStream[wrapperspb.UInt32Value, wrapperspb.BytesValue]{ServerStream: stream})
}

// Client is a thin typed client for the tuner service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Parameters fetches every field value.
func (c *Client) Parameters(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetParameters"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// SetParameter commits one edit and returns the resulting change.
func (c *Client) SetParameter(ctx context.Context, id params.FieldID, value any) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"field": string(id), "value": value})
	if err != nil {
		return nil, fmt.Errorf("encode edit: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("SetParameter"), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ApplyPreset applies preset and returns the reported changes.
func (c *Client) ApplyPreset(ctx context.Context, preset params.Preset) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"name": preset.Name, "fields": preset.Fields})
	if err != nil {
		return nil, fmt.Errorf("encode preset: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("ApplyPreset"), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Action triggers a named rig action.
func (c *Client) Action(ctx context.Context, name string) error {
	return c.cc.Invoke(ctx, fullMethod("TriggerAction"), wrapperspb.String(name), new(emptypb.Empty))
}

// CopyCode fetches the generated rig module.
func (c *Client) CopyCode(ctx context.Context) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, fullMethod("CopyCode"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// PackageProject fetches the packaged project and its file name.
func (c *Client) PackageProject(ctx context.Context) (string, []byte, error) {
	var header metadata.MD
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, fullMethod("PackageProject"), &emptypb.Empty{}, out, grpc.Header(&header)); err != nil {
		return "", nil, err
	}
	name := ""
	if values := header.Get(BundleHeader); len(values) > 0 {
		name = values[0]
	}
	return name, out.GetValue(), nil
}

// FrameStream decodes frames received from StreamFrames.
type FrameStream struct {
	stream     grpc.ClientStream
	compressor Compressor
}

// StreamFrames opens a frame stream at hz frames per second; zero picks the
// server default.
func (c *Client) StreamFrames(ctx context.Context, hz uint32) (*FrameStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("StreamFrames"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.UInt32(hz)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	header, err := stream.Header()
	if err != nil {
		return nil, err
	}
	encoding := ""
	if values := header.Get(EncodingHeader); len(values) > 0 {
		encoding = values[0]
	}
	compressor, err := NewCompressor(encoding)
	if err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream, compressor: compressor}, nil
}

// Encoding reports the compressor advertised by the server.
func (f *FrameStream) Encoding() string {
	return f.compressor.Name()
}

// Recv blocks for the next frame.
func (f *FrameStream) Recv() (scene.Frame, error) {
	msg := new(wrapperspb.BytesValue)
	if err := f.stream.RecvMsg(msg); err != nil {
		return scene.Frame{}, err
	}
	payload, err := f.compressor.Decompress(msg.GetValue())
	if err != nil {
		return scene.Frame{}, err
	}
	var frame scene.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return scene.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
