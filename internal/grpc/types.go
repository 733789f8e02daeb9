package grpc

import (
	"context"

	"raycastlab/tuner/internal/archive"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/scene"
)

// ParameterSource exposes the tunable values and their edits.
type ParameterSource interface {
	Values() map[params.FieldID]any
	SetParameter(ctx context.Context, id params.FieldID, value any) (params.Change, error)
	ApplyPreset(ctx context.Context, preset params.Preset) ([]params.Change, error)
}

// FrameSource fans out published scene frames. The callback runs on the
// simulation goroutine and must not block.
type FrameSource interface {
	Subscribe(fn func(scene.Frame)) func()
}

// Exporter produces the generated module and the packaged project.
type Exporter interface {
	CopyCode(ctx context.Context) ([]byte, error)
	PackageProject(ctx context.Context) (*archive.Bundle, error)
}

// Tuner aggregates the dependencies required by the gRPC service.
type Tuner interface {
	ParameterSource
	FrameSource
	Exporter
	Action(ctx context.Context, name string) error
}
