package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"raycastlab/tuner/internal/assets"
	"raycastlab/tuner/internal/codegen"
	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/rig"
)

var (
	// ErrExportFailure reports an export that could not produce a complete artifact.
	ErrExportFailure = errors.New("export failed")
	// ErrNotReady reports an export requested before the rig finished building.
	ErrNotReady = rig.ErrNotReady
)

// Format selects the bundle encoding.
type Format string

const (
	FormatZip     Format = "zip"
	FormatTarZstd Format = "tar.zst"
)

// BaseName is the bundle file name without its extension.
const BaseName = "raycast-vehicle"

// modTime is stamped on every bundle entry so identical inputs produce
// identical bundles.
var modTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Snapshotter yields a consistent copy of the rig state. Implementations
// must serialise against in-flight builds.
type Snapshotter interface {
	Snapshot() (*rig.Snapshot, error)
}

// AssetExporter re-serialises a resolved model.
type AssetExporter interface {
	Export(kind assets.Kind) ([]byte, error)
}

// Context carries the collaborators of the exporter.
type Context struct {
	Rig     Snapshotter
	Assets  AssetExporter
	Logger  *logging.Logger
	Format  Format
	Dir     string
	Options []codegen.Option
}

// Bundle is a finished package export.
type Bundle struct {
	Name   string
	Format Format
	Data   []byte
	Files  []string
	Path   string
}

// Exporter serves the two export paths: module text only and the full
// project bundle.
type Exporter struct {
	ctx Context
	log *logging.Logger
}

// New constructs an exporter. An unknown format falls back to zip.
func New(ctx Context) *Exporter {
	logger := ctx.Logger
	if logger == nil {
		logger = logging.L()
	}
	if ctx.Format != FormatTarZstd {
		ctx.Format = FormatZip
	}
	return &Exporter{ctx: ctx, log: logger.Named("archive")}
}

// Name returns the bundle file name for the configured format.
func (e *Exporter) Name() string {
	if e == nil {
		return BaseName + "." + string(FormatZip)
	}
	return BaseName + "." + string(e.ctx.Format)
}

// CopyCode generates the rig module text without touching assets.
func (e *Exporter) CopyCode(ctx context.Context) ([]byte, error) {
	project, err := e.describe(ctx)
	if err != nil {
		return nil, err
	}
	module, err := codegen.RenderModule(project)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExportFailure, codegen.ModulePath, err)
	}
	e.log.Info("module copied", logging.Int("bytes", len(module)))
	return module, nil
}

// PackageProject generates every project file, re-exports both models and
// finalises the bundle. Nothing is returned or written unless every step
// succeeds.
func (e *Exporter) PackageProject(ctx context.Context) (*Bundle, error) {
	project, err := e.describe(ctx)
	if err != nil {
		return nil, err
	}
	files, err := codegen.RenderProject(project)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportFailure, err)
	}

	//1.- Both models must re-export before the bundle is assembled.
	if e.ctx.Assets == nil {
		return nil, fmt.Errorf("%w: no asset source configured", ErrExportFailure)
	}
	for _, kind := range assets.Kinds {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExportFailure, err)
		}
		data, err := e.ctx.Assets.Export(kind)
		if err != nil {
			return nil, fmt.Errorf("%w: asset %s: %w", ErrExportFailure, kind, err)
		}
		files = append(files, codegen.File{Path: AssetPath(kind), Data: data})
	}

	//2.- Encode into memory first so a failure never leaves a partial bundle.
	var data []byte
	switch e.ctx.Format {
	case FormatTarZstd:
		data, err = encodeTarZstd(files)
	default:
		data, err = encodeZip(files)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrExportFailure, e.ctx.Format, err)
	}

	bundle := &Bundle{Name: e.Name(), Format: e.ctx.Format, Data: data}
	for _, file := range files {
		bundle.Files = append(bundle.Files, file.Path)
	}

	//3.- Persist with a rename so readers never observe a half-written file.
	if e.ctx.Dir != "" {
		path, err := persist(e.ctx.Dir, bundle.Name, data)
		if err != nil {
			return nil, fmt.Errorf("%w: persist: %w", ErrExportFailure, err)
		}
		bundle.Path = path
	}
	e.log.Info("project packaged",
		logging.String("name", bundle.Name),
		logging.Int("files", len(bundle.Files)),
		logging.Int("bytes", len(data)),
		logging.String("path", bundle.Path),
	)
	return bundle, nil
}

// AssetPath is where a re-exported model lands inside the bundle.
func AssetPath(kind assets.Kind) string {
	return "static/car/" + string(kind) + ".gltf"
}

func (e *Exporter) describe(ctx context.Context) (*codegen.Project, error) {
	if e == nil || e.ctx.Rig == nil {
		return nil, ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	snapshot, err := e.ctx.Rig.Snapshot()
	if err != nil {
		if errors.Is(err, rig.ErrNotReady) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: snapshot: %w", ErrExportFailure, err)
	}
	project, err := codegen.Describe(snapshot.Store, snapshot, e.ctx.Options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	return project, nil
}

func encodeZip(files []codegen.File) ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, file := range files {
		entry, err := writer.CreateHeader(&zip.FileHeader{
			Name:     file.Path,
			Method:   zip.Deflate,
			Modified: modTime,
		})
		if err != nil {
			return nil, err
		}
		if _, err := entry.Write(file.Data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTarZstd(files []codegen.File) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	writer := tar.NewWriter(encoder)
	for _, file := range files {
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     file.Path,
			Mode:     0o644,
			Size:     int64(len(file.Data)),
			ModTime:  modTime,
			Format:   tar.FormatUSTAR,
		}
		if err := writer.WriteHeader(header); err != nil {
			encoder.Close()
			return nil, err
		}
		if _, err := writer.Write(file.Data); err != nil {
			encoder.Close()
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		encoder.Close()
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func persist(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}
