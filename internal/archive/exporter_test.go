package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"raycastlab/tuner/internal/assets"
	"raycastlab/tuner/internal/codegen"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/physics"
	"raycastlab/tuner/internal/rig"
)

type stubAssets struct {
	fail assets.Kind
}

func (s stubAssets) Export(kind assets.Kind) ([]byte, error) {
	if kind == s.fail {
		return nil, assets.ErrAssetMissing
	}
	return []byte(`{"asset":{"version":"2.0"},"kind":"` + string(kind) + `"}`), nil
}

type notReadyRig struct{}

func (notReadyRig) Snapshot() (*rig.Snapshot, error) { return nil, rig.ErrNotReady }

func builtRig(t *testing.T) *rig.Rig {
	t.Helper()
	r := rig.New(rig.Context{World: physics.NewWorld(physics.Vec3{Y: -9.82}), Store: params.Defaults()})
	if err := r.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return r
}

func TestCopyCodeMatchesGenerator(t *testing.T) {
	r := builtRig(t)
	exporter := New(Context{Rig: r})
	text, err := exporter.CopyCode(context.Background())
	if err != nil {
		t.Fatalf("CopyCode: %v", err)
	}
	snapshot, _ := r.Snapshot()
	want, err := codegen.Generate(snapshot.Store, snapshot)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !bytes.Equal(text, want) {
		t.Fatalf("copied code differs from the generated module")
	}
}

func TestExportBeforeBuildIsNotReady(t *testing.T) {
	unbuilt := rig.New(rig.Context{World: physics.NewWorld(physics.Vec3{}), Store: params.Defaults()})
	for name, snapshotter := range map[string]Snapshotter{"unbuilt": unbuilt, "stub": notReadyRig{}} {
		exporter := New(Context{Rig: snapshotter, Assets: stubAssets{}})
		if _, err := exporter.CopyCode(context.Background()); !errors.Is(err, ErrNotReady) {
			t.Fatalf("%s CopyCode: expected ErrNotReady, got %v", name, err)
		}
		if _, err := exporter.PackageProject(context.Background()); !errors.Is(err, ErrNotReady) {
			t.Fatalf("%s PackageProject: expected ErrNotReady, got %v", name, err)
		}
	}
}

func TestPackageProjectZipLayout(t *testing.T) {
	exporter := New(Context{Rig: builtRig(t), Assets: stubAssets{}})
	bundle, err := exporter.PackageProject(context.Background())
	if err != nil {
		t.Fatalf("PackageProject: %v", err)
	}
	if bundle.Name != "raycast-vehicle.zip" || bundle.Format != FormatZip {
		t.Fatalf("unexpected bundle %s (%s)", bundle.Name, bundle.Format)
	}
	reader, err := zip.NewReader(bytes.NewReader(bundle.Data), int64(len(bundle.Data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	names := make(map[string]bool)
	for _, file := range reader.File {
		names[file.Name] = true
		if strings.HasPrefix(file.Name, BaseName+"/") || strings.HasPrefix(file.Name, "/") {
			t.Fatalf("entry %s must sit at the archive root", file.Name)
		}
		if !file.Modified.Equal(modTime) {
			t.Fatalf("%s carries modification time %v", file.Name, file.Modified)
		}
	}
	for _, want := range []string{codegen.ModulePath, "package.json", "readme.md", "bundler/webpack.dev.js", "static/car/chassis.gltf", "static/car/wheel.gltf"} {
		if !names[want] {
			t.Fatalf("bundle missing %s, has %v", want, bundle.Files)
		}
	}
	if len(reader.File) != len(bundle.Files) {
		t.Fatalf("file list disagrees with the archive: %d vs %d", len(reader.File), len(bundle.Files))
	}
}

func TestPackageProjectIsReproducible(t *testing.T) {
	r := builtRig(t)
	for _, format := range []Format{FormatZip, FormatTarZstd} {
		exporter := New(Context{Rig: r, Assets: stubAssets{}, Format: format})
		first, err := exporter.PackageProject(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		second, err := exporter.PackageProject(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !bytes.Equal(first.Data, second.Data) {
			t.Fatalf("%s bundles differ between identical exports", format)
		}
	}
}

func TestPackageProjectTarZstd(t *testing.T) {
	exporter := New(Context{Rig: builtRig(t), Assets: stubAssets{}, Format: FormatTarZstd})
	bundle, err := exporter.PackageProject(context.Background())
	if err != nil {
		t.Fatalf("PackageProject: %v", err)
	}
	if bundle.Name != "raycast-vehicle.tar.zst" {
		t.Fatalf("unexpected name %s", bundle.Name)
	}
	decoder, err := zstd.NewReader(bytes.NewReader(bundle.Data))
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer decoder.Close()
	reader := tar.NewReader(decoder)
	found := false
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		if header.Name == "static/car/wheel.gltf" {
			data, _ := io.ReadAll(reader)
			found = strings.Contains(string(data), `"kind":"wheel"`)
		}
	}
	if !found {
		t.Fatalf("wheel asset missing from tarball")
	}
}

func TestPackageProjectFailsWithoutPartialBundle(t *testing.T) {
	dir := t.TempDir()
	exporter := New(Context{Rig: builtRig(t), Assets: stubAssets{fail: assets.Wheel}, Dir: dir})
	bundle, err := exporter.PackageProject(context.Background())
	if !errors.Is(err, ErrExportFailure) || !errors.Is(err, assets.ErrAssetMissing) {
		t.Fatalf("expected ErrExportFailure wrapping the asset error, got %v", err)
	}
	if bundle != nil {
		t.Fatalf("failed export must not return a bundle")
	}
	if !strings.Contains(err.Error(), "wheel") {
		t.Fatalf("error must name the asset: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("failed export left files behind: %v", entries)
	}
}

func TestPackageProjectPersistsBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	exporter := New(Context{Rig: builtRig(t), Assets: stubAssets{}, Dir: dir})
	bundle, err := exporter.PackageProject(context.Background())
	if err != nil {
		t.Fatalf("PackageProject: %v", err)
	}
	if bundle.Path != filepath.Join(dir, "raycast-vehicle.zip") {
		t.Fatalf("unexpected path %s", bundle.Path)
	}
	data, err := os.ReadFile(bundle.Path)
	if err != nil || !bytes.Equal(data, bundle.Data) {
		t.Fatalf("persisted bundle differs: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}
