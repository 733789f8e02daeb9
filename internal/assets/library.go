package assets

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"raycastlab/tuner/internal/logging"
)

// Kind names one of the two models the rig renders.
type Kind string

const (
	Chassis Kind = "chassis"
	Wheel   Kind = "wheel"
)

// Kinds lists every model kind in export order.
var Kinds = []Kind{Chassis, Wheel}

var (
	// ErrAssetMissing reports an export or lookup for a model that has not resolved.
	ErrAssetMissing = errors.New("asset not resolved")
	// ErrInvalidAsset reports an upload that is not a usable glTF document.
	ErrInvalidAsset = errors.New("invalid gltf asset")
)

// Generator is stamped into re-exported documents.
const Generator = "raycastlab tuner"

//go:embed models/*.gltf
var placeholders embed.FS

// ParseKind validates a model kind supplied by a client.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if kind != Chassis && kind != Wheel {
		return "", fmt.Errorf("%w: unknown model kind %q", ErrInvalidAsset, raw)
	}
	return kind, nil
}

// Model is one resolved glTF document.
type Model struct {
	Kind     Kind
	Source   string
	Data     []byte
	Revision uint64
}

// Library resolves the chassis and wheel models asynchronously and keeps the
// latest version of each, whether loaded from disk or uploaded.
type Library struct {
	dir      string
	maxBytes int64
	log      *logging.Logger

	mu        sync.RWMutex
	models    map[Kind]*Model
	revision  uint64
	listeners []func(Model)

	ready     chan struct{}
	readyOnce sync.Once
	loadOnce  sync.Once
}

// NewLibrary prepares a library reading from dir. Documents larger than
// maxBytes are rejected; zero disables the limit.
func NewLibrary(dir string, maxBytes int64, logger *logging.Logger) *Library {
	if logger == nil {
		logger = logging.L()
	}
	return &Library{
		dir:      dir,
		maxBytes: maxBytes,
		log:      logger.Named("assets"),
		models:   make(map[Kind]*Model),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once both models have resolved.
func (l *Library) Ready() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.ready
}

// OnResolve registers fn for every model that resolves or is replaced.
func (l *Library) OnResolve(fn func(Model)) {
	if l == nil || fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Load resolves both models in the background. Missing files fall back to
// the bundled placeholders so the rig can always be built.
func (l *Library) Load(ctx context.Context) {
	if l == nil {
		return
	}
	l.loadOnce.Do(func() {
		go func() {
			for _, kind := range Kinds {
				if ctx.Err() != nil {
					return
				}
				if err := l.reload(kind); err != nil {
					l.log.Warn("model load failed, using placeholder", logging.String("kind", string(kind)), logging.Error(err))
					data, _ := placeholders.ReadFile("models/" + string(kind) + ".gltf")
					_ = l.store(kind, "placeholder", data)
				}
			}
		}()
	})
}

// reload reads the model of kind from the asset directory.
func (l *Library) reload(kind Kind) error {
	path, err := l.locate(kind)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return l.store(kind, path, data)
}

func (l *Library) locate(kind Kind) (string, error) {
	if strings.TrimSpace(l.dir) == "" {
		return "", fmt.Errorf("%w: no asset directory configured", fs.ErrNotExist)
	}
	name := string(kind) + ".gltf"
	for _, candidate := range []string{filepath.Join(l.dir, name), filepath.Join(l.dir, "draco", name)} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s under %s", fs.ErrNotExist, name, l.dir)
}

// Upload replaces the model of kind with data after validating it.
func (l *Library) Upload(kind Kind, data []byte) (Model, error) {
	if l == nil {
		return Model{}, ErrAssetMissing
	}
	if kind != Chassis && kind != Wheel {
		return Model{}, fmt.Errorf("%w: unknown model kind %q", ErrInvalidAsset, kind)
	}
	if err := l.store(kind, "upload", data); err != nil {
		return Model{}, err
	}
	model, _ := l.Model(kind)
	l.log.Info("model uploaded", logging.String("kind", string(kind)), logging.Int("bytes", len(data)))
	return model, nil
}

func (l *Library) store(kind Kind, source string, data []byte) error {
	if err := l.validate(data); err != nil {
		return err
	}
	l.mu.Lock()
	l.revision++
	model := Model{Kind: kind, Source: source, Data: append([]byte(nil), data...), Revision: l.revision}
	l.models[kind] = &model
	complete := len(l.models) == len(Kinds)
	listeners := append([]func(Model){}, l.listeners...)
	l.mu.Unlock()

	//1.- Announce readiness once, after the last missing model resolves.
	if complete {
		l.readyOnce.Do(func() { close(l.ready) })
	}
	for _, listener := range listeners {
		listener(model)
	}
	return nil
}

func (l *Library) validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty document", ErrInvalidAsset)
	}
	if l.maxBytes > 0 && int64(len(data)) > l.maxBytes {
		return fmt.Errorf("%w: document of %d bytes exceeds %d", ErrInvalidAsset, len(data), l.maxBytes)
	}
	if bytes.HasPrefix(data, []byte("glTF")) {
		return fmt.Errorf("%w: binary glb containers are not supported, upload .gltf", ErrInvalidAsset)
	}
	var header struct {
		Asset *struct {
			Version string `json:"version"`
		} `json:"asset"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}
	if header.Asset == nil || !strings.HasPrefix(header.Asset.Version, "2.") {
		return fmt.Errorf("%w: asset.version 2.x required", ErrInvalidAsset)
	}
	return nil
}

// Model returns a copy of the resolved model of kind.
func (l *Library) Model(kind Kind) (Model, bool) {
	if l == nil {
		return Model{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	model, ok := l.models[kind]
	if !ok {
		return Model{}, false
	}
	clone := *model
	clone.Data = append([]byte(nil), model.Data...)
	return clone, true
}

// Export re-serialises the model of kind with sorted keys and a generator
// stamp so identical inputs export byte-identical documents.
func (l *Library) Export(kind Kind) ([]byte, error) {
	model, ok := l.Model(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetMissing, kind)
	}
	decoder := json.NewDecoder(bytes.NewReader(model.Data))
	decoder.UseNumber()
	var document map[string]any
	if err := decoder.Decode(&document); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAsset, kind, err)
	}
	asset, _ := document["asset"].(map[string]any)
	if asset == nil {
		return nil, fmt.Errorf("%w: %s: asset block missing", ErrInvalidAsset, kind)
	}
	asset["generator"] = Generator
	out, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAsset, kind, err)
	}
	return append(out, '\n'), nil
}
