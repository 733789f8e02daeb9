package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"raycastlab/tuner/internal/archive"
	"raycastlab/tuner/internal/assets"
	"raycastlab/tuner/internal/codegen"
	"raycastlab/tuner/internal/control"
	"raycastlab/tuner/internal/journal"
	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/physics"
	"raycastlab/tuner/internal/rig"
	"raycastlab/tuner/internal/scene"
	"raycastlab/tuner/internal/simulation"
	"raycastlab/tuner/internal/syncbridge"
)

var (
	// ErrUnknownAction reports an action name other than reset, stop or rebuild.
	ErrUnknownAction = errors.New("unknown rig action")
	// ErrClosed reports a call on a session that has been shut down.
	ErrClosed = errors.New("tuner session closed")
)

// Actions accepted by Action.
const (
	ActionReset   = "reset"
	ActionStop    = "stop"
	ActionRebuild = "rebuild"
)

// Gravity is the world gravity of the tuning scene.
var Gravity = physics.Vec3{Y: -9.82}

// Context carries the settings and collaborators of one tuning session.
type Context struct {
	PhysicsHz     float64
	AssetDir      string
	MaxAssetBytes int64
	WatchAssets   bool
	ExportDir     string
	ExportFormat  archive.Format
	JournalDir    string
	Retention     journal.RetentionPolicy
	Registry      *params.Registry
	Logger        *logging.Logger
	Clock         func() time.Time
}

// Status summarises the session for readiness and metrics endpoints.
type Status struct {
	AssetsReady   bool                           `json:"assets_ready"`
	Built         bool                           `json:"built"`
	BuildError    string                         `json:"build_error,omitempty"`
	Steps         uint64                         `json:"steps"`
	Uptime        time.Duration                  `json:"uptime_ns"`
	Tick          simulation.TickMetricsSnapshot `json:"tick"`
	Subscribers   int                            `json:"subscribers"`
	Exports       uint64                         `json:"exports"`
	JournalEvents uint64                         `json:"journal_events"`
	JournalFrames uint64                         `json:"journal_frames"`
	Journals      journal.StorageStats           `json:"journals"`
}

// Session wires the parameter registry, the rig, the control machine, the
// sync bridge and the exporter around a single simulation loop. Every
// mutation of the rig, the world or the store runs on the loop goroutine.
type Session struct {
	ctx      Context
	log      *logging.Logger
	now      func() time.Time
	started  time.Time
	registry *params.Registry
	world    *physics.World
	rig      *rig.Rig
	scene    *scene.Scene
	bridge   *syncbridge.Bridge
	machine  *control.Machine
	library  *assets.Library
	loop     *simulation.Loop
	monitor  *simulation.TickMonitor
	journal  *journal.Writer
	cleaner  *journal.Cleaner

	lastFrame uint64

	mu          sync.RWMutex
	subscribers map[uint64]func(scene.Frame)
	nextSub     uint64
	buildErr    error

	exports     atomic.Uint64
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	startOnce   sync.Once
	closeOnce   sync.Once
	closed      atomic.Bool
}

// New assembles a session. Nothing runs until Start.
func New(ctx Context) (*Session, error) {
	logger := ctx.Logger
	if logger == nil {
		logger = logging.L()
	}
	if ctx.Clock == nil {
		ctx.Clock = time.Now
	}
	if ctx.PhysicsHz <= 0 {
		ctx.PhysicsHz = 60
	}
	registry := ctx.Registry
	if registry == nil {
		registry = params.NewRegistry(nil)
	}
	s := &Session{
		ctx:         ctx,
		log:         logger.Named("session"),
		now:         ctx.Clock,
		registry:    registry,
		world:       physics.NewWorld(Gravity),
		scene:       scene.New(params.WheelCount),
		subscribers: make(map[uint64]func(scene.Frame)),
	}
	store := registry.Store()

	//1.- Assets gate the rig; the rig, the bridge and the machine share the live store.
	s.library = assets.NewLibrary(ctx.AssetDir, ctx.MaxAssetBytes, logger)
	s.rig = rig.New(rig.Context{World: s.world, Store: store, Logger: logger, Ready: s.library.Ready()}, rig.WithClock(ctx.Clock))
	s.bridge = syncbridge.New(syncbridge.Context{Rig: s.rig, Renderer: s.scene, Store: store, Logger: logger})
	s.bridge.Attach(s.world)
	s.machine = control.NewMachine(control.Context{Rig: s.rig, Store: store, Logger: logger})

	//2.- The loop steps the world at the configured rate; frames follow every step.
	interval := time.Duration(float64(time.Second) / ctx.PhysicsHz)
	s.monitor = simulation.NewTickMonitor(interval)
	s.loop = simulation.NewLoop(ctx.PhysicsHz, s.step, simulation.WithMonitor(s.monitor))

	//3.- The journal is optional and records edits, inputs and frames.
	if ctx.JournalDir != "" {
		writer, manifest, err := journal.NewWriter(ctx.JournalDir, logging.GenerateTraceID()[:12], ctx.Clock)
		if err != nil {
			return nil, fmt.Errorf("open session journal: %w", err)
		}
		s.journal = writer
		s.cleaner = journal.NewCleaner(ctx.JournalDir, ctx.Retention, logger)
		s.log.Info("session journal opened", logging.String("session", manifest.SessionID), logging.String("path", writer.Directory()))
	}

	s.unsubscribe = registry.Subscribe(s.onChange)
	s.library.OnResolve(s.onResolve)
	return s, nil
}

// Start launches the loop, resolves the models and builds the rig once
// both models are available. Subsequent calls are no-ops.
func (s *Session) Start(ctx context.Context) {
	if s == nil || s.closed.Load() {
		return
	}
	s.startOnce.Do(func() { s.start(ctx) })
}

func (s *Session) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = s.now()
	s.loop.Start(runCtx)
	s.library.Load(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-runCtx.Done():
			return
		case <-s.library.Ready():
		}
		if err := s.loop.Do(runCtx, func() { _ = s.build() }); err != nil {
			s.log.Warn("rig build not scheduled", logging.Error(err))
		}
	}()
	if s.ctx.WatchAssets {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.library.Watch(runCtx); err != nil {
				s.log.Warn("asset watcher stopped", logging.Error(err))
			}
		}()
	}
	if s.cleaner != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cleaner.Run(runCtx, time.Hour)
		}()
	}
}

// build runs on the loop goroutine and returns the outcome it published.
func (s *Session) build() error {
	err := s.rig.Build()
	s.mu.Lock()
	s.buildErr = err
	s.mu.Unlock()
	if err != nil {
		s.log.Error("rig build failed", logging.Error(err))
		s.record(journal.EventBuild, map[string]any{"ok": false, "error": err.Error()})
		return err
	}
	s.bridge.Refresh()
	s.record(journal.EventBuild, map[string]any{"ok": true})
	return nil
}

// rebuild retries a failed build, or refits the chassis shape of a built rig.
func (s *Session) rebuild() error {
	if s.rig.Built() {
		return s.rig.RebuildChassisShape()
	}
	return s.build()
}

// step runs on the loop goroutine. Frames are only published once the
// bridge has synchronised a built rig.
func (s *Session) step(step time.Duration) {
	s.world.Step(step.Seconds())
	frame := s.scene.Frame()
	if frame.Step == s.lastFrame {
		return
	}
	s.lastFrame = frame.Step

	s.mu.RLock()
	subscribers := make([]func(scene.Frame), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mu.RUnlock()
	for _, fn := range subscribers {
		fn(frame)
	}

	if s.journal != nil {
		payload, err := json.Marshal(frame)
		if err == nil {
			err = s.journal.AppendFrame(frame.Step, s.elapsedMs(), payload)
		}
		if err != nil {
			s.log.Debug("journal frame dropped", logging.Error(err))
		}
	}
}

// onChange runs on the loop goroutine because every write goes through Do.
func (s *Session) onChange(change params.Change) {
	if err := s.bridge.Apply(change); err != nil && !errors.Is(err, rig.ErrNotReady) {
		s.log.Warn("parameter change rejected by rig", logging.String("field", string(change.ID)), logging.Error(err))
	}
	s.record(journal.EventParameter, map[string]any{"field": change.ID, "value": change.Value})
}

func (s *Session) onResolve(model assets.Model) {
	err := s.loop.Do(context.Background(), func() {
		switch model.Kind {
		case assets.Chassis:
			s.scene.Resolve(scene.ChassisModel)
		case assets.Wheel:
			for index := 0; index < params.WheelCount; index++ {
				s.scene.Resolve(scene.WheelModel(index))
			}
		}
		s.bridge.Refresh()
	})
	if err != nil {
		s.log.Debug("model resolution not applied", logging.String("kind", string(model.Kind)), logging.Error(err))
	}
}

// Registry exposes the parameter registry for read-only queries.
func (s *Session) Registry() *params.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Assets exposes the model library.
func (s *Session) Assets() *assets.Library {
	if s == nil {
		return nil
	}
	return s.library
}

// Fields lists every editable parameter in panel order.
func (s *Session) Fields() []params.Descriptor {
	if s == nil {
		return nil
	}
	return s.registry.Fields()
}

// Values returns the current value of every field.
func (s *Session) Values() map[params.FieldID]any {
	if s == nil {
		return nil
	}
	return s.registry.Values()
}

// Preset captures the current values under name.
func (s *Session) Preset(name string) params.Preset {
	if s == nil {
		return params.Preset{Name: name}
	}
	return s.registry.Preset(name)
}

// UploadAsset replaces a model. The scene proxies resolve through the
// library listener once the upload is accepted.
func (s *Session) UploadAsset(kind assets.Kind, data []byte) (assets.Model, error) {
	if s == nil || s.closed.Load() {
		return assets.Model{}, ErrClosed
	}
	return s.library.Upload(kind, data)
}

// ExportAsset re-serialises a resolved model.
func (s *Session) ExportAsset(kind assets.Kind) ([]byte, error) {
	if s == nil {
		return nil, ErrClosed
	}
	return s.library.Export(kind)
}

// SetParameter validates and commits one field edit on the loop goroutine.
func (s *Session) SetParameter(ctx context.Context, id params.FieldID, value any) (params.Change, error) {
	var change params.Change
	var err error
	if doErr := s.do(ctx, func() { change, err = s.registry.Write(id, value) }); doErr != nil {
		return params.Change{}, doErr
	}
	return change, err
}

// ApplyPreset applies a whole preset on the loop goroutine.
func (s *Session) ApplyPreset(ctx context.Context, preset params.Preset) ([]params.Change, error) {
	var changes []params.Change
	var err error
	if doErr := s.do(ctx, func() { changes, err = s.registry.ApplyPreset(preset) }); doErr != nil {
		return nil, doErr
	}
	return changes, err
}

// KeyDown forwards a key press to the control machine.
func (s *Session) KeyDown(ctx context.Context, key string) (control.Command, error) {
	return s.key(ctx, key, true)
}

// KeyUp forwards a key release to the control machine.
func (s *Session) KeyUp(ctx context.Context, key string) (control.Command, error) {
	return s.key(ctx, key, false)
}

func (s *Session) key(ctx context.Context, key string, down bool) (control.Command, error) {
	var command control.Command
	err := s.do(ctx, func() {
		if down {
			command = s.machine.KeyDown(key)
		} else {
			command = s.machine.KeyUp(key)
		}
		s.record(journal.EventInput, map[string]any{"key": params.CanonicalKey(key), "down": down})
	})
	return command, err
}

// ReleaseAll drops every held key, used when an input source disconnects.
func (s *Session) ReleaseAll(ctx context.Context) (control.Command, error) {
	var command control.Command
	err := s.do(ctx, func() { command = s.machine.ReleaseAll() })
	return command, err
}

// Action runs a one-shot rig action. Rebuild is the retry path after a
// failed build.
func (s *Session) Action(ctx context.Context, name string) error {
	var apply func() error
	switch name {
	case ActionReset:
		apply = s.rig.Reset
	case ActionStop:
		apply = s.rig.Stop
	case ActionRebuild:
		apply = s.rebuild
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	var err error
	if doErr := s.do(ctx, func() {
		err = apply()
		s.record(journal.EventAction, map[string]any{"action": name, "ok": err == nil})
	}); doErr != nil {
		return doErr
	}
	if err != nil && !errors.Is(err, rig.ErrNotReady) {
		logging.LoggerFromContext(ctx, s.log).Warn("rig action failed", logging.String("action", name), logging.Error(err))
	}
	return err
}

// Frame returns the latest scene frame.
func (s *Session) Frame() scene.Frame {
	if s == nil {
		return scene.Frame{}
	}
	return s.scene.Frame()
}

// Subscribe registers fn for every published frame. fn runs on the loop
// goroutine and must not block or call back into the session.
func (s *Session) Subscribe(fn func(scene.Frame)) func() {
	if s == nil || fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// CopyCode generates the rig module text.
func (s *Session) CopyCode(ctx context.Context) ([]byte, error) {
	if s == nil || s.closed.Load() {
		return nil, ErrClosed
	}
	module, err := s.exporter(ctx).CopyCode(ctx)
	s.recordExport("code", len(module), err)
	return module, err
}

// PackageProject generates and archives the full project bundle.
func (s *Session) PackageProject(ctx context.Context) (*archive.Bundle, error) {
	if s == nil || s.closed.Load() {
		return nil, ErrClosed
	}
	bundle, err := s.exporter(ctx).PackageProject(ctx)
	size := 0
	if bundle != nil {
		size = len(bundle.Data)
	}
	s.recordExport("package", size, err)
	return bundle, err
}

func (s *Session) exporter(ctx context.Context) *archive.Exporter {
	return archive.New(archive.Context{
		Rig:    loopSnapshotter{ctx: ctx, session: s},
		Assets: s.library,
		Logger: s.log,
		Format: s.ctx.ExportFormat,
		Dir:    s.ctx.ExportDir,
		Options: []codegen.Option{
			codegen.WithGravity(Gravity),
			codegen.WithStepRate(int(s.ctx.PhysicsHz + 0.5)),
		},
	})
}

func (s *Session) recordExport(kind string, size int, err error) {
	if err == nil {
		s.exports.Add(1)
	}
	payload := map[string]any{"kind": kind, "bytes": size, "ok": err == nil}
	if s.journal != nil {
		if appendErr := s.journal.AppendEvent(s.loop.Steps(), s.elapsedMs(), journal.EventExport, payload); appendErr != nil {
			s.log.Debug("journal export event dropped", logging.Error(appendErr))
		}
	}
}

// loopSnapshotter takes the rig snapshot on the loop goroutine so the
// copied store cannot interleave with an edit.
type loopSnapshotter struct {
	ctx     context.Context
	session *Session
}

func (l loopSnapshotter) Snapshot() (*rig.Snapshot, error) {
	var snapshot *rig.Snapshot
	var err error
	if doErr := l.session.do(l.ctx, func() { snapshot, err = l.session.rig.Snapshot() }); doErr != nil {
		if errors.Is(doErr, simulation.ErrStopped) {
			return nil, rig.ErrNotReady
		}
		return nil, doErr
	}
	return snapshot, err
}

// Status reports the current session state.
func (s *Session) Status() Status {
	if s == nil {
		return Status{}
	}
	status := Status{
		Built: s.rig.Built(),
		Steps: s.loop.Steps(),
		Tick:  s.monitor.Snapshot(),
	}
	select {
	case <-s.library.Ready():
		status.AssetsReady = true
	default:
	}
	if !s.started.IsZero() {
		status.Uptime = s.now().Sub(s.started)
	}
	s.mu.RLock()
	status.Subscribers = len(s.subscribers)
	if s.buildErr != nil {
		status.BuildError = s.buildErr.Error()
	}
	s.mu.RUnlock()
	status.Exports = s.exports.Load()
	if s.journal != nil {
		status.JournalEvents, status.JournalFrames = s.journal.Counts()
	}
	status.Journals = s.cleaner.Stats()
	return status
}

// Close stops the loop, unregisters the rig and seals the journal with the
// final parameter document.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		s.loop.Stop()
		s.wg.Wait()
		s.unsubscribe()
		s.bridge.Detach()
		s.rig.Destroy()
		if s.journal != nil {
			if document, marshalErr := json.Marshal(s.registry.Store()); marshalErr == nil {
				s.journal.SetParameters(document)
			}
			err = s.journal.Close()
		}
	})
	return err
}

func (s *Session) do(ctx context.Context, fn func()) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.loop.Do(ctx, fn)
}

func (s *Session) record(kind string, payload any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.AppendEvent(s.loop.Steps(), s.elapsedMs(), kind, payload); err != nil {
		s.log.Debug("journal event dropped", logging.String("kind", kind), logging.Error(err))
	}
}

func (s *Session) elapsedMs() int64 {
	if s.started.IsZero() {
		return 0
	}
	return s.now().Sub(s.started).Milliseconds()
}
