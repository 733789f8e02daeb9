package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc"

	"raycastlab/tuner/internal/archive"
	configpkg "raycastlab/tuner/internal/config"
	grpcapi "raycastlab/tuner/internal/grpc"
	httpapi "raycastlab/tuner/internal/http"
	"raycastlab/tuner/internal/journal"
	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/session"
)

// server owns the tuning session and every surface exposed over it.
type server struct {
	cfg      *configpkg.Config
	log      *logging.Logger
	registry *params.Registry
	session  *session.Session
	hub      *Hub
	autosave *ParameterSnapshotter
	auth     requestAuthenticator
	limiter  *httpapi.SlidingWindowLimiter

	unsubscribe []func()
}

// newServer restores persisted parameters and assembles the session, the
// WebSocket hub and the HTTP handlers. Nothing runs until Start.
func newServer(cfg *configpkg.Config, logger *logging.Logger) (*server, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &server{cfg: cfg, log: logger, registry: params.NewRegistry(nil)}

	//1.- Restore the last saved parameters before anything observes the store.
	autosave, err := NewParameterSnapshotter(cfg.StatePath, cfg.StateInterval, logger)
	if err != nil {
		return nil, err
	}
	s.autosave = autosave
	if preset, ok, err := autosave.Restore(); err != nil {
		logger.Warn("saved parameters ignored", logging.String("path", cfg.StatePath), logging.Error(err))
	} else if ok {
		changes, err := s.registry.ApplyPreset(preset)
		if err != nil {
			logger.Warn("saved parameters rejected", logging.String("path", cfg.StatePath), logging.Error(err))
		} else {
			logger.Info("saved parameters restored", logging.String("path", cfg.StatePath), logging.Int("changes", len(changes)))
		}
	}

	//2.- Auth is only enforced when a token secret is configured.
	s.auth = allowAllAuthenticator{}
	if cfg.WSAuthSecret != "" {
		authenticator, err := newHMACRequestAuthenticator(cfg.WSAuthSecret)
		if err != nil {
			return nil, err
		}
		s.auth = authenticator
	}

	sess, err := session.New(session.Context{
		PhysicsHz:     cfg.PhysicsHz,
		AssetDir:      cfg.AssetDir,
		MaxAssetBytes: cfg.MaxAssetBytes,
		WatchAssets:   cfg.WatchAssets,
		ExportDir:     cfg.ExportDir,
		ExportFormat:  archive.Format(cfg.ExportFormat),
		JournalDir:    cfg.JournalDir,
		Retention:     journal.RetentionPolicy{MaxSessions: cfg.Journal.MaxSessions, MaxAge: cfg.Journal.MaxAge},
		Registry:      s.registry,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.session = sess
	s.hub = NewHub(HubOptions{
		Session:         sess,
		Logger:          logger,
		Authenticator:   s.auth,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
		FrameBudget:     cfg.FrameBudget,
	})
	s.limiter = httpapi.NewSlidingWindowLimiter(cfg.ExportWindow, cfg.ExportBurst, nil)

	//3.- Every committed edit is autosaved and echoed to connected panels.
	s.unsubscribe = append(s.unsubscribe,
		s.registry.Subscribe(func(params.Change) { s.autosave.Record(s.registry.Preset(autosavePresetName)) }),
		s.registry.Subscribe(s.hub.PublishChange),
	)
	return s, nil
}

// Start launches the simulation and model resolution.
func (s *server) Start(ctx context.Context) {
	s.session.Start(ctx)
}

// Handler returns the HTTP surface wrapped with request tracing.
func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:        s.log,
		Tuner:         s.session,
		RateLimiter:   s.limiter,
		Authorize:     editAuthorizer(s.auth),
		MaxAssetBytes: s.cfg.MaxAssetBytes,
		Clients:       s.hub.Clients,
		SkippedFrames: s.hub.SkippedFrames,
	})
	handlers.Register(mux)
	mux.Handle(panelSocketPath, s.hub)
	return logging.HTTPTraceMiddleware(s.log)(mux)
}

// GRPCServer builds a gRPC server exposing the tuner service.
func (s *server) GRPCServer() (*grpc.Server, error) {
	opts, err := configureGRPCSecurity(s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	compressor, err := grpcapi.NewCompressor(s.cfg.GRPCCompression)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(opts...)
	grpcapi.Register(server, grpcapi.NewService(s.session, grpcapi.WithCompressor(compressor), grpcapi.WithLogger(s.log)))
	return server, nil
}

// Close disconnects panels, stops the session and flushes the autosave.
func (s *server) Close() error {
	for _, cancel := range s.unsubscribe {
		cancel()
	}
	s.hub.Close()
	err := s.session.Close()
	if saveErr := s.autosave.Close(); saveErr != nil {
		err = errors.Join(err, fmt.Errorf("flush parameters: %w", saveErr))
	}
	return err
}
