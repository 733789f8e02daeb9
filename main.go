package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	configpkg "raycastlab/tuner/internal/config"
	"raycastlab/tuner/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tuner stopped", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run serves HTTP, WebSocket and optionally gRPC until ctx is cancelled or a
// listener fails.
func run(ctx context.Context, cfg *configpkg.Config, logger *logging.Logger) error {
	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("shutdown incomplete", logging.Error(err))
		}
	}()
	srv.Start(ctx)

	errCh := make(chan error, 2)
	tlsEnabled := cfg.TLSCertPath != ""
	httpServer := &http.Server{Addr: cfg.Address, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("tuner listening", advertisedEndpoints(cfg).Fields()...)
		var err error
		if tlsEnabled {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddress != "" {
		grpcServer, err = srv.GRPCServer()
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("gRPC listening", logging.String("address", listener.Addr().String()))
			if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", logging.Error(shutdownErr))
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	return err
}
