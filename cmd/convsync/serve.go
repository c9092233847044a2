package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/convsync/internal/bus"
	"github.com/MegaGrindStone/convsync/internal/handlers"
	"github.com/MegaGrindStone/convsync/internal/pubsub"
	"github.com/MegaGrindStone/convsync/internal/scheduler"
	"github.com/MegaGrindStone/convsync/internal/services"
	"github.com/spf13/cobra"
)

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	backend, closeStore, err := cfg.Storage.open()
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
		}
	}()
	store := services.NewBreakerStore(backend, cfg.breakerSettings(), logger)

	broker := pubsub.NewBroker(cfg.Push.Buffer, logger)
	svc := services.NewSync(store, broker, logger)
	hub := bus.NewWSHub(logger)

	m, err := handlers.NewMain(svc, broker, hub, handlers.Options{
		Heartbeat: cfg.Push.Heartbeat,
		Buffer:    cfg.Push.Buffer,
	}, logger)
	if err != nil {
		return err
	}

	var resetter *scheduler.Resetter
	if cfg.Reset.Schedule != "" {
		resetter, err = scheduler.NewResetter(cfg.Reset.Schedule, cfg.Reset.Users, svc, logger)
		if err != nil {
			return err
		}
		resetter.Start()
	}

	mux := http.NewServeMux()
	m.Register(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(shutdownDone)
		if resetter != nil {
			resetter.Stop()
		}
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown push streams", slog.String(errLoggerKey, err.Error()))
		}
		broker.Close()
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", cfg.logAttrs()...)
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}

		select {
		case <-shutdownDone:
		case <-ctx.Done():
		}
	}
	return nil
}

const errLoggerKey = "err"
