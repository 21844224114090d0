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

	"github.com/spf13/cobra"

	"github.com/tidewater-robotics/plan-engine/internal/bridge"
	"github.com/tidewater-robotics/plan-engine/internal/config"
	"github.com/tidewater-robotics/plan-engine/internal/engine"
	"github.com/tidewater-robotics/plan-engine/internal/ipc"
	"github.com/tidewater-robotics/plan-engine/internal/plan"
	"github.com/tidewater-robotics/plan-engine/internal/plandir"
	"github.com/tidewater-robotics/plan-engine/internal/store"
	"github.com/tidewater-robotics/plan-engine/internal/vehicle"
)

// newServeCmd creates the "planengine serve" subcommand.
func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the plan engine",
		Long:  "Opens the plan database, launches the vehicle controller, and serves\nthe HTTP API until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve wires the engine to its store, vehicle link, plan directory and
// HTTP API, and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pdb := store.NewPlanDB(db)
	lastRef, err := pdb.LastPlanRef(ctx)
	if err != nil {
		return fmt.Errorf("read last plan reference: %w", err)
	}

	// Launch the vehicle controller before anything else runs, so a failed
	// launch leaves nothing writing to the database.
	var link *vehicle.Link
	if cfg.Vehicle.Command != "" {
		link, err = vehicle.Dial(ctx, vehicle.ControllerSpec{
			Command: cfg.Vehicle.Command,
			Args:    cfg.Vehicle.Args,
			Env:     cfg.Vehicle.Env,
		}, logger)
		if err != nil {
			return fmt.Errorf("launch vehicle controller: %w", err)
		}
		defer link.Stop()
	} else {
		logger.Warn("no vehicle controller configured; feedback only via the HTTP API")
	}

	// Wire bridge and engine.
	b := bridge.New(pdb, logger)
	eng := engine.New(cfg.EngineConfig(), pdb, plan.New(), b, b,
		engine.WithLogger(logger),
		engine.WithPlanRef(lastRef),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		b.Run(ctx)
	}()

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	// wait stops the engine and bridge and blocks until both have returned.
	wait := func() error {
		cancel()
		err := <-engineDone
		<-bridgeDone
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	if link != nil {
		b.AttachVehicle(link)
		go link.Forward(ctx, eng.Submit)
		go func() {
			select {
			case <-link.Done():
				b.AttachVehicle(nil)
				logger.Warn("vehicle controller exited")
			case <-ctx.Done():
			}
		}()
	}

	// Wire plans directory.
	if cfg.PlansDir != "" {
		w := plandir.NewWatcher(cfg.PlansDir, cfg.PlansPoll(), eng.Submit, logger)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("plans directory watcher stopped", "dir", cfg.PlansDir, "err", err)
			}
		}()
	}

	// Wire IPC handler.
	handler := &ipc.Handler{
		Engine:       eng,
		Bridge:       b,
		Plans:        pdb,
		ReplyTimeout: cfg.PlanReplyTimeout(),
		Version:      version,
	}
	srv := ipc.NewServer(handler, cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}()

	logger.Info("plan engine listening", "url", ipc.FormatListenURL(cfg.ListenAddr), "plan_ref", lastRef)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		wait()
		return fmt.Errorf("server error: %w", err)
	}

	return wait()
}
