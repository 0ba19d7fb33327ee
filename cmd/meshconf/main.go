package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshconf/meshconf/internal/api"
	"github.com/meshconf/meshconf/internal/config"
	"github.com/meshconf/meshconf/internal/control"
	"github.com/meshconf/meshconf/internal/media"
	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/registry"
	"github.com/meshconf/meshconf/internal/topology"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting meshconf",
		"control_port", cfg.ControlPort,
		"media_port", cfg.MediaPort,
	)

	startTime := time.Now()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Conference registry, the single owner of membership state.
	reg := registry.New(logger)

	// Media plane: per-participant egress sockets, frame reassembly,
	// composite tasks, and the UDP ingress relay.
	egress := media.NewEgress(cfg.EgressPortStart, cfg.UDPBufferBytes, logger)

	assembler := media.NewAssembler(cfg.ReassemblyTTL, logger)
	assembler.Start(appCtx)

	tasks := media.NewTaskManager(media.TaskConfig{
		CellWidth:         cfg.CellWidth,
		CellHeight:        cfg.CellHeight,
		JPEGQuality:       cfg.JPEGQuality,
		CompositeInterval: cfg.CompositeInterval(),
		AudioFrameSamples: cfg.AudioFrameSamples,
		AudioRingFrames:   cfg.AudioRingFrames(),
	}, egress, func(conferenceID string) []uuid.UUID {
		return reg.MemberIDs(conferenceID, uuid.Nil)
	}, logger)

	relay := media.NewRelay(cfg.MediaPort, cfg.UDPBufferBytes, reg, assembler, egress, tasks, logger)
	if err := relay.Start(appCtx); err != nil {
		slog.Error("failed to start media relay", "error", err)
		os.Exit(1)
	}

	plane := &media.Plane{
		Egress:    egress,
		Assembler: assembler,
		Relay:     relay,
		Tasks:     tasks,
	}

	// Control plane: WebSocket sessions and the topology controller.
	hub := control.NewHub(reg, plane, cfg.HeartbeatInterval, cfg.HeartbeatStrikes, logger)

	ctrl := topology.NewController(reg, hub, tasks, logger)
	hub.SetModeControl(ctrl)
	ctrl.Start(appCtx)

	// Prometheus metrics on a dedicated registry.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(hub, reg, relay, assembler, egress, tasks, ctrl, startTime))
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	// HTTP server hosting the control WebSocket and the ops API.
	handler := api.NewServer(cfg, hub, reg, relay, tasks, ctrl, metricsHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ControlPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	hub.Close()
	ctrl.Stop()
	relay.Stop()
	assembler.Stop()
	tasks.ReleaseAll()
	egress.Drain()
	handler.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("meshconf stopped")
}
