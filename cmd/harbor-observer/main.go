// Package main is the live telemetry observer: it consumes events from
// the bus into a bounded in-memory buffer and serves them over HTTP as
// snapshots and SSE streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborcrm/harbor/internal/bus"
	"github.com/harborcrm/harbor/internal/config"
	"github.com/harborcrm/harbor/internal/observability"
	"github.com/harborcrm/harbor/internal/observer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var configPath string

	rootCmd := &cobra.Command{
		Use:          "harbor-observer",
		Short:        "Serve live telemetry events from the bus",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath, logger)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("HARBOR_CONFIG"),
		"Path to YAML configuration file")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	consumer, err := buildConsumer(cfg.Bus)
	if err != nil {
		return fmt.Errorf("bus consumer: %w", err)
	}
	defer consumer.Close()

	ring := observer.NewRing(cfg.Observer.MaxEvents)
	hub := observer.NewHub(cfg.Observer.ClientQueue)
	obs := observer.NewObserver(ring, hub, logger, observability.NewMetrics())

	go obs.Run(ctx, consumer)

	mux := http.NewServeMux()
	observer.NewHTTPHandler(obs, cfg.Observer.WarmupTail).Register(mux)
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Observer.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("observer listening", "addr", srv.Addr, "bus", cfg.Bus.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func buildConsumer(cfg config.BusConfig) (bus.Consumer, error) {
	switch cfg.Type {
	case "kafka":
		return bus.NewKafkaConsumer(bus.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
	case "rabbit":
		return bus.NewRabbitConsumer(bus.RabbitConfig{
			URL:      cfg.Rabbit.URL,
			Exchange: cfg.Rabbit.Exchange,
			Queue:    cfg.Rabbit.Queue,
		})
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
}
