// Package main is the telemetry tail sidecar: it follows the emitter's
// sink file and republishes each event onto the bus, keeping the bus
// out of the chat request path.
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
	"github.com/harborcrm/harbor/internal/telemetry/tail"
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

	var (
		configPath string
		healthPort int
	)

	rootCmd := &cobra.Command{
		Use:          "harbor-tail",
		Short:        "Tail the telemetry sink and publish events to the bus",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath, healthPort, logger)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("HARBOR_CONFIG"),
		"Path to YAML configuration file")
	rootCmd.Flags().IntVar(&healthPort, "health-port", 8092,
		"Port for the sidecar health endpoint")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, healthPort int, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Telemetry.LogPath == "" {
		return errors.New("telemetry.log_path is required for the tail sidecar")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	publisher, err := buildPublisher(cfg.Bus)
	if err != nil {
		return fmt.Errorf("bus publisher: %w", err)
	}
	defer publisher.Close()

	tailer := tail.NewTailer(cfg.Telemetry.LogPath, publisher, logger)

	mux := http.NewServeMux()
	tail.NewHTTPHandler(tailer).Register(mux)
	healthSrv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(healthPort)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()

	logger.Info("tail sidecar starting", "sink", cfg.Telemetry.LogPath, "bus", cfg.Bus.Type)
	runErr := tailer.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	return runErr
}

func buildPublisher(cfg config.BusConfig) (bus.Publisher, error) {
	switch cfg.Type {
	case "kafka":
		return bus.NewKafkaPublisher(bus.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
	case "rabbit":
		return bus.NewRabbitPublisher(bus.RabbitConfig{
			URL:      cfg.Rabbit.URL,
			Exchange: cfg.Rabbit.Exchange,
			Queue:    cfg.Rabbit.Queue,
		})
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
}
