package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/config"
	"github.com/wudi/edgeproxy/internal/gateway"
	"github.com/wudi/edgeproxy/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	envFiles := flag.String("env-file", ".env", "Comma-separated dotenv files loaded before the environment")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgeproxy %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader().WithEnvFiles(splitList(*envFiles)...).Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "edgeproxy: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Dir:        cfg.Logging.Dir,
		Persist:    cfg.Logging.Persist,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		logger.Sync()
		if closer != nil {
			closer.Close()
		}
	}()

	logger.Info("Starting edgeproxy",
		zap.String("version", version),
		zap.String("http", cfg.Listeners.HTTPAddress),
		zap.Bool("tls", cfg.Listeners.TLSEnabled()),
		zap.String("admin", cfg.Admin.Address),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)

	server, err := gateway.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create gateway", zap.Error(err))
		return err
	}
	if err := server.Run(ctx); err != nil {
		logger.Error("Server error", zap.Error(err))
		return err
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
