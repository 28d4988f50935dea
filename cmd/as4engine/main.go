// Command as4engine runs an AS4 message service handler.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirosfoundation/as4-engine/internal/config"
	"github.com/sirosfoundation/as4-engine/internal/engine"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "as4.yaml", "path to the YAML configuration")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("as4engine version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath, *checkOnly); err != nil {
		fmt.Fprintf(os.Stderr, "as4engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, checkOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if checkOnly {
		fmt.Println("configuration OK")
		return nil
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer eng.Close()

	logger.Info("as4engine starting", slog.String("version", version), slog.String("config", configPath))
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Info("as4engine stopped")
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
