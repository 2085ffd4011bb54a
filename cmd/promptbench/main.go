package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/config"
	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/server"
)

var (
	configFile = flag.String("config", "promptbench.yaml", "Path to configuration file")
	validate   = flag.Bool("validate", false, "Validate configuration and exit")
	version    = flag.Bool("version", false, "Print version and exit")
)

const Version = "v0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("promptbench %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *validate {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", syncErr)
		}
	}()
	errors.SetLogger(logger)

	watcher, err := config.NewConfigWatcher(*configFile, logger)
	if err != nil {
		logger.Fatal("Failed to watch config", zap.Error(err), zap.String("config_path", *configFile))
	}
	defer watcher.Close()

	srv, err := server.New(watcher, logger)
	if err != nil {
		logger.Fatal("Server initialization failed", zap.Error(err), zap.String("config_path", *configFile))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Starting promptbench",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("base_url", cfg.Workspace.BaseURL),
	)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
