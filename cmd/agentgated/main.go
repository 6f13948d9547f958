package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/rudenavuud/agent-gate/common/environment"
	"github.com/rudenavuud/agent-gate/common/version"
	"github.com/rudenavuud/agent-gate/internal/gate/app"
	"github.com/rudenavuud/agent-gate/internal/gate/config"
)

func main() {
	fmt.Printf("agent-gate broker\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded")
	}

	// Configure structured logging.
	logLevel := slog.LevelInfo
	if environment.BoolOr("LOG_DEBUG", false) {
		logLevel = slog.LevelDebug
	}
	var logHandler slog.Handler
	if os.Getenv("LOG_FORMAT") == "json" {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(logHandler))

	defaultPath := environment.StringOr(config.EnvConfigPath, "/etc/agent-gate/config.yaml")
	configPath := flag.String("config", defaultPath, "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	gate, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize agent-gate: %v\n", err)
		os.Exit(1)
	}
	defer gate.Stop()

	if err := gate.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running agent-gate: %v\n", err)
		os.Exit(1)
	}
}
