package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dimiro1/banner"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"

	"github.com/conduitd/conduit/internal/api"
	"github.com/conduitd/conduit/internal/config"
	"github.com/conduitd/conduit/internal/engine"
)

const bannerText = `
{{ .Title "Conduit" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
		}
	}

	configPath := flag.String("config", "config/config.json", "path to config file")
	runOnce := flag.String("run-once", "", "execute one job immediately and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	e := engine.New(cfg, logger)

	if *runOnce != "" {
		runOnceAndExit(e, logger, *runOnce)
		return
	}

	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		logger.Fatalf("Failed to start engine: %v", err)
	}

	if cfg.APIEnabled {
		handler := api.NewHandler(e, logger)
		go func() {
			if err := api.Serve(ctx, handler, cfg.APIPort, logger); err != nil {
				logger.Errorf("API server error: %v", err)
			}
		}()
		logger.Infof("Status API listening on port %s", cfg.APIPort)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	logger.Info("Engine running - Press Ctrl+C to stop.")

	<-stop
	logger.Info("Shutting down...")
	cancel()

	if err := e.Stop(context.Background()); err != nil {
		logger.Errorf("Shutdown failed: %v", err)
	}
}

// runOnceAndExit executes a single job and surfaces its terminal status
// for scripting use: exit code 0 on success, 1 on failure.
func runOnceAndExit(e *engine.Engine, logger *logrus.Logger, jobID string) {
	// Run-once loads the job set but never starts watchers or timers.
	if err := e.LoadJobs(); err != nil {
		logger.Fatalf("Failed to load jobs: %v", err)
	}

	exec, err := e.ExecuteJobOnce(context.Background(), jobID)
	if err != nil {
		logger.Fatalf("Execution failed: %v", err)
	}
	if exec.Error != "" {
		logger.Errorf("Job %s failed after %s: %s", jobID, exec.Duration, exec.Error)
		os.Exit(1)
	}
	logger.Infof("Job %s completed in %s: %s", jobID, exec.Duration, exec.Summary)
}
