package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ins-core/internal/config"
	"ins-core/internal/web"
)

func main() {
	var configPath string
	var summaryPath string
	flag.StringVar(&configPath, "config", "./insd.yaml", "Path to YAML config")
	flag.StringVar(&summaryPath, "log-summary", "", "Print a summary of a recorded sample log and exit")
	flag.Parse()

	if summaryPath != "" {
		if err := printLogSummary(summaryPath); err != nil {
			log.Fatalf("log summary failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	var logs *web.LogBuffer
	if cfg.Web.Enable {
		logs = web.NewLogBuffer(cfg.Web.LogLines)
	}
	logger, err := newLogger(cfg.Log, logs)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger.Sugar(), logs)
	cancel()
	_ = logger.Sync()
	if err != nil {
		log.Fatalf("insd: %v", err)
	}
}
