package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/logging"
	"gemini-proxy-go/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	if *debug {
		cfg.Server.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Error("failed to configure logging")
		os.Exit(1)
	}

	srv, err := server.New(cfg, *configPath)
	if err != nil {
		log.WithError(err).Error("failed to build server")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := config.NewWatcher(*configPath, func(next *config.Config) {
		if err := srv.Reload(ctx, next); err != nil {
			log.WithError(err).Warn("config reload failed, keeping previous configuration")
		}
	})
	if err := watcher.Start(); err != nil {
		log.WithError(err).Warn("config watcher unavailable, hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}
