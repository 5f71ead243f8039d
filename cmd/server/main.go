// Command server runs the s2a service: HTTP API, optional Telegram bot and
// cron jobs. It shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/app"
	"serotonyl.ru/s2a/internal/config"
)

func main() {
	setupLogging()

	log.Info("=== s2a starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := log.ParseLevel(cfg.AppLogLevel)
	if err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize application")
	}
	defer application.Close()

	log.WithFields(log.Fields{
		"addr":   cfg.HTTPAddr,
		"driver": cfg.DBDriver,
		"bot":    cfg.BotEnabled(),
		"tz":     cfg.AppTimezone,
	}).Info("=== s2a ready ===")

	if err := application.Run(ctx); err != nil {
		log.WithError(err).Error("Service stopped with error")
		return
	}
	log.Info("=== s2a stopped ===")
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}
