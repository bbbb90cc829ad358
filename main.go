package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"track-record-engine/app"
	"track-record-engine/config"
)

func main() {
	// Load config from .env file and the environment
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := newLogger(cfg)
	log.Logger = logger
	logger.Info().Interface("config", cfg.Redacted()).Msg("configuration loaded")

	// Create and start app
	application := app.New(cfg, logger)
	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("application stopped with error")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "track-record-engine").Logger()
}
