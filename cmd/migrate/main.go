package main

import (
	"log/slog"
	"os"

	"staffportal/auth-service/internal/config"
	"staffportal/auth-service/internal/db/migrate"
	"staffportal/auth-service/internal/logging"

	"github.com/spf13/pflag"
)

func main() {
	envFile := pflag.String("env-file", ".env", "optional env file read before the environment")
	direction := pflag.String("direction", "up", "migration direction: up or down")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		logger.Error("migration failed", "direction", *direction, "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied", "direction", *direction)
}
