package main

import (
	"errors"
	"flag"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/joao-fontenele/orderflow-dispatch/internal/telemetry"
)

type migrateConfig struct {
	PostgresURL    string `envconfig:"POSTGRES_URL" required:"true"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"file://migrations"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	flag.Parse()
	args := flag.Args()

	_ = godotenv.Load()
	var cfg migrateConfig
	if err := envconfig.Process("", &cfg); err != nil {
		fallback := telemetry.NewLogger("info", "migrate")
		fallback.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, "migrate")

	if len(args) < 1 {
		logger.Error().Msg("usage: migrate <up|down|version|force VERSION>")
		os.Exit(1)
	}

	m, err := migrate.New(cfg.MigrationsPath, cfg.PostgresURL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create migrate instance")
		os.Exit(1)
	}
	defer func() { _, _ = m.Close() }()

	switch command := args[0]; command {
	case "up":
		err = m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Msg("no pending migrations")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("migration up failed")
			os.Exit(1)
		}
		logger.Info().Msg("migrations applied successfully")

	case "down":
		err = m.Steps(-1)
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Msg("no migrations to rollback")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("migration down failed")
			os.Exit(1)
		}
		logger.Info().Msg("migration rolled back successfully")

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info().Msg("no migrations applied yet")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to get version")
			os.Exit(1)
		}
		logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("current migration version")

	case "force":
		if len(args) < 2 {
			logger.Error().Msg("usage: migrate force VERSION")
			os.Exit(1)
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			logger.Error().Err(err).Str("version", args[1]).Msg("version must be an integer")
			os.Exit(1)
		}
		if err := m.Force(version); err != nil {
			logger.Error().Err(err).Int("version", version).Msg("force failed")
			os.Exit(1)
		}
		logger.Info().Int("version", version).Msg("migration version forced, dirty flag cleared")

	default:
		logger.Error().Str("command", command).Msg("unknown command")
		os.Exit(1)
	}
}
