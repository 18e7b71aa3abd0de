package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/internal/pkg/env"
	"github.com/ManuelReschke/dlgate/internal/pkg/logger"
)

func main() {
	env.SetupEnvFile()
	log := logger.New(env.GetEnv("LOG_LEVEL", "info"), env.IsDev())

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	user := env.GetEnv("DB_USER", "dlgate")
	host := env.GetEnv("DB_HOST", "db")
	port := env.GetEnv("DB_PORT", "3306")
	name := env.GetEnv("DB_NAME", "dlgate")
	dbURL := fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		user, env.GetEnv("DB_PASSWORD", "dlgate"), host, port, name)

	log.Info().Str("user", user).Str("host", host).Str("port", port).Str("database", name).Msg("connecting for migrations")

	m, err := migrate.New(env.GetEnv("MIGRATIONS_SOURCE", "file://migrations"), dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize migrations")
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Error().AnErr("source", sourceErr).AnErr("database", dbErr).Msg("closing migration resources failed")
		}
	}()

	if err := run(m, command, os.Args[2:], log); err != nil {
		log.Error().Err(err).Str("command", command).Msg("migration failed")
		if errors.Is(err, errUsage) {
			printUsage()
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func run(m *migrate.Migrate, command string, args []string, log zerolog.Logger) error {
	switch command {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("no change, database is up to date")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Msg("migrations applied")

	case "down":
		if err := m.Steps(-1); err != nil {
			return err
		}
		log.Info().Msg("rolled back last migration")

	case "goto":
		if len(args) < 1 {
			return fmt.Errorf("%w: goto needs a version", errUsage)
		}
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad version %q", errUsage, args[0])
		}
		err = m.Migrate(uint(version))
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Uint64("version", version).Msg("no change, database already at version")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Uint64("version", version).Msg("migrated to version")

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info().Msg("no migrations applied yet")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("current migration version")

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: go run ./cmd/migrate [command]")
	fmt.Println("Commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - print the current migration version")
}
