package db

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate commands accepted by RunMigrate.
var migrateCommands = []string{"up", "down", "version", "force"}

// Migrator applies an embedded schema to one database.
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// NewMigrator opens databaseURL with the .sql files at the root of src.
// The URL scheme selects the driver ("postgres://" or "sqlite://").
func NewMigrator(logger *slog.Logger, databaseURL string, src fs.FS) (*Migrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	source, err := iofs.New(src, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	logger = logger.With(slog.String("component", "migrate"), slog.String("driver", scheme(databaseURL)))
	m.Log = &migrateLogger{logger: logger}
	return &Migrator{m: m, logger: logger}, nil
}

// Close releases the source and database handles.
func (g *Migrator) Close() error {
	srcErr, dbErr := g.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Up applies every pending migration. Being current already is not an error.
func (g *Migrator) Up() error {
	if err := g.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	ver, dirty, err := g.Version()
	if err != nil {
		return err
	}
	g.logger.Info("migration complete", slog.Uint64("version", uint64(ver)), slog.Bool("dirty", dirty))
	return nil
}

// Down rolls back every applied migration.
func (g *Migrator) Down() error {
	if err := g.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	g.logger.Info("all migrations rolled back")
	return nil
}

// Version reports the applied schema version; 0 means none.
func (g *Migrator) Version() (uint, bool, error) {
	ver, dirty, err := g.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrate version: %w", err)
	}
	return ver, dirty, nil
}

// Force marks version as applied and clears the dirty flag.
func (g *Migrator) Force(version int) error {
	if err := g.m.Force(version); err != nil {
		return fmt.Errorf("migrate force: %w", err)
	}
	g.logger.Warn("forced schema version", slog.Int("version", version))
	return nil
}

// RunMigrate executes one operator command: "up", "down", "version" or
// "force N".
func RunMigrate(logger *slog.Logger, databaseURL string, src fs.FS, command string, args []string) error {
	var force int
	switch command {
	case "up", "down", "version":
	case "force":
		if len(args) == 0 {
			return errors.New("force requires a version number argument")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		force = v
	default:
		return fmt.Errorf("unknown migrate command %q (use: %s)", command, strings.Join(migrateCommands, ", "))
	}

	g, err := NewMigrator(logger, databaseURL, src)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	switch command {
	case "up":
		return g.Up()
	case "down":
		return g.Down()
	case "force":
		return g.Force(force)
	default:
		ver, dirty, err := g.Version()
		if err != nil {
			return err
		}
		g.logger.Info("current version", slog.Uint64("version", uint64(ver)), slog.Bool("dirty", dirty))
		return nil
	}
}

func scheme(databaseURL string) string {
	if i := strings.Index(databaseURL, "://"); i > 0 {
		return databaseURL[:i]
	}
	return "unknown"
}

// migrateLogger routes golang-migrate output through slog at debug level.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
