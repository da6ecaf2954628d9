package main

import (
	"context"

	"github.com/spf13/cobra"

	migrations "github.com/memohai/deepmax/db"
	"github.com/memohai/deepmax/internal/config"
	"github.com/memohai/deepmax/internal/db"
	"github.com/memohai/deepmax/internal/logger"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down|version|force N",
		Short:     "Manage the database schema",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"up", "down", "version", "force"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
			return migrate(cmd.Context(), cfg, args[0], args[1:])
		},
	}
}

// migrate applies command to the configured database. For sqlite the file is
// opened first so its directory exists.
func migrate(ctx context.Context, cfg config.Config, command string, args []string) error {
	if cfg.Database.Driver == config.DriverSQLite {
		conn, err := db.OpenSQLite(ctx, cfg.Database.Path)
		if err != nil {
			return err
		}
		_ = conn.Close()
	}
	src, err := migrations.Migrations(cfg.Database.Driver)
	if err != nil {
		return err
	}
	url, err := db.MigrateURL(cfg)
	if err != nil {
		return err
	}
	return db.RunMigrate(logger.L, url, src, command, args)
}
