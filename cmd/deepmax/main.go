package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/deepmax/internal/config"
	"github.com/memohai/deepmax/internal/version"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "deepmax",
		Short:         "Multi-channel front-end for a conversational agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config.toml (default $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run every enabled channel until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		newMigrateCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				info := version.Get()
				cmd.Printf("deepmax %s\n", info)
				if info.BuildTime != "" {
					cmd.Printf("built %s\n", info.BuildTime)
				}
				cmd.Printf("%s\n", info.GoVersion)
			},
		},
	)
	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
