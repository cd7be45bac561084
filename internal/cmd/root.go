package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/workloop/internal/config"
	"github.com/xiaot623/gogo/workloop/internal/logging"
	"github.com/xiaot623/gogo/workloop/internal/repository"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "workloop",
	Short: "Run a pool of coding agents against a shared backlog",
	Long: `workloop drives coding agents through a task backlog. Each cycle it
reaps finished agents, relays questions to a human, checks pull requests,
starts new work and samples outcomes for analysis.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Init(cfgFile)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./workloop.yaml or $XDG_CONFIG_HOME/workloop/workloop.yaml)")
}

// app bundles what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *store.SQLiteStore
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	db, err := store.NewSQLiteStore(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &app{cfg: cfg, logger: logger, store: db}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close database")
	}
}
