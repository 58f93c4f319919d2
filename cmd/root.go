package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"deepagent/internal/config"
	"deepagent/internal/db"
	"deepagent/internal/logging"
	"deepagent/internal/service"
)

var (
	// cfgFile is the path to the YAML configuration file.
	cfgFile string
	// verbose forces debug logging.
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "deepagent",
	Short: "Queue, run and deliver long-running agent tasks.",
	Long: `deepagent accepts research, analysis and document tasks, runs each one
through an agent engine with bounded time and turns, retries failures with
backoff and delivers the results.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// bootstrap loads config, sets up logging and the database, and wires the
// components every command shares.
func bootstrap() (*service.ServiceContext, *slog.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger := logging.New(level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	if err := db.InitDB(cfg); err != nil {
		return nil, nil, err
	}
	sc, err := service.NewServiceContext(cfg, db.DB, logger)
	if err != nil {
		return nil, nil, err
	}
	return sc, logger, nil
}
