package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/thalesfsp/gpscreen/config"
	"github.com/thalesfsp/gpscreen/internal/logger"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
	dataHeader bool

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gpscreen",
	Short: "Gaussian Process screening of candidate structures",
	Long: `gpscreen fits Gaussian Process surrogate models to structure descriptors,
ranks unevaluated candidates with acquisition functions and builds learning
curves.

Data files are CSV: one row per structure, descriptors first and, for
training data, the target in the last column.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error

		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}

		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}

		log = logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat), os.Stderr)

		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&dataHeader, "header", false, "CSV files start with a header row")
}
