package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-fatigue/internal/config"
	"github.com/teslashibe/go-fatigue/internal/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fatigue",
	Short: "Eye-closure fatigue detection",
	Long: `fatigue measures the eye aspect ratio of a face over time and reports
fatigue once the eyes stay closed longer than the configured limit.

Records are written to stdout as JSON; logs go to stderr.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig reads the config file and environment, applies any flags the
// user set, validates the result and initializes logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	log.Init(cfg.Server.LogLevel)
	return cfg, nil
}
