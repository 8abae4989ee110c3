package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/victornm/studyroom/internal/config"
	"github.com/victornm/studyroom/internal/server"
	"github.com/victornm/studyroom/internal/telemetry"
)

const programName = "studyroom"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Study rooms with shared sessions, tasks and leaderboards",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", os.Getenv("CONFIG_PATH"), "path to config file (env CONFIG_PATH)")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(rebuildRankingsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file over the defaults and installs the logger.
func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(configFile, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	if _, err := telemetry.SetupLogger(os.Stdout, c.Log); err != nil {
		return c, err
	}

	return c, nil
}
