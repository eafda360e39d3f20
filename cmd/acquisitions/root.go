package main

import (
	"fmt"

	"github.com/bissquit/acquisitions/internal/config"
	"github.com/bissquit/acquisitions/internal/version"
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:           "acquisitions",
	Short:         "Authentication service with role-aware request admission",
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.GitCommit, version.BuildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
