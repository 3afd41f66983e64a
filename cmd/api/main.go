package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flight-booking-api/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "flight-booking-api",
	Short: "Flight booking API with dynamic pricing and card payments",
	Long: `Flight booking API.

Configuration is read from the environment, optionally layered over a JSON
or YAML file passed with --config. Environment variables win.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (.json, .yaml or .yml)")
	rootCmd.AddCommand(serveCmd, quoteCmd, tokenCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
