package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	cfgFilePath string
	dataDir     string
)

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Conversation state sync server and surface driver",
	Long: `convsync keeps the scripted demo conversation of a user in sync across every
browser tab, window and device showing it.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the state API, push streams and bus relay",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Run a headless surface that walks the demo script against a server",
	Args:  cobra.NoArgs,
	RunE:  runDrive,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultDir := "."
	if cfgDir, err := os.UserConfigDir(); err == nil {
		defaultDir = filepath.Join(cfgDir, "convsync")
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDir, "Directory holding the config file and the store")
	rootCmd.PersistentFlags().StringVar(&cfgFilePath, "config", "", "Config file [default: <data-dir>/config.yaml]")

	driveCmd.Flags().StringVar(&driveOpts.server, "server", "http://localhost:8080", "Base URL of the convsync server")
	driveCmd.Flags().StringVar(&driveOpts.user, "user", "default-user", "User whose conversation is driven")
	driveCmd.Flags().StringVar(&driveOpts.script, "script", "", "Script file [default: demo.script from config]")
	driveCmd.Flags().IntVar(&driveOpts.choice, "choice", 0, "Index of the option picked at every options gate")
	driveCmd.Flags().DurationVar(&driveOpts.pause, "pause", defaultPause, "Time taken to answer a gate")
	driveCmd.Flags().BoolVar(&driveOpts.exit, "exit", false, "Exit once the script is finished")
	driveCmd.Flags().BoolVar(&driveOpts.restart, "restart", false, "Clear the conversation and start the script from the top")

	rootCmd.AddCommand(serveCmd, driveCmd)
}

func setup() (config, *slog.Logger, error) {
	path := cfgFilePath
	if path == "" {
		path = filepath.Join(dataDir, "config.yaml")
	}

	cfg, err := loadConfig(path, dataDir)
	if err != nil {
		return config{}, nil, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return config{}, nil, err
	}
	return cfg, logger, nil
}
