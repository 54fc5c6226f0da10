// Package main implements the brain CLI: a personal cognitive sidecar
// with tiered memory, durable code execution, and ephemeral sessions over
// a single embedded store.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"brain/internal/config"
	"brain/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is stamped at build time.
var Version = "0.3.0"

var (
	// Global flags
	configPath string
	dataDir    string
	verbose    bool

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "brain",
	Short: "brain - personal cognitive sidecar",
	Long: `brain is a personal cognitive sidecar: a tiered memory store with
full-text recall, a durable code-execution queue with isolated worker
processes, and ephemeral sessions, all over one embedded store file.

The server process answers named operations (init, status, remember,
recall, execute); worker processes claim and run queued code.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if configPath == "" {
			configPath = filepath.Join(cfg.DataDir, "config.yaml")
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := logging.Configure(cfg.DataDir, logging.Settings{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the brain version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("brain %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory override")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(opCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
