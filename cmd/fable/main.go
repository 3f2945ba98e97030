// Package main implements the fable CLI: a personal web-serial reader that
// scrapes, translates, and prefetches chapters ahead of the reading position.
package main

import (
	"fmt"
	"os"
	"time"

	"fable/internal/config"
	"fable/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	cfgPath   string
	workspace string
	verbose   bool
	timeout   time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fable",
	Short: "fable - personal web-serial reader with look-ahead translation",
	Long: `fable turns raw web-novel sites into a clean reading queue.

Point it at a table of contents and it learns how the site lists chapters,
scrapes them ahead of your reading position, and runs each one through
cleanup or translation so the next chapter is always ready.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := logging.Initialize(workspace, logging.Options{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			logger.Warn("File logging unavailable", zap.Error(err))
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

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "fable.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory for logs and data")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(booksCmd)
	rootCmd.AddCommand(rescanCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(chaptersCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(flagCmd)
	rootCmd.AddCommand(retranslateCmd)
	rootCmd.AddCommand(prefetchCmd)
	rootCmd.AddCommand(blueprintCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
