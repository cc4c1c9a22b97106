package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/callflow/internal/config"
	"github.com/rendis/callflow/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "callflow",
	Short:         "Repeated-call workflow engine",
	Long:          `callflow decides whether an inbound service call repeats a recent one, looks for an operational cause, and drafts a reviewed recommendation for the agent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with a context cancelled on SIGINT or
// SIGTERM and exits non-zero on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file (default $CALLFLOW_CONFIG or callflow.yaml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Path to a dotenv file; existing variables win")
}

// loadConfig reads the layered configuration and builds the process logger on w.
func loadConfig(cmd *cobra.Command, w io.Writer) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.Load(config.LoadOptions{Path: path, EnvFile: envFile})
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, w)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}
