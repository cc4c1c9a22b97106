package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/callflow/internal/config"
	"github.com/rendis/callflow/internal/diagram"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Render the workflow transition table",
	Long: `Renders the workflow as Mermaid, ASCII or PNG. With --run, the path the
stored run took is overlaid: visited steps carry their emitted event and the
taken edges are highlighted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, _ := cmd.Flags().GetString("format")
		runID, _ := cmd.Flags().GetString("run")
		out, _ := cmd.Flags().GetString("out")

		cfg, logger, err := loadConfig(cmd, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		graph, err := buildWorkflow(cfg, logger)
		if err != nil {
			return err
		}

		var traces []*store.StepTrace
		if runID != "" {
			traces, err = runTraces(cmd.Context(), cfg, runID)
			if err != nil {
				return err
			}
		}
		model, err := diagram.Build(graph, schema.StepDetermineRepeatedCall, traces)
		if err != nil {
			return err
		}

		var data []byte
		switch format {
		case "mermaid":
			data = []byte(diagram.RenderMermaid(model))
		case "ascii":
			data = []byte(diagram.RenderASCII(model))
		case "png":
			if out == "" {
				return fmt.Errorf("--out is required for png output")
			}
			data, err = diagram.RenderImage(cmd.Context(), model)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown format %q (want mermaid, ascii or png)", format)
		}

		if out == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return os.WriteFile(out, data, 0o644)
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringP("format", "f", "mermaid", "Output format: mermaid, ascii or png")
	graphCmd.Flags().String("run", "", "Overlay the stored run with this id")
	graphCmd.Flags().StringP("out", "o", "", "Write to this file instead of stdout")
}

// runTraces loads the step traces of a stored run.
func runTraces(ctx context.Context, cfg *config.Config, runID string) ([]*store.StepTrace, error) {
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("--run needs a store; set store.path")
	}
	s, err := store.NewLibSQLStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.ListStepTraces(ctx, runID)
}
