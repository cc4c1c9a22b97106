package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/httpapi"
	"github.com/rendis/callflow/internal/queue"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow once for a call record",
	Long: `Reads a call record (JSON object with id, customer_id, sdc and timestamp),
runs the workflow to completion and prints the final state as JSON.
Use --record - to read the record from stdin.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("record")
		raw, err := readRecord(cmd, path)
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}

		cfg, logger, err := loadConfig(cmd, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := state.New(rec)
		if err != nil {
			return err
		}
		res := a.executor.Execute(cmd.Context(), engine.RunRequest{
			Entry: schema.StepDetermineRepeatedCall,
			Event: schema.EventStart,
			State: st,
		})

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(httpapi.NewRunView(res)); err != nil {
			return err
		}
		if res.Err != nil {
			return fmt.Errorf("run %s failed: %w", res.RunID, res.Err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("record", "r", "", "Path to the call record JSON file, or - for stdin")
	_ = runCmd.MarkFlagRequired("record")
}

func readRecord(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return data, nil
}

// decodeRecord accepts the same shapes as the inbound stream: a bare record
// or an object carrying it as a JSON string under "record".
func decodeRecord(raw []byte) (state.Record, error) {
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return state.Record{}, schema.NewError(schema.ErrCodeDecode, "record must be a JSON object").WithCause(err)
	}
	return queue.ParseRecord(values)
}
