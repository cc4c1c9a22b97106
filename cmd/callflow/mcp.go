package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/callflow/internal/engine"
	pkgmcp "github.com/rendis/callflow/pkg/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the workflow as MCP tools over stdio",
	Long: `Starts an MCP server on stdin/stdout exposing callflow.run, callflow.status
and callflow.query. Logs go to stderr so they never corrupt the JSON-RPC stream.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(cmd, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg, logger, appOptions{publish: true})
		if err != nil {
			return err
		}
		defer a.Close()

		dispatcher := engine.NewDispatcher(a.executor, cfg.Dispatcher.Size)
		defer dispatcher.Shutdown()

		srv := pkgmcp.NewServer(pkgmcp.ServerDeps{
			Runner:     a.executor,
			Dispatcher: dispatcher,
			Store:      a.store,
			Logger:     logger,
		})
		logger.Info("mcp server starting", "transport", "stdio")
		return srv.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
