// Package mcp exposes the repeated-call workflow as MCP tools so agents can
// trigger runs and inspect their outcomes.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/store"
)

// Runner executes a run synchronously.
type Runner interface {
	Execute(ctx context.Context, req engine.RunRequest) *engine.RunResult
}

// Submitter starts a run in the background.
type Submitter interface {
	Submit(ctx context.Context, req engine.RunRequest, onDone func(*engine.RunResult)) (string, error)
}

// ServerDeps holds the dependencies for creating a Server. Dispatcher and
// Store are optional: without them async runs and run history are unavailable.
type ServerDeps struct {
	Runner     Runner
	Dispatcher Submitter
	Store      store.Store
	Logger     *slog.Logger
}

// Server wraps an MCP server with the callflow tool handlers.
type Server struct {
	runner     Runner
	dispatcher Submitter
	store      store.Store
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   RunNotifier
	mcpServer  *server.MCPServer

	mu       sync.Mutex
	inflight map[string]time.Time // async run id -> submitted at
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner:     deps.Runner,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		logger:     logger,
		sessions:   NewSessionRegistry(),
		inflight:   make(map[string]time.Time),
	}

	mcpSrv := server.NewMCPServer(
		"callflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Callflow analyses inbound service calls. Use callflow.run to run the repeated-call workflow for a call record, callflow.status to fetch a run by id, and callflow.query to list recent runs."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("callflow.run",
		mcp.WithDescription("Run the repeated-call workflow for one call record"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Call record identifier")),
		mcp.WithString("customer_id", mcp.Required(), mcp.Description("Customer identifier")),
		mcp.WithString("timestamp", mcp.Required(), mcp.Description("Call time, RFC3339")),
		mcp.WithString("sdc", mcp.Description("Free-text reason given for the call")),
		mcp.WithBoolean("async", mcp.Description("Return the run id immediately and notify the session when the run finishes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("callflow.status",
		mcp.WithDescription("Get a run and its step trace"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to fetch")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("callflow.query",
		mcp.WithDescription("List recent runs, newest first"),
		mcp.WithString("status", mcp.Enum("running", "completed", "failed"), mcp.Description("Only runs with this status")),
		mcp.WithString("record_id", mcp.Description("Only runs for this call record")),
		mcp.WithString("customer_id", mcp.Description("Only runs for this customer")),
		mcp.WithString("since", mcp.Description("Only runs started at or after this RFC3339 time")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	)
}
