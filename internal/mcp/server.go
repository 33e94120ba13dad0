package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// BuildFunc produces the report of one test id from the results directory.
type BuildFunc func(ctx context.Context, testID string) (*model.Report, error)

// Options configures the tools.
type Options struct {
	// Dir is the results directory the tools read from.
	Dir    string
	Build  BuildFunc
	Logger *zap.Logger
}

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP server with registered tools.
func NewServer(version string, opts Options) *Server {
	// Create MCP server
	s := server.NewMCPServer("socketload", version, server.WithLogging())

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	registerTools(s, &handlers{dir: opts.Dir, build: opts.Build, logger: opts.Logger})

	return &Server{
		mcpServer: s,
	}
}

// Start runs the server in stdio mode (blocking).
func (s *Server) Start(ctx context.Context) error {
	// NewStdioServer creates a wrapper that handles stdio communication
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools adds all supported tools to the server.
func registerTools(s *server.MCPServer, h *handlers) {
	// Tool: list_tests
	listTestsTool := mcp.NewTool("list_tests",
		mcp.WithDescription("List load tests that have result files in the results directory, newest first, with their load generators."),
	)
	s.AddTool(listTestsTool, h.handleListTests)

	// Tool: aggregate_test
	aggregateTool := mcp.NewTool("aggregate_test",
		mcp.WithDescription("Merge every load generator's k6 results for a test and return aggregated statistics (latency ladders, status breakdown, error and timeout rates, throughput) plus health score and anomalies."),
		mcp.WithString("test_id",
			mcp.Required(),
			mcp.Description("Test identifier, as shown by list_tests."),
		),
	)
	s.AddTool(aggregateTool, h.handleAggregateTest)

	// Tool: system_stats
	systemTool := mcp.NewTool("system_stats",
		mcp.WithDescription("CPU, memory and load average summary of each load generator during a test. Use it to tell firewall slowness from saturated generators."),
		mcp.WithString("test_id",
			mcp.Required(),
			mcp.Description("Test identifier, as shown by list_tests."),
		),
	)
	s.AddTool(systemTool, h.handleSystemStats)

	// Tool: compare_tests
	compareTool := mcp.NewTool("compare_tests",
		mcp.WithDescription("Compare two tests and list regressions and improvements in latency, errors, throughput and generator load."),
		mcp.WithString("baseline",
			mcp.Required(),
			mcp.Description("Test id of the baseline run."),
		),
		mcp.WithString("current",
			mcp.Required(),
			mcp.Description("Test id of the run to compare against the baseline."),
		),
	)
	s.AddTool(compareTool, h.handleCompareTests)

	// Tool: explain_anomaly
	explainTool := mcp.NewTool("explain_anomaly",
		mcp.WithDescription("Get detailed explanation, root causes, and actionable recommendations for a specific anomaly metric. Use list_anomalies to discover available IDs."),
		mcp.WithString("anomaly_id",
			mcp.Required(),
			mcp.Description("Anomaly metric ID (e.g., 'error_rate', 'http_req_duration_p95'). Use list_anomalies to see all."),
		),
	)
	s.AddTool(explainTool, handleExplainAnomaly)

	// Tool: list_anomalies
	listTool := mcp.NewTool("list_anomalies",
		mcp.WithDescription("List all known anomaly metric IDs with brief descriptions. Use with explain_anomaly to get detailed recommendations."),
	)
	s.AddTool(listTool, handleListAnomalies)
}
