package main

import (
	"github.com/spf13/cobra"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/mcp"
)

func newMCPCmd(g *globalFlags) *cobra.Command {
	var resultsDir string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start Model Context Protocol (MCP) server",
		Long: `Starts a JSON-RPC server implementing the Model Context Protocol (MCP).
This allows AI agents (e.g., Claude Desktop, Cursor) to list tests,
aggregate results, inspect load generator resources and compare runs.

Communication happens over standard input/output (stdio).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := g.resultsDir(resultsDir)
			if err != nil {
				return err
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			srv := mcp.NewServer(version, mcp.Options{
				Dir:    dir,
				Build:  reportBuilder(dir, logger),
				Logger: logger,
			})
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&resultsDir, "results-dir", "d", "", "Results directory (default: results.output_dir)")
	return cmd
}
