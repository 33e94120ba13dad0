// socketload drives distributed load tests against a package-registry
// firewall and turns the load generators' raw output into reports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/config"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/orchestrator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/output"
)

var (
	version = "0.1.0"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
	quiet      bool
	logFile    string
}

func main() {
	orchestrator.Version = version
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "socketload",
		Short: "Load testing for package registry firewalls",
		Long: `socketload: distributed load tests for npm, PyPI and Maven registry proxies.

Generates a synthetic request stream (cache-hit simulation, ecosystem
weighting, metadata vs download mix, intentional failures), runs it on
one or more k6 load generators, and aggregates their raw output into
percentile-accurate reports.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.PersistentFlags().StringVar(&g.logFile, "log-file", "", "Also write JSON logs to this file")

	rootCmd.AddCommand(
		newTestCmd(g),
		newFetchCmd(g),
		newValidateCmd(g),
		newAggregateCmd(g),
		newReportCmd(g),
		newMonitorCmd(g),
		newDiffCmd(),
		newExportCmd(g),
		newServeCmd(g),
		newTextfileCmd(g),
		newArchiveCmd(g),
		newMCPCmd(g),
		newConfigCmd(g),
		newInstallCmd(g),
	)
	return rootCmd
}

func (g *globalFlags) logger() (*zap.Logger, error) {
	return output.NewLogger(g.verbose, g.logFile)
}

func (g *globalFlags) progress() *output.Progress {
	return output.NewVerboseProgress(!g.quiet, g.verbose)
}

// resultsDir returns dir, or the configured output directory when dir is
// empty.
func (g *globalFlags) resultsDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return "", err
	}
	return cfg.Results.OutputDir, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// reportBuilder builds reports from the files in dir.
func reportBuilder(dir string, logger *zap.Logger) func(ctx context.Context, testID string) (*model.Report, error) {
	return func(ctx context.Context, testID string) (*model.Report, error) {
		return orchestrator.BuildReport(ctx, orchestrator.ReportOptions{Dir: dir, TestID: testID, Logger: logger})
	}
}
