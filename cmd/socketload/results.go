package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/collector"
	diffpkg "github.com/socketdev-demo/socket-benchmarking-tool/internal/diff"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/export"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/orchestrator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/output"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/promexport"
)

// noResults prints the missing-data message. Missing results are not a
// failure.
func noResults(cmd *cobra.Command, dir string, testIDs ...string) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "no result files for %v in %s\n", testIDs, dir)
	return nil
}

func newAggregateCmd(g *globalFlags) *cobra.Command {
	var (
		resultsDir string
		outputPath string
		duration   time.Duration
		watch      bool
		debounce   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "aggregate <test-id>...",
		Short: "Merge load generator results into aggregated statistics",
		Long: `Merge every {test-id}_{generator}_k6_results.json file of each test id and
compute latency ladders, status breakdown, error and timeout rates,
throughput and download speed. Several test ids add an rps_levels summary.`,
		Args: cobra.MinimumNArgs(1),
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
			agg := &aggregator.Aggregator{Dir: dir, Options: aggregator.Options{Duration: duration}, Logger: logger}

			if watch {
				if len(args) != 1 {
					return errors.New("--watch takes exactly one test id")
				}
				ctx, stop := signalContext(cmd.Context())
				defer stop()
				return agg.Watch(ctx, args[0], debounce, func(st *model.AggregatedStats) {
					if err := writeStats(cmd.OutOrStdout(), st, outputPath); err != nil {
						logger.Warn("write snapshot", zap.Error(err))
					}
				})
			}

			ctx := cmd.Context()
			if len(args) == 1 {
				st, err := agg.AggregateTest(ctx, args[0])
				if errors.Is(err, aggregator.ErrNoResults) {
					return noResults(cmd, dir, args...)
				}
				if err != nil {
					return err
				}
				return writeStats(cmd.OutOrStdout(), st, outputPath)
			}

			all, err := agg.AggregateTests(ctx, args)
			if errors.Is(err, aggregator.ErrNoResults) {
				return noResults(cmd, dir, args...)
			}
			if err != nil {
				return err
			}
			combined := struct {
				Tests     []*model.AggregatedStats `json:"tests"`
				RPSLevels []model.LevelSummary     `json:"rps_levels"`
			}{all, aggregator.Levels(all)}
			return writeStats(cmd.OutOrStdout(), combined, outputPath)
		},
	}
	cmd.Flags().StringVarP(&resultsDir, "results-dir", "d", "", "Results directory (default: results.output_dir)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "Output file path (- for stdout)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Configured test duration for the rate (default: from sample timestamps)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-aggregate whenever the result files change")
	cmd.Flags().DurationVar(&debounce, "debounce", aggregator.DefaultDebounce, "Quiet period before re-aggregating in --watch mode")
	return cmd
}

func writeStats(stdout io.Writer, v interface{}, path string) error {
	if path == "-" {
		return output.EncodeJSON(stdout, v)
	}
	return output.WriteJSON(v, path)
}

func newReportCmd(g *globalFlags) *cobra.Command {
	var (
		resultsDir string
		outputPath string
		format     string
		duration   time.Duration
		save       bool
	)
	cmd := &cobra.Command{
		Use:   "report <test-id>",
		Short: "Aggregate a test with system metrics, anomalies and health score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "text" {
				return fmt.Errorf("unsupported format %q (use json or text)", format)
			}
			dir, err := g.resultsDir(resultsDir)
			if err != nil {
				return err
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			report, err := orchestrator.BuildReport(cmd.Context(), orchestrator.ReportOptions{
				Dir:      dir,
				TestID:   args[0],
				Duration: duration,
				Logger:   logger,
			})
			if errors.Is(err, aggregator.ErrNoResults) {
				return noResults(cmd, dir, args[0])
			}
			if err != nil {
				return err
			}
			if save {
				path := filepath.Join(dir, model.ReportFileName(args[0]))
				if err := output.WriteJSON(report, path); err != nil {
					return err
				}
				logger.Info("report saved", zap.String("path", path))
			}

			if format == "text" {
				if outputPath == "-" {
					return output.WriteText(cmd.OutOrStdout(), report)
				}
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				return output.WriteText(f, report)
			}
			return writeStats(cmd.OutOrStdout(), report, outputPath)
		},
	}
	cmd.Flags().StringVarP(&resultsDir, "results-dir", "d", "", "Results directory (default: results.output_dir)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "Output file path (- for stdout)")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json, text")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Configured test duration for the rate (default: from sample timestamps)")
	cmd.Flags().BoolVar(&save, "save", false, "Also write {test-id}_report.json to the results directory")
	return cmd
}

func newDiffCmd() *cobra.Command {
	var diffOutput string
	cmd := &cobra.Command{
		Use:   "diff <baseline.json> <current.json>",
		Short: "Compare two socketload reports",
		Long:  "List regressions and improvements in latency, errors, throughput and generator load between two saved reports.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd.OutOrStdout(), args[0], args[1], diffOutput)
		},
	}
	cmd.Flags().StringVarP(&diffOutput, "output", "o", "-", "Output diff file path")
	return cmd
}

// runDiff handles the `diff` command.
func runDiff(stdout io.Writer, baselinePath, currentPath, outputPath string) error {
	baseline, err := diffpkg.LoadReport(baselinePath)
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}
	current, err := diffpkg.LoadReport(currentPath)
	if err != nil {
		return fmt.Errorf("load current: %w", err)
	}

	result := diffpkg.Compare(baseline, current)

	if outputPath == "-" {
		// Print human-readable diff
		_, err := io.WriteString(stdout, diffpkg.FormatDiff(result))
		return err
	}
	// Write JSON diff
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0644)
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		resultsDir string
		outputPath string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "export <test-id>",
		Short: "Export the merged raw samples of a test",
		Long: `Write every merged sample of a test (setup requests excluded) as Parquet
or JSON lines for analysis in other tools.`,
		Args: cobra.ExactArgs(1),
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

			path, n, err := export.Export(cmd.Context(), export.Options{
				Dir:    dir,
				TestID: args[0],
				Format: format,
				Output: outputPath,
				Logger: logger,
			}, cmd.OutOrStdout())
			if errors.Is(err, aggregator.ErrNoResults) {
				return noResults(cmd, dir, args[0])
			}
			if err != nil {
				return err
			}
			if path != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d samples to %s\n", n, path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&resultsDir, "results-dir", "d", "", "Results directory (default: results.output_dir)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default {results-dir}/{test-id}_samples.{parquet,jsonl}, - for stdout)")
	cmd.Flags().StringVarP(&format, "format", "f", export.FormatParquet, "Format: parquet, json")
	return cmd
}

func newTextfileCmd(g *globalFlags) *cobra.Command {
	var resultsDir string
	cmd := &cobra.Command{
		Use:   "metrics-textfile <test-id>... <path>",
		Short: "Write aggregated statistics as a Prometheus textfile",
		Long: `Write the aggregated statistics of one or more tests in the Prometheus
text format, for node_exporter's textfile collector.`,
		Args: cobra.MinimumNArgs(2),
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

			testIDs, path := args[:len(args)-1], args[len(args)-1]
			build := reportBuilder(dir, logger)
			var reports []*model.Report
			for _, id := range testIDs {
				r, err := build(cmd.Context(), id)
				if errors.Is(err, aggregator.ErrNoResults) {
					logger.Warn("no results, skipping", zap.String("test_id", id))
					continue
				}
				if err != nil {
					return err
				}
				reports = append(reports, r)
			}
			if len(reports) == 0 {
				return noResults(cmd, dir, testIDs...)
			}
			return promexport.WriteTextfile(path, reports...)
		},
	}
	cmd.Flags().StringVarP(&resultsDir, "results-dir", "d", "", "Results directory (default: results.output_dir)")
	return cmd
}

func newMonitorCmd(g *globalFlags) *cobra.Command {
	var (
		testID    string
		loadGenID string
		outputDir string
		interval  time.Duration
		duration  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Sample this host's CPU, memory and load average during a test",
		Long: `Append a system sample to {output-dir}/{test-id}_{load-gen-id}_system_metrics.jsonl
every interval until interrupted or --duration elapses. Run it on each load
generator next to k6 when the test itself is started elsewhere.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := g.resultsDir(outputDir)
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
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			path, err := collector.NewSampler("").RunToFile(ctx, dir, testID, loadGenID, interval, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "system metrics written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&testID, "test-id", "", "Test identifier")
	cmd.Flags().StringVar(&loadGenID, "load-gen-id", "gen-1", "Generator id")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Results directory (default: results.output_dir)")
	cmd.Flags().DurationVar(&interval, "interval", collector.DefaultInterval, "Sampling interval")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	_ = cmd.MarkFlagRequired("test-id")
	return cmd
}
