package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/sysmetrics"
)

// Version is stamped in report metadata.
var Version = "0.1.0"

// ReportOptions selects the files a report is built from.
type ReportOptions struct {
	Dir      string
	TestID   string
	Duration time.Duration // zero: derived from sample timestamps
	Logger   *zap.Logger
	Now      func() time.Time
}

// BuildReport aggregates a test's result files, summarizes its system
// metrics when present, and scores the result. It returns
// aggregator.ErrNoResults when the test has no result file.
func BuildReport(ctx context.Context, opts ReportOptions) (*model.Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	agg := &aggregator.Aggregator{
		Dir:     opts.Dir,
		Options: aggregator.Options{Duration: opts.Duration},
		Logger:  logger,
	}
	stats, err := agg.AggregateTest(ctx, opts.TestID)
	if err != nil {
		return nil, err
	}
	files, _ := aggregator.FindResults(opts.Dir, opts.TestID)

	system, err := (&sysmetrics.Analyzer{Dir: opts.Dir, Logger: logger}).Analyze(ctx, opts.TestID)
	if err != nil {
		logger.Warn("system metrics unavailable", zap.String("test_id", opts.TestID), zap.Error(err))
		system = nil
	}

	report := &model.Report{
		Metadata: model.Metadata{
			Tool:          "socketload",
			Version:       Version,
			SchemaVersion: model.SchemaVersion,
			RunID:         uuid.NewString(),
			TestID:        opts.TestID,
			Timestamp:     now().UTC().Format(time.RFC3339),
			ResultFiles:   files,
		},
		Stats:  stats,
		System: system,
	}
	if system != nil {
		for _, g := range system.Generators {
			report.Metadata.SystemFiles = append(report.Metadata.SystemFiles,
				model.SystemMetricsFileName(opts.TestID, g.Generator))
		}
	}
	model.Summarize(report)
	return report, nil
}
