package aggregator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// ErrNoResults means no result file exists for the test id yet.
var ErrNoResults = errors.New("no result files found")

// FindResults lists the result files of testID in dir, sorted. Plain and
// gzipped files are both matched; when a generator has both, the plain
// file wins. Files of other test ids sharing the prefix are skipped.
func FindResults(dir, testID string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range model.ResultsGlob(dir, testID) {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			gen := model.GeneratorFromFile(m, testID)
			if gen == "" || seen[gen] {
				continue
			}
			seen[gen] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Aggregator reads result files from one directory.
type Aggregator struct {
	Dir     string
	Options Options
	Logger  *zap.Logger
}

// AggregateTest merges every generator file of testID and analyzes it.
// It returns ErrNoResults when there is nothing to read.
func (a *Aggregator) AggregateTest(ctx context.Context, testID string) (*model.AggregatedStats, error) {
	logger := a.logger()
	files, err := FindResults(a.Dir, testID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w for %s in %s", ErrNoResults, testID, a.Dir)
	}
	logger.Info("aggregating results", zap.String("test_id", testID), zap.Int("files", len(files)))

	samples, ps, err := MergeFiles(ctx, files, logger)
	if err != nil {
		return nil, err
	}
	opts := a.Options
	opts.TestID = testID
	out := Analyze(samples, opts)
	out.NumGenerators = len(files)
	out.Parse = ps
	for _, f := range files {
		out.Generators = append(out.Generators, model.GeneratorFromFile(f, testID))
	}
	if ps.MalformedLines > 0 || ps.SetupExcluded > 0 {
		logger.Info("samples dropped",
			zap.String("test_id", testID),
			zap.Int("malformed_lines", ps.MalformedLines),
			zap.Int("setup_excluded", ps.SetupExcluded))
	}
	return out, nil
}

// AggregateTests aggregates several test ids, typically one per RPS step.
// Ids without results are skipped; the result is in argument order.
func (a *Aggregator) AggregateTests(ctx context.Context, testIDs []string) ([]*model.AggregatedStats, error) {
	var out []*model.AggregatedStats
	for _, id := range testIDs {
		st, err := a.AggregateTest(ctx, id)
		if errors.Is(err, ErrNoResults) {
			a.logger().Warn("no results, skipping", zap.String("test_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, ErrNoResults
	}
	return out, nil
}

// Levels summarizes each aggregated test as one comparison row.
func Levels(all []*model.AggregatedStats) []model.LevelSummary {
	rows := make([]model.LevelSummary, 0, len(all))
	for _, st := range all {
		row := model.LevelSummary{
			TestID:        st.TestID,
			TotalRequests: st.TotalRequests,
			AchievedRPS:   st.AchievedRPS,
			ErrorRate:     st.ErrorRate,
			TimeoutRate:   st.TimeoutRate,
		}
		if d := st.HTTPReqDuration; d != nil {
			row.P50, row.P95, row.P99 = d.P50, d.P95, d.P99
		}
		rows = append(rows, row)
	}
	return rows
}

// TestInfo describes the result files of one test id found in a directory.
type TestInfo struct {
	TestID     string    `json:"test_id"`
	Generators []string  `json:"generators"`
	Files      []string  `json:"files"`
	ModTime    time.Time `json:"mod_time"`
}

// ListTests scans dir for result files and groups them by test id, newest
// first.
func ListTests(dir string) ([]TestInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	byID := map[string]*TestInfo{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		testID, gen, ok := model.TestIDFromResultsFile(e.Name())
		if !ok {
			continue
		}
		info := byID[testID]
		if info == nil {
			info = &TestInfo{TestID: testID}
			byID[testID] = info
		}
		info.Generators = append(info.Generators, gen)
		info.Files = append(info.Files, filepath.Join(dir, e.Name()))
		if fi, err := e.Info(); err == nil && fi.ModTime().After(info.ModTime) {
			info.ModTime = fi.ModTime()
		}
	}

	out := make([]TestInfo, 0, len(byID))
	for _, info := range byID {
		sort.Strings(info.Generators)
		// A generator may have both a plain and a gzipped file.
		info.Generators = slices.Compact(info.Generators)
		sort.Strings(info.Files)
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].TestID < out[j].TestID
	})
	return out, nil
}

func (a *Aggregator) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}
