// Package export writes the merged samples of a test as flat rows, in
// Parquet for analysis tools or as JSON lines.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// Output formats.
const (
	FormatParquet = "parquet"
	FormatJSON    = "json"
)

// Row is one k6 sample with its common tags lifted into columns.
type Row struct {
	TimestampMs int64   `parquet:"name=ts, type=INT64, convertedtype=TIMESTAMP_MILLIS" json:"ts"`
	TestID      string  `parquet:"name=test_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"test_id"`
	Generator   string  `parquet:"name=generator, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"generator"`
	Metric      string  `parquet:"name=metric, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"metric"`
	Value       float64 `parquet:"name=value, type=DOUBLE" json:"value"`
	Ecosystem   string  `parquet:"name=ecosystem, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"ecosystem,omitempty"`
	Type        string  `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"type,omitempty"`
	Status      string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8" json:"status,omitempty"`
	// Tags holds the remaining tags as a JSON object.
	Tags string `parquet:"name=tags, type=BYTE_ARRAY, convertedtype=UTF8" json:"tags,omitempty"`
}

var liftedTags = map[string]bool{
	aggregator.TagEcosystem: true,
	"type":                  true,
	"status":                true,
}

// Rows flattens samples into rows ordered by time, then metric.
func Rows(samples aggregator.Samples, testID string) []Row {
	rows := make([]Row, 0, samples.Len())
	for metric, pts := range samples {
		for _, s := range pts {
			row := Row{
				Metric:    metric,
				Value:     s.Value,
				TestID:    testID,
				Generator: model.GeneratorFromFile(s.Source, testID),
				Ecosystem: s.Tags[aggregator.TagEcosystem],
				Type:      s.Tags["type"],
				Status:    s.Tags["status"],
				Tags:      restTags(s.Tags),
			}
			if !s.Time.IsZero() {
				row.TimestampMs = s.Time.UnixMilli()
			}
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TimestampMs != rows[j].TimestampMs {
			return rows[i].TimestampMs < rows[j].TimestampMs
		}
		if rows[i].Metric != rows[j].Metric {
			return rows[i].Metric < rows[j].Metric
		}
		return rows[i].Generator < rows[j].Generator
	})
	return rows
}

func restTags(tags model.Tags) string {
	rest := make(map[string]string)
	for k, v := range tags {
		if !liftedTags[k] {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return ""
	}
	b, err := json.Marshal(rest)
	if err != nil {
		return ""
	}
	return string(b)
}

// WriteParquet writes rows to a Parquet file at path.
func WriteParquet(path string, rows []Row) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(Row), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			fw.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("stop parquet writer: %w", err)
	}
	return fw.Close()
}

// WriteJSONLines writes one JSON object per row.
func WriteJSONLines(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// Options selects what Export reads and writes.
type Options struct {
	Dir    string // results directory
	TestID string
	Format string // FormatParquet or FormatJSON
	// Output is the destination file; "-" writes JSON lines to stdout.
	// Empty means {Dir}/{TestID}_samples.{parquet,jsonl}.
	Output string
	Logger *zap.Logger
}

// DefaultOutput is the file Export writes when Options.Output is empty.
func DefaultOutput(dir, testID, format string) string {
	ext := ".parquet"
	if format == FormatJSON {
		ext = ".jsonl"
	}
	return filepath.Join(dir, testID+"_samples"+ext)
}

// Export merges every result file of a test and writes its samples. It
// returns the destination and the number of rows written.
func Export(ctx context.Context, opts Options, stdout io.Writer) (string, int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	format := opts.Format
	if format == "" {
		format = FormatParquet
	}
	if format != FormatParquet && format != FormatJSON {
		return "", 0, fmt.Errorf("unsupported export format %q (use %s or %s)", format, FormatParquet, FormatJSON)
	}

	files, err := aggregator.FindResults(opts.Dir, opts.TestID)
	if err != nil {
		return "", 0, err
	}
	if len(files) == 0 {
		return "", 0, fmt.Errorf("%w for %s in %s", aggregator.ErrNoResults, opts.TestID, opts.Dir)
	}
	samples, ps, err := aggregator.MergeFiles(ctx, files, logger)
	if err != nil {
		return "", 0, err
	}
	rows := Rows(samples, opts.TestID)

	out := opts.Output
	if out == "" {
		out = DefaultOutput(opts.Dir, opts.TestID, format)
	}
	switch {
	case format == FormatParquet:
		if out == "-" {
			return "", 0, fmt.Errorf("parquet output needs a file path")
		}
		err = WriteParquet(out, rows)
	case out == "-":
		err = WriteJSONLines(stdout, rows)
	default:
		err = writeJSONFile(out, rows)
	}
	if err != nil {
		return "", 0, err
	}
	logger.Info("samples exported",
		zap.String("test_id", opts.TestID),
		zap.String("format", format),
		zap.String("output", out),
		zap.Int("rows", len(rows)),
		zap.Int("files", ps.Files))
	return out, len(rows), nil
}

func writeJSONFile(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteJSONLines(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
