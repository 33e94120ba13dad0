package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	resultsSuffix = "_k6_results.json"
	systemSuffix  = "_system_metrics.jsonl"
)

// ResultsFileName is the raw k6 output name for one generator of a test.
func ResultsFileName(testID, loadGenID string) string {
	return testID + "_" + loadGenID + resultsSuffix
}

// ReportFileName is the aggregated report written for a test.
func ReportFileName(testID string) string { return testID + "_report.json" }

// SystemMetricsFileName is the resource sample file for one generator of a test.
func SystemMetricsFileName(testID, loadGenID string) string {
	return testID + "_" + loadGenID + systemSuffix
}

// ResultsGlob matches every generator's result file for a test, gzipped or not.
func ResultsGlob(dir, testID string) []string {
	base := filepath.Join(dir, globEscape(testID)+"_*"+resultsSuffix)
	return []string{base, base + ".gz"}
}

// SystemMetricsGlob matches every generator's system metrics file for a test.
func SystemMetricsGlob(dir, testID string) string {
	return filepath.Join(dir, globEscape(testID)+"_*"+systemSuffix)
}

// ValidGeneratorID rejects ids that would make file names ambiguous. The
// generator id is the last underscore-separated token of a file name, so
// "run" + "2_gen-1" would read as test "run_2".
func ValidGeneratorID(id string) error {
	switch {
	case id == "":
		return errors.New("load generator id is empty")
	case strings.ContainsAny(id, "_/\\"):
		return fmt.Errorf("load generator id %q must not contain '_' or path separators", id)
	}
	return nil
}

// GeneratorFromFile extracts the load generator id from a result or system
// metrics file name. It returns "" when the name does not belong to testID,
// including files of a longer test id that starts with testID + "_".
func GeneratorFromFile(path, testID string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".gz")
	prefix := testID + "_"
	if !strings.HasPrefix(name, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(name, prefix)
	for _, suffix := range []string{resultsSuffix, systemSuffix} {
		if strings.HasSuffix(rest, suffix) {
			gen := strings.TrimSuffix(rest, suffix)
			if ValidGeneratorID(gen) != nil {
				return ""
			}
			return gen
		}
	}
	return ""
}

// FilterTestFiles keeps the paths GeneratorFromFile attributes to testID.
// Glob matches for "{id}_*" also catch ids like "{id}_2"; this drops them.
func FilterTestFiles(paths []string, testID string) []string {
	out := paths[:0:0]
	for _, p := range paths {
		if GeneratorFromFile(p, testID) != "" {
			out = append(out, p)
		}
	}
	return out
}

// TestIDFromResultsFile extracts the "{test_id}_{gen}" prefix pieces. The
// generator id is assumed to be the last underscore-separated token.
func TestIDFromResultsFile(path string) (testID, loadGenID string, ok bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".gz")
	if !strings.HasSuffix(name, resultsSuffix) {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, resultsSuffix)
	i := strings.LastIndex(stem, "_")
	if i <= 0 || i == len(stem)-1 {
		return "", "", false
	}
	return stem[:i], stem[i+1:], true
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
