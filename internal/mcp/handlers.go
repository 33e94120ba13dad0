package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/diff"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// aggregateTimeout bounds one report build; large result files take a while.
const aggregateTimeout = 5 * time.Minute

// handlers carries the state the result-reading tools need.
type handlers struct {
	dir    string
	build  BuildFunc
	logger *zap.Logger
}

// handleListTests lists the tests found in the results directory.
func (h *handlers) handleListTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tests, err := aggregator.ListTests(h.dir)
	if err != nil {
		return errResult(fmt.Sprintf("cannot read results directory %s: %v", h.dir, err)), nil
	}
	// Ensure tests is always an array, never null, for easier consumption by AI agents.
	if tests == nil {
		tests = []aggregator.TestInfo{}
	}
	return jsonResult(map[string]interface{}{
		"results_dir": h.dir,
		"tests":       tests,
	}, true)
}

// report builds the report named by the test_id argument.
func (h *handlers) report(ctx context.Context, testID string) (*model.Report, *mcp.CallToolResult) {
	if testID == "" {
		return nil, errResult("test_id is required")
	}
	if h.build == nil {
		return nil, errResult("no results directory configured")
	}
	ctx, cancel := context.WithTimeout(ctx, aggregateTimeout)
	defer cancel()

	report, err := h.build(ctx, testID)
	switch {
	case errors.Is(err, aggregator.ErrNoResults):
		return nil, errResult(fmt.Sprintf("no result files for test %q in %s. Use list_tests to see available tests.", testID, h.dir))
	case err != nil:
		h.logger.Warn("aggregation failed", zap.String("test_id", testID), zap.Error(err))
		return nil, errResult(fmt.Sprintf("aggregation failed: %v", err))
	}
	return report, nil
}

// handleAggregateTest returns the aggregated statistics and summary of a test.
func (h *handlers) handleAggregateTest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, res := h.report(ctx, stringArg(getArgs(request), "test_id", ""))
	if res != nil {
		return res, nil
	}
	anomalies := report.Summary.Anomalies
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	return jsonResult(map[string]interface{}{
		"stats":           report.Stats,
		"health_score":    report.Summary.HealthScore,
		"anomalies":       anomalies,
		"recommendations": report.Summary.Recommendations,
	}, false)
}

// handleSystemStats returns per-generator resource summaries.
func (h *handlers) handleSystemStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testID := stringArg(getArgs(request), "test_id", "")
	report, res := h.report(ctx, testID)
	if res != nil {
		return res, nil
	}
	if report.System == nil {
		return errResult(fmt.Sprintf("no system metrics recorded for test %q. Run the test with monitoring enabled.", testID)), nil
	}

	// Series are long; agents get the summaries.
	type generator struct {
		Generator string              `json:"generator"`
		Summary   model.SystemSummary `json:"summary"`
	}
	gens := make([]generator, 0, len(report.System.Generators))
	for _, g := range report.System.Generators {
		gens = append(gens, generator{Generator: g.Generator, Summary: g.Summary})
	}
	return jsonResult(map[string]interface{}{
		"test_id":    testID,
		"summary":    report.System.Summary,
		"generators": gens,
	}, true)
}

// handleCompareTests diffs two tests.
func (h *handlers) handleCompareTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	baseID := stringArg(args, "baseline", "")
	curID := stringArg(args, "current", "")
	if baseID == "" || curID == "" {
		return errResult("baseline and current are required"), nil
	}
	baseline, res := h.report(ctx, baseID)
	if res != nil {
		return res, nil
	}
	current, res := h.report(ctx, curID)
	if res != nil {
		return res, nil
	}
	d := diff.Compare(baseline, current)
	return jsonResult(map[string]interface{}{
		"diff":    d,
		"summary": diff.FormatDiff(d),
	}, true)
}

// handleExplainAnomaly provides detailed explanation for a specific anomaly metric.
func handleExplainAnomaly(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	anomalyID := stringArg(args, "anomaly_id", "")
	if anomalyID == "" {
		return errResult("anomaly_id is required"), nil
	}

	desc, ok := anomalyExplanations[anomalyID]
	if !ok {
		return newTextResult(fmt.Sprintf(
			"No specific explanation for anomaly '%s'. "+
				"General recommendation: compare the status breakdown, latency ladders and "+
				"generator system stats of the test. Run 'aggregate_test' and 'system_stats' for details.",
			anomalyID,
		)), nil
	}

	return newTextResult(desc), nil
}

// handleListAnomalies returns all known anomaly metric IDs grouped by category.
func handleListAnomalies(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type entry struct {
		ID       string `json:"id"`
		Category string `json:"category"`
		Brief    string `json:"brief"`
	}

	// Build list from anomalyExplanations, extracting category from threshold definitions.
	categoryMap := make(map[string]string)
	for _, t := range model.DefaultThresholds() {
		categoryMap[t.Metric] = t.Category
	}

	var entries []entry
	for id, desc := range anomalyExplanations {
		cat := categoryMap[id]
		if cat == "" {
			cat = "general"
		}
		// The first line (bold title) is the brief description.
		brief := id
		for _, line := range strings.Split(desc, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				brief = strings.ReplaceAll(line, "**", "")
				break
			}
		}
		entries = append(entries, entry{ID: id, Category: cat, Brief: brief})
	}

	// Sort by category then ID for stable output.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Category != entries[j].Category {
			return entries[i].Category < entries[j].Category
		}
		return entries[i].ID < entries[j].ID
	})

	return jsonResult(entries, true)
}

// getArgs safely extracts the arguments map from a CallToolRequest.
// Returns an empty map if Arguments is nil or not a map.
func getArgs(request mcp.CallToolRequest) map[string]interface{} {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

// stringArg extracts a string argument with a default value.
func stringArg(args map[string]interface{}, key, defaultVal string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

func jsonResult(v interface{}, indent bool) (*mcp.CallToolResult, error) {
	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(data)), nil
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates an MCP tool error result (IsError=true).
// This is returned as a tool-level error, not a transport-level JSON-RPC error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}

var anomalyExplanations = map[string]string{
	"error_rate": `**High Error Rate**
Other 4xx and 5xx responses exceed the threshold. 404 and 403 are expected firewall outcomes and are not counted.
**Root Causes:**
- Firewall upstream (public registry) failing or rate limiting
- Authentication misconfigured for one ecosystem (401 responses)
- Firewall overloaded and shedding requests
**Recommendations:**
- Run 'aggregate_test' and check status_codes to see which codes dominate.
- Compare npm_requests, pypi_requests and maven_requests against the status breakdown.
- Retry at a lower rate to see whether errors scale with load.`,

	"server_error_share": `**High 5xx Share**
A significant share of responses are server errors from the firewall.
**Root Causes:**
- Upstream registry outages passed through as 502/503
- Firewall worker or connection pool exhaustion
- Cache backend errors
**Recommendations:**
- Check firewall logs for the failing ecosystem.
- Compare with a smoke run at low RPS to separate load effects from outages.`,

	"timeout_rate": `**High Timeout Rate**
Requests ended without a status code (status 0), usually because the client deadline expired.
**Root Causes:**
- Firewall queueing requests beyond the metadata (60s) or download (120s) deadline
- Network drops between generators and firewall
- Load generators out of CPU or file descriptors
**Recommendations:**
- Run 'system_stats' to rule out saturated generators.
- Check metadata_near_timeouts and the p99 latency of each request kind.`,

	"http_req_duration_p95": `**High Overall Latency (p95)**
The 95th percentile of all request durations is above threshold.
**Root Causes:**
- Low cache hit rate forcing upstream fetches
- Large artifact downloads dominating the mix
- Firewall CPU or connection saturation
**Recommendations:**
- Compare metadata_request_duration and download_request_duration to find the slow kind.
- Check cache_hit_rate; rerun with a higher cache hit percentage to compare.`,

	"metadata_request_duration_p95": `**High Metadata Latency (p95)**
Package metadata (packument, simple index, maven-metadata.xml) requests are slow.
**Root Causes:**
- Metadata cache misses and slow upstream registry
- Security scanning on the metadata path
- Large npm packuments for popular packages
**Recommendations:**
- Check cache_hit_rate and the metadata latency trend.
- Compare per-ecosystem request counts against latency with 'compare_tests'.`,

	"download_request_duration_p95": `**High Download Latency (p95)**
Artifact downloads (tarballs, wheels, jars) are slow.
**Root Causes:**
- Large artifacts in the package pool
- Artifact scanning before release to the client
- Bandwidth limits on firewall or generators
**Recommendations:**
- Check download_speed and download_size_buckets in 'aggregate_test'.
- Run 'system_stats' to check generator saturation.`,

	"metadata_near_timeouts": `**Metadata Requests Near Timeout**
Metadata requests ran into the client deadline (within 100ms of 60s).
**Root Causes:**
- Firewall waiting on an unresponsive upstream
- Request queueing under load
**Recommendations:**
- Check firewall upstream timeouts; they should be shorter than the client deadline.
- Rerun at a lower RPS and compare with 'compare_tests'.`,

	"generator_cpu_p95": `**Load Generator CPU Saturated**
A load generator's CPU was busy most of the test. Latency numbers may reflect the generator, not the firewall.
**Root Causes:**
- Too few generators for the target RPS
- Too many virtual users per generator
**Recommendations:**
- Add generators or lower the per-generator rate.
- Run 'system_stats' to find the saturated generator.`,

	"generator_memory_p95": `**Load Generator Memory Pressure**
A load generator was close to running out of memory.
**Root Causes:**
- Large response bodies kept by k6
- Very large package pools in the parameter file
**Recommendations:**
- Add generators or lower the rate per generator.
- Trim the package list with a custom packages file.`,
}
