package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/aggregator"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// --- getArgs / stringArg helpers ---

func TestGetArgs_NilArguments(t *testing.T) {
	req := mcp.CallToolRequest{}
	args := getArgs(req)
	if args == nil {
		t.Fatal("getArgs returned nil, expected empty map")
	}
	if len(args) != 0 {
		t.Fatalf("expected empty map, got %v", args)
	}
}

func TestGetArgs_ValidMap(t *testing.T) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: map[string]interface{}{
				"key": "value",
			},
		},
	}
	args := getArgs(req)
	if v, ok := args["key"]; !ok || v != "value" {
		t.Fatalf("expected key=value, got %v", args)
	}
}

func TestGetArgs_WrongType(t *testing.T) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: "not a map",
		},
	}
	args := getArgs(req)
	if len(args) != 0 {
		t.Fatalf("expected empty map for wrong type, got %v", args)
	}
}

func TestStringArg_Present(t *testing.T) {
	args := map[string]interface{}{"name": "hello"}
	if got := stringArg(args, "name", "default"); got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestStringArg_Missing(t *testing.T) {
	args := map[string]interface{}{}
	if got := stringArg(args, "name", "default"); got != "default" {
		t.Fatalf("expected 'default', got %q", got)
	}
}

func TestStringArg_NilValue(t *testing.T) {
	args := map[string]interface{}{"name": nil}
	if got := stringArg(args, "name", "default"); got != "default" {
		t.Fatalf("expected 'default' for nil value, got %q", got)
	}
}

func TestStringArg_EmptyString(t *testing.T) {
	args := map[string]interface{}{"name": ""}
	if got := stringArg(args, "name", "default"); got != "default" {
		t.Fatalf("expected 'default' for empty string, got %q", got)
	}
}

func TestStringArg_WrongType(t *testing.T) {
	args := map[string]interface{}{"name": 42}
	if got := stringArg(args, "name", "default"); got != "default" {
		t.Fatalf("expected 'default' for wrong type, got %q", got)
	}
}

// --- newTextResult / errResult ---

func TestNewTextResult(t *testing.T) {
	result := newTextResult("hello world")
	if result.IsError {
		t.Fatal("newTextResult should not set IsError")
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(result.Content))
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	if tc.Text != "hello world" {
		t.Fatalf("expected 'hello world', got %q", tc.Text)
	}
}

func TestErrResult(t *testing.T) {
	result := errResult("something failed")
	if !result.IsError {
		t.Fatal("errResult should set IsError=true")
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(result.Content))
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	if tc.Text != "something failed" {
		t.Fatalf("expected 'something failed', got %q", tc.Text)
	}
}

// --- handleExplainAnomaly ---

func TestHandleExplainAnomaly_ValidID(t *testing.T) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: map[string]interface{}{
				"anomaly_id": "timeout_rate",
			},
		},
	}
	res, err := handleExplainAnomaly(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatal("expected success, got IsError")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	if !strings.Contains(tc.Text, "High Timeout Rate") {
		t.Errorf("expected 'High Timeout Rate' in output, got: %s", tc.Text)
	}
}

func TestHandleExplainAnomaly_AllKnownIDs(t *testing.T) {
	for id := range anomalyExplanations {
		req := mcp.CallToolRequest{
			Params: mcp.CallToolParams{
				Arguments: map[string]interface{}{
					"anomaly_id": id,
				},
			},
		}
		res, err := handleExplainAnomaly(context.Background(), req)
		if err != nil {
			t.Fatalf("anomaly %q: unexpected error: %v", id, err)
		}
		if res.IsError {
			t.Fatalf("anomaly %q: expected success, got IsError", id)
		}
		tc, ok := res.Content[0].(mcp.TextContent)
		if !ok {
			t.Fatalf("anomaly %q: expected TextContent", id)
		}
		if tc.Text == "" {
			t.Fatalf("anomaly %q: empty explanation", id)
		}
	}
}

func TestHandleExplainAnomaly_MissingArgument(t *testing.T) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: map[string]interface{}{},
		},
	}
	res, err := handleExplainAnomaly(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for missing anomaly_id")
	}
	tc := res.Content[0].(mcp.TextContent)
	if !strings.Contains(tc.Text, "anomaly_id is required") {
		t.Errorf("expected 'anomaly_id is required', got: %s", tc.Text)
	}
}

func TestHandleExplainAnomaly_NilArguments(t *testing.T) {
	req := mcp.CallToolRequest{}
	res, err := handleExplainAnomaly(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected Go error (should not panic): %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError for nil arguments")
	}
}

func TestHandleExplainAnomaly_UnknownID(t *testing.T) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: map[string]interface{}{
				"anomaly_id": "unknown_anomaly_xyz",
			},
		},
	}
	res, err := handleExplainAnomaly(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatal("unknown ID should not be an error, just a fallback message")
	}
	tc := res.Content[0].(mcp.TextContent)
	if !strings.Contains(tc.Text, "No specific explanation") {
		t.Errorf("expected fallback message, got: %s", tc.Text)
	}
	if !strings.Contains(tc.Text, "unknown_anomaly_xyz") {
		t.Errorf("expected anomaly ID in fallback message, got: %s", tc.Text)
	}
}

// --- anomalyExplanations coverage ---

func TestAnomalyExplanations_NotEmpty(t *testing.T) {
	if len(anomalyExplanations) == 0 {
		t.Fatal("anomalyExplanations should not be empty")
	}
	for id, desc := range anomalyExplanations {
		if desc == "" {
			t.Errorf("anomaly %q has empty description", id)
		}
		if !strings.Contains(desc, "**") {
			t.Errorf("anomaly %q should have markdown bold header", id)
		}
		if !strings.Contains(desc, "Recommendations:") && !strings.Contains(desc, "Recommendation") {
			t.Errorf("anomaly %q should include recommendations", id)
		}
	}
}

// --- handleListAnomalies ---

func TestHandleListAnomalies(t *testing.T) {
	req := mcp.CallToolRequest{}
	res, err := handleListAnomalies(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatal("expected success, got IsError")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}

	// Verify it's valid JSON array
	var entries []struct {
		ID       string `json:"id"`
		Category string `json:"category"`
		Brief    string `json:"brief"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &entries); err != nil {
		t.Fatalf("response is not valid JSON: %v\ntext: %s", err, tc.Text)
	}

	// Should have same count as anomalyExplanations
	if len(entries) != len(anomalyExplanations) {
		t.Errorf("expected %d entries, got %d", len(anomalyExplanations), len(entries))
	}

	// Verify all entries have non-empty fields
	for _, e := range entries {
		if e.ID == "" {
			t.Error("entry has empty ID")
		}
		if e.Category == "" {
			t.Errorf("entry %q has empty category", e.ID)
		}
		if e.Brief == "" {
			t.Errorf("entry %q has empty brief", e.ID)
		}
		// Brief should NOT contain markdown ** markers
		if strings.Contains(e.Brief, "**") {
			t.Errorf("entry %q brief still has markdown: %s", e.ID, e.Brief)
		}
	}

	// Verify sorted by category
	for i := 1; i < len(entries); i++ {
		if entries[i].Category < entries[i-1].Category {
			t.Errorf("entries not sorted by category: %s < %s", entries[i].Category, entries[i-1].Category)
		}
	}
}

// --- Anomaly explanations cover all thresholds ---

func TestAnomalyExplanations_CoversAllThresholds(t *testing.T) {
	thresholds := model.DefaultThresholds()
	for _, th := range thresholds {
		if _, ok := anomalyExplanations[th.Metric]; !ok {
			t.Errorf("threshold metric %q has no explanation in anomalyExplanations", th.Metric)
		}
	}
}

// --- Server creation ---

func TestNewServer(t *testing.T) {
	srv := NewServer("1.0.0-test", Options{Dir: t.TempDir()})
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
	if srv.mcpServer == nil {
		t.Fatal("mcpServer is nil")
	}
}

// --- result tools ---

func testReport(testID string, p95 float64) *model.Report {
	r := &model.Report{
		Metadata: model.Metadata{TestID: testID},
		Stats: &model.AggregatedStats{
			TestID:          testID,
			TotalRequests:   500,
			AchievedRPS:     50,
			HTTPReqDuration: &model.DurationStats{Ladder: model.Ladder{P50: 100, P95: p95, P99: p95 * 2, Count: 500}},
		},
		System: &model.SystemStats{
			TestID:  testID,
			Summary: model.SystemSummary{CPUP95: 40, Samples: 10},
			Generators: []model.GeneratorSystemStats{{
				Generator: "gen-1",
				Summary:   model.SystemSummary{CPUP95: 40, Samples: 10},
				Series:    model.SystemSeries{CPUUsage: []model.Point{{Time: 1, Value: 40}}},
			}},
		},
	}
	model.Summarize(r)
	return r
}

func testHandlers(t *testing.T) *handlers {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{model.ResultsFileName("base", "gen-1"), model.ResultsFileName("slow", "gen-1")} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	build := func(_ context.Context, testID string) (*model.Report, error) {
		switch testID {
		case "base":
			return testReport("base", 400), nil
		case "slow":
			r := testReport("slow", 1600)
			r.System = nil
			return r, nil
		case "broken":
			return nil, errors.New("unexpected EOF")
		}
		return nil, fmt.Errorf("%w for %s", aggregator.ErrNoResults, testID)
	}
	return &handlers{dir: dir, build: build, logger: zap.NewNop()}
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	return tc.Text
}

func TestHandleListTests(t *testing.T) {
	h := testHandlers(t)
	res, err := h.handleListTests(context.Background(), mcp.CallToolRequest{})
	if err != nil || res.IsError {
		t.Fatalf("list_tests failed: %v %s", err, text(t, res))
	}
	var out struct {
		Tests []aggregator.TestInfo `json:"tests"`
	}
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out.Tests) != 2 {
		t.Errorf("tests = %d, want 2", len(out.Tests))
	}

	h.dir = filepath.Join(h.dir, "missing")
	res, _ = h.handleListTests(context.Background(), mcp.CallToolRequest{})
	if !res.IsError {
		t.Error("expected IsError for a missing directory")
	}
}

func TestHandleAggregateTest(t *testing.T) {
	h := testHandlers(t)
	res, err := h.handleAggregateTest(context.Background(), call(map[string]interface{}{"test_id": "slow"}))
	if err != nil || res.IsError {
		t.Fatalf("aggregate_test failed: %v %s", err, text(t, res))
	}
	var out struct {
		Stats       model.AggregatedStats `json:"stats"`
		HealthScore int                   `json:"health_score"`
		Anomalies   []model.Anomaly       `json:"anomalies"`
	}
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Stats.TotalRequests != 500 {
		t.Errorf("total_requests = %d, want 500", out.Stats.TotalRequests)
	}
	found := false
	for _, a := range out.Anomalies {
		if a.Metric == "http_req_duration_p95" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a p95 latency anomaly, got %+v", out.Anomalies)
	}
}

func TestHandleAggregateTestErrors(t *testing.T) {
	h := testHandlers(t)
	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing id", map[string]interface{}{}, "test_id is required"},
		{"no results", map[string]interface{}{"test_id": "nope"}, "Use list_tests"},
		{"broken", map[string]interface{}{"test_id": "broken"}, "unexpected EOF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.handleAggregateTest(context.Background(), call(tt.args))
			if err != nil {
				t.Fatalf("unexpected Go error: %v", err)
			}
			if !res.IsError {
				t.Fatal("expected IsError")
			}
			if got := text(t, res); !strings.Contains(got, tt.want) {
				t.Errorf("message = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestHandleSystemStats(t *testing.T) {
	h := testHandlers(t)
	res, _ := h.handleSystemStats(context.Background(), call(map[string]interface{}{"test_id": "base"}))
	if res.IsError {
		t.Fatalf("system_stats failed: %s", text(t, res))
	}
	out := text(t, res)
	if !strings.Contains(out, `"generator": "gen-1"`) {
		t.Errorf("missing generator in output: %s", out)
	}
	if strings.Contains(out, "cpu_usage") {
		t.Errorf("series should be omitted: %s", out)
	}

	res, _ = h.handleSystemStats(context.Background(), call(map[string]interface{}{"test_id": "slow"}))
	if !res.IsError {
		t.Error("expected IsError when the test has no system metrics")
	}
}

func TestHandleCompareTests(t *testing.T) {
	h := testHandlers(t)
	res, _ := h.handleCompareTests(context.Background(), call(map[string]interface{}{"baseline": "base", "current": "slow"}))
	if res.IsError {
		t.Fatalf("compare_tests failed: %s", text(t, res))
	}
	var out struct {
		Diff struct {
			Regressions int `json:"regressions"`
		} `json:"diff"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Diff.Regressions == 0 {
		t.Error("expected regressions for a 4x latency increase")
	}
	if !strings.Contains(out.Summary, "http_req_duration_p95") {
		t.Errorf("summary missing p95 change: %s", out.Summary)
	}

	res, _ = h.handleCompareTests(context.Background(), call(map[string]interface{}{"baseline": "base"}))
	if !res.IsError {
		t.Error("expected IsError without current")
	}
}
