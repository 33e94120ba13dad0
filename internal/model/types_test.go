package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseEcosystem(t *testing.T) {
	tests := []struct {
		in   string
		want Ecosystem
		ok   bool
	}{
		{"npm", NPM, true},
		{" PyPI ", PyPI, true},
		{"MAVEN", Maven, true},
		{"cargo", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseEcosystem(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseEcosystem(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFallbackVersion(t *testing.T) {
	if got := NPM.FallbackVersion(); got != "latest" {
		t.Errorf("npm fallback = %q, want latest", got)
	}
	for _, eco := range []Ecosystem{PyPI, Maven} {
		if got := eco.FallbackVersion(); got != "1.0.0" {
			t.Errorf("%s fallback = %q, want 1.0.0", eco, got)
		}
	}
}

func TestPackageRecordIdentity(t *testing.T) {
	npm := PackageRecord{Name: "react"}
	if npm.ID() != "react" {
		t.Errorf("ID = %q, want react", npm.ID())
	}

	mvn := PackageRecord{Group: "com.google.guava", Artifact: "guava"}
	if mvn.ID() != "com.google.guava:guava" {
		t.Errorf("ID = %q, want com.google.guava:guava", mvn.ID())
	}
	g, a, err := mvn.Coordinates()
	if err != nil || g != "com.google.guava" || a != "guava" {
		t.Errorf("Coordinates = (%q, %q, %v)", g, a, err)
	}

	byName := PackageRecord{Name: "junit:junit"}
	g, a, err = byName.Coordinates()
	if err != nil || g != "junit" || a != "junit" {
		t.Errorf("Coordinates from name = (%q, %q, %v)", g, a, err)
	}

	for _, bad := range []string{"guava", "a:b:c", ":guava", "group:", ""} {
		if _, _, err := (PackageRecord{Name: bad}).Coordinates(); err == nil {
			t.Errorf("Coordinates(%q) expected error", bad)
		}
	}
}

func TestValidationResultJSON(t *testing.T) {
	status := 404
	v := ValidationResult{
		Package:        "left-pad",
		Version:        "1.0.0",
		Ecosystem:      NPM,
		MetadataValid:  false,
		MetadataStatus: &status,
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"metadata_status":404`, `"download_status":null`, `"download_url":null`} {
		if !strings.Contains(s, want) {
			t.Errorf("json %s missing %s", s, want)
		}
	}
	if v.Valid() {
		t.Error("Valid() = true for failed metadata")
	}
	var nilResult *ValidationResult
	if nilResult.Valid() {
		t.Error("nil result must not be valid")
	}
}

func TestTagsTolerateScalars(t *testing.T) {
	var s RawSample
	data := `{"metric":"http_reqs","value":1,"tags":{"status":200,"ecosystem":"npm","expected_response":true,"proto":null},"time":"2024-01-01T00:00:00Z"}`
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Tags["status"] != "200" {
		t.Errorf("status tag = %q, want 200", s.Tags["status"])
	}
	if s.Tags["expected_response"] != "true" {
		t.Errorf("expected_response tag = %q, want true", s.Tags["expected_response"])
	}
	if _, ok := s.Tags["proto"]; ok {
		t.Error("null tag should be dropped")
	}
	if s.IsSetup() {
		t.Error("sample without group must not be setup")
	}
	s.Tags["group"] = SetupGroup
	if !s.IsSetup() {
		t.Error("::setup group must be setup")
	}
}

func TestStatusBreakdownTotals(t *testing.T) {
	b := StatusBreakdown{Success: 90, NotFound: 4, Forbidden: 2, Other4xx: 1, Server5xx: 2, Timeout: 1}
	if b.Total() != 100 {
		t.Errorf("Total = %d, want 100", b.Total())
	}
	if b.Errors() != 3 {
		t.Errorf("Errors = %d, want 3 (404, 403 and timeouts excluded)", b.Errors())
	}
}

func TestAggregatedStatsJSONFlattensCounters(t *testing.T) {
	stats := AggregatedStats{
		TestID:         "t1",
		StatusCounters: StatusCounters{Status2xx: 5},
		HTTPReqDuration: &DurationStats{
			Ladder: Ladder{P95: 12},
		},
	}
	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"status_2xx_count":5`, `"http_req_duration":{`, `"p95":12`} {
		if !strings.Contains(s, want) {
			t.Errorf("json missing %s", want)
		}
	}
	if strings.Contains(s, "timeout_percentage") {
		t.Error("timeout_percentage should be omitted when unset")
	}
	if strings.Contains(s, "download_speed") {
		t.Error("download_speed should be omitted when unset")
	}
}

func TestFileNaming(t *testing.T) {
	if got := ResultsFileName("test-1", "gen-2"); got != "test-1_gen-2_k6_results.json" {
		t.Errorf("ResultsFileName = %q", got)
	}
	if got := SystemMetricsFileName("test-1", "gen-2"); got != "test-1_gen-2_system_metrics.jsonl" {
		t.Errorf("SystemMetricsFileName = %q", got)
	}

	tests := []struct {
		path, testID, want string
	}{
		{"/r/test-1_gen-2_k6_results.json", "test-1", "gen-2"},
		{"/r/test-1_gen-2_k6_results.json.gz", "test-1", "gen-2"},
		{"test-1_lg-a_system_metrics.jsonl", "test-1", "lg-a"},
		{"/r/run_2_gen-1_k6_results.json", "run", ""},
		{"/r/run_2_gen-1_system_metrics.jsonl", "run", ""},
		{"/r/other_gen-2_k6_results.json", "test-1", ""},
		{"/r/test-1_gen-2.log", "test-1", ""},
	}
	for _, tt := range tests {
		if got := GeneratorFromFile(tt.path, tt.testID); got != tt.want {
			t.Errorf("GeneratorFromFile(%q, %q) = %q, want %q", tt.path, tt.testID, got, tt.want)
		}
	}

	id, gen, ok := TestIDFromResultsFile("/r/test-20240101-120000_gen-1_k6_results.json")
	if !ok || id != "test-20240101-120000" || gen != "gen-1" {
		t.Errorf("TestIDFromResultsFile = (%q, %q, %v)", id, gen, ok)
	}
	if _, _, ok := TestIDFromResultsFile("notes.txt"); ok {
		t.Error("TestIDFromResultsFile accepted a non-result file")
	}
}

func TestFilterTestFiles(t *testing.T) {
	paths := []string{
		"/r/run_gen-1_k6_results.json",
		"/r/run_2_gen-1_k6_results.json",
		"/r/run_gen-2_system_metrics.jsonl",
		"/r/run_2_gen-2_system_metrics.jsonl",
	}
	got := FilterTestFiles(paths, "run")
	want := []string{"/r/run_gen-1_k6_results.json", "/r/run_gen-2_system_metrics.jsonl"}
	if len(got) != len(want) {
		t.Fatalf("FilterTestFiles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FilterTestFiles[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(paths) != 4 || paths[1] != "/r/run_2_gen-1_k6_results.json" {
		t.Errorf("input modified: %v", paths)
	}
}

func TestValidGeneratorID(t *testing.T) {
	for _, id := range []string{"gen-1", "lg.east", "host1"} {
		if err := ValidGeneratorID(id); err != nil {
			t.Errorf("ValidGeneratorID(%q) = %v, want nil", id, err)
		}
	}
	for _, id := range []string{"", "gen_1", "a/b", `a\b`} {
		if err := ValidGeneratorID(id); err == nil {
			t.Errorf("ValidGeneratorID(%q) = nil, want error", id)
		}
	}
}
