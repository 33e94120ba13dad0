// Package model defines the data types shared by the traffic model, the
// validator, the aggregator and the report output. Types here are serialized
// to the cache files, the k6 parameter object and the report JSON.
// Schema version: 1.0.0
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --- Ecosystems ---

// Ecosystem names a package registry protocol.
type Ecosystem string

const (
	NPM   Ecosystem = "npm"
	PyPI  Ecosystem = "pypi"
	Maven Ecosystem = "maven"
)

// Ecosystems lists every supported ecosystem in selection-walk order.
var Ecosystems = []Ecosystem{NPM, PyPI, Maven}

// ParseEcosystem normalizes a user-supplied ecosystem name.
func ParseEcosystem(s string) (Ecosystem, bool) {
	switch Ecosystem(strings.ToLower(strings.TrimSpace(s))) {
	case NPM:
		return NPM, true
	case PyPI:
		return PyPI, true
	case Maven:
		return Maven, true
	}
	return "", false
}

// FallbackVersion is used when a package has no known versions.
func (e Ecosystem) FallbackVersion() string {
	if e == NPM {
		return "latest"
	}
	return "1.0.0"
}

func (e Ecosystem) String() string { return string(e) }

// --- Packages ---

// PackageRecord is one package in an ecosystem's universe.
//
// Slices of PackageRecord are rank-ordered, most popular first. Nothing in
// the pipeline re-sorts them: the cache-hit tier is the leading slice.
type PackageRecord struct {
	Name       string            `json:"name,omitempty"`
	Group      string            `json:"group,omitempty"`
	Artifact   string            `json:"artifact,omitempty"`
	Versions   []string          `json:"versions"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// ID returns the display identity: the name for npm/PyPI, group:artifact
// for Maven records.
func (p PackageRecord) ID() string {
	if p.Group != "" || p.Artifact != "" {
		return p.Group + ":" + p.Artifact
	}
	return p.Name
}

// Coordinates returns the Maven group and artifact. Records carrying only a
// name are parsed as "group:artifact"; anything else is malformed.
func (p PackageRecord) Coordinates() (group, artifact string, err error) {
	if p.Group != "" && p.Artifact != "" {
		return p.Group, p.Artifact, nil
	}
	return ParseCoordinates(p.Name)
}

// ParseCoordinates splits a "group:artifact" Maven coordinate.
func ParseCoordinates(s string) (group, artifact string, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed maven coordinate %q, want group:artifact", s)
	}
	return parts[0], parts[1], nil
}

// ValidationResult records the outcome of probing one package.
// Status 0 means the probe failed at the transport level.
type ValidationResult struct {
	Package        string    `json:"package"`
	Version        string    `json:"version"`
	Ecosystem      Ecosystem `json:"ecosystem"`
	MetadataValid  bool      `json:"metadata_valid"`
	DownloadValid  bool      `json:"download_valid"`
	MetadataStatus *int      `json:"metadata_status"`
	DownloadStatus *int      `json:"download_status"`
	MetadataURL    string    `json:"metadata_url,omitempty"`
	DownloadURL    *string   `json:"download_url"`
	Attempts       int       `json:"attempts,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Valid reports whether both the metadata and the artifact resolved.
func (v *ValidationResult) Valid() bool {
	return v != nil && v.MetadataValid && v.DownloadValid
}

// --- Raw samples ---

// Tags is the tag set of a raw k6 sample. k6 may emit non-string tag values;
// they are kept in their textual form.
type Tags map[string]string

// UnmarshalJSON accepts any scalar tag value.
func (t *Tags) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Tags, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	*t = out
	return nil
}

// SetupGroup tags samples emitted from the k6 setup phase.
const SetupGroup = "::setup"

// RawSample is one metric point from a load generator.
type RawSample struct {
	Metric string    `json:"metric"`
	Value  float64   `json:"value"`
	Tags   Tags      `json:"tags"`
	Time   time.Time `json:"time"`
	// Source is the result file the sample was read from.
	Source string `json:"-"`
}

// IsSetup reports whether the sample came from the setup phase.
func (s RawSample) IsSetup() bool { return s.Tags["group"] == SetupGroup }

// SystemSample is one resource snapshot from a load generator host.
// CPU counters are cumulative jiffies; memory is in bytes.
type SystemSample struct {
	Timestamp    float64 `json:"timestamp"`
	CPUIdle      float64 `json:"cpu_idle"`
	CPUTotal     float64 `json:"cpu_total"`
	MemTotal     float64 `json:"mem_total"`
	MemAvailable float64 `json:"mem_available"`
	Load1m       float64 `json:"load_1m"`
}

// Point is one value in a derived time series.
type Point struct {
	Time  float64 `json:"time"`
	Value float64 `json:"value"`
}
