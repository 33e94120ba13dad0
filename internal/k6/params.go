// Package k6 drives the k6 load generator. The traffic policy is carried
// to a static script as a JSON parameter object plus environment
// variables; nothing is rendered into the script source.
package k6

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/traffic"
)

// Per-request timeouts used by the script.
const (
	MetadataTimeout = 60 * time.Second
	DownloadTimeout = 120 * time.Second
	SetupTimeout    = 30 * time.Second
)

// VUs is the pre-allocated virtual user count for a target rate. It assumes
// a 15s average response time under load, halved.
func VUs(rps int) int {
	return max(rps*15/2, 50)
}

// MaxVUs covers every VU blocked for a full 30s timeout.
func MaxVUs(rps int) int {
	return max(rps*30, 100)
}

// PackageSet is one ecosystem's universe as the script sees it. With
// validation, All is empty and the script draws from Valid and Invalid.
type PackageSet struct {
	All     []model.PackageRecord `json:"all"`
	Valid   []model.PackageRecord `json:"valid"`
	Invalid []model.PackageRecord `json:"invalid"`
}

// Params is the parameter object read by the script at init time.
// Credentials are never written here; they travel as environment variables.
type Params struct {
	TestID           string                            `json:"test_id"`
	TargetRPS        int                               `json:"target_rps"`
	Duration         string                            `json:"duration"`
	VUs              int                               `json:"vus"`
	MaxVUs           int                               `json:"max_vus"`
	Ecosystems       []model.Ecosystem                 `json:"ecosystems"`
	Ratios           map[model.Ecosystem]int           `json:"ratios"`
	CacheHitPercent  float64                           `json:"cache_hit_pct"`
	ErrorRatePercent float64                           `json:"error_rate"`
	MetadataOnly     bool                              `json:"metadata_only"`
	MetadataShare    float64                           `json:"metadata_share"`
	UseValidation    bool                              `json:"use_validation"`
	URLs             map[model.Ecosystem]string        `json:"urls"`
	Packages         map[model.Ecosystem]PackageSet    `json:"packages"`
	MetadataTimeout  string                            `json:"metadata_timeout"`
	DownloadTimeout  string                            `json:"download_timeout"`
	SetupTimeout     string                            `json:"setup_timeout"`
	Auth             map[model.Ecosystem]registry.Auth `json:"-"`
}

// Input gathers what NewParams needs.
type Input struct {
	TestID   string
	RPS      int
	Duration time.Duration
	Traffic  traffic.Config
	Universe traffic.Universe
	URLs     map[model.Ecosystem]string
	Auth     map[model.Ecosystem]registry.Auth
}

// NewParams builds the parameter object. Validation results are used when
// any selected ecosystem's pool was validated.
func NewParams(in Input) Params {
	p := Params{
		TestID:           in.TestID,
		TargetRPS:        in.RPS,
		Duration:         FormatDuration(in.Duration),
		VUs:              VUs(in.RPS),
		MaxVUs:           MaxVUs(in.RPS),
		Ecosystems:       in.Traffic.Ecosystems(),
		Ratios:           in.Traffic.Weights(),
		CacheHitPercent:  in.Traffic.CacheHitPercent(),
		ErrorRatePercent: in.Traffic.ErrorRatePercent(),
		MetadataOnly:     in.Traffic.MetadataOnly(),
		MetadataShare:    traffic.MetadataShare,
		URLs:             make(map[model.Ecosystem]string),
		Packages:         make(map[model.Ecosystem]PackageSet),
		MetadataTimeout:  FormatDuration(MetadataTimeout),
		DownloadTimeout:  FormatDuration(DownloadTimeout),
		SetupTimeout:     FormatDuration(SetupTimeout),
		Auth:             make(map[model.Ecosystem]registry.Auth),
	}
	for _, eco := range p.Ecosystems {
		p.URLs[eco] = registry.TrimBase(in.URLs[eco])
		if a, ok := in.Auth[eco]; ok && !a.Empty() {
			p.Auth[eco] = a
		}
		pool := in.Universe[eco]
		if pool.Validated() {
			p.UseValidation = true
			p.Packages[eco] = PackageSet{
				All:     []model.PackageRecord{},
				Valid:   slim(pool.Valid()),
				Invalid: slim(pool.Invalid()),
			}
			continue
		}
		p.Packages[eco] = PackageSet{
			All:     slim(pool.All()),
			Valid:   []model.PackageRecord{},
			Invalid: []model.PackageRecord{},
		}
	}
	return p
}

// slim drops validation detail the script has no use for and splits
// name-only Maven coordinates.
func slim(in []model.PackageRecord) []model.PackageRecord {
	out := make([]model.PackageRecord, 0, len(in))
	for _, r := range in {
		rec := model.PackageRecord{Name: r.Name, Group: r.Group, Artifact: r.Artifact, Versions: r.Versions}
		if rec.Versions == nil {
			rec.Versions = []string{}
		}
		if rec.Group == "" && rec.Artifact == "" {
			if g, a, err := model.ParseCoordinates(rec.Name); err == nil {
				rec.Name, rec.Group, rec.Artifact = "", g, a
			}
		}
		out = append(out, rec)
	}
	return out
}

// FormatDuration renders d the way k6 parses durations, in whole seconds.
func FormatDuration(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}

// ResultsPath is where k6 writes a generator's JSON output.
func ResultsPath(dir, testID, loadGenID string) string {
	return filepath.Join(dir, model.ResultsFileName(testID, loadGenID))
}

// Env returns the environment contract for one generator as KEY=VALUE
// pairs, sorted by key. paramsPath is the script's PARAMS_FILE.
func (p Params) Env(loadGenID, paramsPath string) []string {
	m := p.EnvMap(loadGenID, paramsPath)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

var envPrefix = map[model.Ecosystem]string{
	model.NPM:   "NPM",
	model.PyPI:  "PYPI",
	model.Maven: "MAVEN",
}

// EnvMap is Env as a map.
func (p Params) EnvMap(loadGenID, paramsPath string) map[string]string {
	env := map[string]string{
		"TEST_ID":       p.TestID,
		"LOAD_GEN_ID":   loadGenID,
		"TARGET_RPS":    strconv.Itoa(p.TargetRPS),
		"DURATION":      p.Duration,
		"VUS":           strconv.Itoa(p.VUs),
		"MAX_VUS":       strconv.Itoa(p.MaxVUs),
		"CACHE_HIT_PCT": formatFloat(p.CacheHitPercent),
		"NPM_RATIO":     strconv.Itoa(p.Ratios[model.NPM]),
		"PYPI_RATIO":    strconv.Itoa(p.Ratios[model.PyPI]),
		"MAVEN_RATIO":   strconv.Itoa(p.Ratios[model.Maven]),
		"METADATA_ONLY": strconv.FormatBool(p.MetadataOnly),
		"ERROR_RATE":    formatFloat(p.ErrorRatePercent),
	}
	if paramsPath != "" {
		env["PARAMS_FILE"] = paramsPath
	}
	for eco, u := range p.URLs {
		if u != "" {
			env[envPrefix[eco]+"_URL"] = u
		}
	}
	for eco, a := range p.Auth {
		prefix := envPrefix[eco] + "_"
		// Maven registries only take basic auth.
		if a.Token != "" && eco != model.Maven {
			env[prefix+"TOKEN"] = a.Token
		}
		if a.Username != "" {
			env[prefix+"USERNAME"] = a.Username
		}
		if a.Password != "" {
			env[prefix+"PASSWORD"] = a.Password
		}
	}
	return env
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// WriteParams writes the parameter object as indented JSON.
func WriteParams(path string, p Params) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadParams loads a parameter object written by WriteParams.
func ReadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, err
	}
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}
