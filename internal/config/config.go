// Package config loads the test configuration file. Every key can be
// overridden from the environment as SOCKET_LOADTEST_<SECTION>_<KEY>, and
// the whole file is validated before any network or disk work starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/registry"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/remote"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/traffic"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SOCKET_LOADTEST"

// Infrastructure types.
const (
	InfraLocal = "local"
	InfraSSH   = "ssh"
)

type Config struct {
	Test           TestConfig           `mapstructure:"test" yaml:"test"`
	Registries     RegistriesConfig     `mapstructure:"registries" yaml:"registries"`
	Traffic        TrafficConfig        `mapstructure:"traffic" yaml:"traffic"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring" yaml:"monitoring"`
	Results        ResultsConfig        `mapstructure:"results" yaml:"results"`
	Infrastructure InfrastructureConfig `mapstructure:"infrastructure" yaml:"infrastructure"`
}

type TestConfig struct {
	RPS              int    `mapstructure:"rps" yaml:"rps"`
	Duration         string `mapstructure:"duration" yaml:"duration"`
	TestID           string `mapstructure:"test_id" yaml:"test_id,omitempty"`
	Warmup           bool   `mapstructure:"warmup" yaml:"warmup"`
	WarmupDuration   string `mapstructure:"warmup_duration" yaml:"warmup_duration"`
	WarmupRPSPercent int    `mapstructure:"warmup_rps_percent" yaml:"warmup_rps_percent"`
}

type RegistriesConfig struct {
	BaseURL         string   `mapstructure:"base_url" yaml:"base_url,omitempty"`
	NPMPath         string   `mapstructure:"npm_path" yaml:"npm_path,omitempty"`
	PyPIPath        string   `mapstructure:"pypi_path" yaml:"pypi_path,omitempty"`
	MavenPath       string   `mapstructure:"maven_path" yaml:"maven_path,omitempty"`
	NPMURL          string   `mapstructure:"npm_url" yaml:"npm_url,omitempty"`
	PyPIURL         string   `mapstructure:"pypi_url" yaml:"pypi_url,omitempty"`
	MavenURL        string   `mapstructure:"maven_url" yaml:"maven_url,omitempty"`
	CacheHitPercent float64  `mapstructure:"cache_hit_percent" yaml:"cache_hit_percent"`
	Ecosystems      []string `mapstructure:"ecosystems" yaml:"ecosystems"`
	VerifyTLS       bool     `mapstructure:"verify_tls" yaml:"verify_tls"`

	NPMToken      string `mapstructure:"npm_token" yaml:"npm_token,omitempty"`
	NPMUsername   string `mapstructure:"npm_username" yaml:"npm_username,omitempty"`
	NPMPassword   string `mapstructure:"npm_password" yaml:"npm_password,omitempty"`
	PyPIToken     string `mapstructure:"pypi_token" yaml:"pypi_token,omitempty"`
	PyPIUsername  string `mapstructure:"pypi_username" yaml:"pypi_username,omitempty"`
	PyPIPassword  string `mapstructure:"pypi_password" yaml:"pypi_password,omitempty"`
	MavenUsername string `mapstructure:"maven_username" yaml:"maven_username,omitempty"`
	MavenPassword string `mapstructure:"maven_password" yaml:"maven_password,omitempty"`
}

// TrafficConfig ratios are percentages over the selected ecosystems. All
// zero means auto-balance.
type TrafficConfig struct {
	NPMRatio     int     `mapstructure:"npm_ratio" yaml:"npm_ratio"`
	PyPIRatio    int     `mapstructure:"pypi_ratio" yaml:"pypi_ratio"`
	MavenRatio   int     `mapstructure:"maven_ratio" yaml:"maven_ratio"`
	MetadataOnly bool    `mapstructure:"metadata_only" yaml:"metadata_only"`
	ErrorRate    float64 `mapstructure:"error_rate" yaml:"error_rate"`
}

type MonitoringConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	IntervalSeconds  int  `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	NodeExporterPort int  `mapstructure:"node_exporter_port" yaml:"node_exporter_port"`
}

type ResultsConfig struct {
	OutputDir     string `mapstructure:"output_dir" yaml:"output_dir"`
	AutoAggregate bool   `mapstructure:"auto_aggregate" yaml:"auto_aggregate"`
}

type InfrastructureConfig struct {
	Type string    `mapstructure:"type" yaml:"type"`
	SSH  SSHConfig `mapstructure:"ssh" yaml:"ssh,omitempty"`
}

type SSHConfig struct {
	KnownHosts     string        `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
	FirewallServer remote.Host   `mapstructure:"firewall_server" yaml:"firewall_server,omitempty"`
	LoadGenerators []remote.Host `mapstructure:"load_generators" yaml:"load_generators"`
}

// defaults lists every scalar key. Each one gets a default and an
// environment binding.
var defaults = map[string]interface{}{
	"test.rps":                       0,
	"test.duration":                  "60s",
	"test.test_id":                   "",
	"test.warmup":                    true,
	"test.warmup_duration":           "30s",
	"test.warmup_rps_percent":        10,
	"registries.base_url":            "",
	"registries.npm_path":            "",
	"registries.pypi_path":           "",
	"registries.maven_path":          "",
	"registries.npm_url":             "",
	"registries.pypi_url":            "",
	"registries.maven_url":           "",
	"registries.cache_hit_percent":   30,
	"registries.ecosystems":          []string{"npm", "pypi", "maven"},
	"registries.verify_tls":          true,
	"registries.npm_token":           "",
	"registries.npm_username":        "",
	"registries.npm_password":        "",
	"registries.pypi_token":          "",
	"registries.pypi_username":       "",
	"registries.pypi_password":       "",
	"registries.maven_username":      "",
	"registries.maven_password":      "",
	"traffic.npm_ratio":              0,
	"traffic.pypi_ratio":             0,
	"traffic.maven_ratio":            0,
	"traffic.metadata_only":          false,
	"traffic.error_rate":             10,
	"monitoring.enabled":             true,
	"monitoring.interval_seconds":    5,
	"monitoring.node_exporter_port":  9100,
	"results.output_dir":             "./load-test-results",
	"results.auto_aggregate":         true,
	"infrastructure.type":            InfraLocal,
	"infrastructure.ssh.known_hosts": "",
}

// aliases are extra environment names accepted for a key.
var aliases = map[string][]string{
	"test.test_id": {EnvPrefix + "_TEST_ID"},
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		names := append([]string{envName(key)}, aliases[key]...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load reads path (YAML or JSON by extension) on top of the defaults and
// applies environment overrides. An empty path uses defaults and the
// environment only. The result is not validated.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		file, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		switch ext := strings.ToLower(filepath.Ext(file)); ext {
		case ".yaml", ".yml", ".json":
		default:
			return nil, fmt.Errorf("unsupported configuration file format: %q", ext)
		}
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Registries.Ecosystems = splitList(cfg.Registries.Ecosystems)
	cfg.Registries.resolveURLs()
	return &cfg, nil
}

// splitList flattens entries like "npm,pypi" that come from the
// environment as a single string.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, strings.ToLower(part))
			}
		}
	}
	return out
}

// resolveURLs fills empty per-ecosystem URLs from base_url + path.
func (r *RegistriesConfig) resolveURLs() {
	if r.BaseURL == "" {
		return
	}
	fill := func(url *string, path string) {
		if *url == "" && path != "" {
			*url = registry.JoinBase(r.BaseURL, path)
		}
	}
	fill(&r.NPMURL, r.NPMPath)
	fill(&r.PyPIURL, r.PyPIPath)
	fill(&r.MavenURL, r.MavenPath)
}

// URL returns the registry URL for eco, falling back to base_url + path.
func (r RegistriesConfig) URL(eco model.Ecosystem) string {
	var url, path string
	switch eco {
	case model.NPM:
		url, path = r.NPMURL, r.NPMPath
	case model.PyPI:
		url, path = r.PyPIURL, r.PyPIPath
	case model.Maven:
		url, path = r.MavenURL, r.MavenPath
	}
	if url == "" && r.BaseURL != "" && path != "" {
		url = registry.JoinBase(r.BaseURL, path)
	}
	return url
}

// URLs returns the URLs of the selected ecosystems.
func (r RegistriesConfig) URLs() map[model.Ecosystem]string {
	out := make(map[model.Ecosystem]string)
	for _, name := range r.Ecosystems {
		if eco, ok := model.ParseEcosystem(name); ok && r.URL(eco) != "" {
			out[eco] = registry.TrimBase(r.URL(eco))
		}
	}
	return out
}

// Auth returns the credentials for eco. Maven has no token.
func (r RegistriesConfig) Auth(eco model.Ecosystem) registry.Auth {
	switch eco {
	case model.NPM:
		return registry.Auth{Token: r.NPMToken, Username: r.NPMUsername, Password: r.NPMPassword}
	case model.PyPI:
		return registry.Auth{Token: r.PyPIToken, Username: r.PyPIUsername, Password: r.PyPIPassword}
	case model.Maven:
		return registry.Auth{Username: r.MavenUsername, Password: r.MavenPassword}
	}
	return registry.Auth{}
}

// AuthMap returns credentials for every ecosystem that has any.
func (r RegistriesConfig) AuthMap() map[model.Ecosystem]registry.Auth {
	out := make(map[model.Ecosystem]registry.Auth)
	for _, eco := range model.Ecosystems {
		if a := r.Auth(eco); !a.Empty() {
			out[eco] = a
		}
	}
	return out
}

// Target returns the probe target for eco.
func (r RegistriesConfig) Target(eco model.Ecosystem) registry.Target {
	return registry.Target{BaseURL: registry.TrimBase(r.URL(eco)), Auth: r.Auth(eco), VerifyTLS: r.VerifyTLS}
}

// TrafficOptions builds the traffic policy input. Ratios are left empty
// when none is set so the policy auto-balances.
func (c *Config) TrafficOptions() traffic.Options {
	opts := traffic.Options{
		Ecosystems:       c.Registries.Ecosystems,
		CacheHitPercent:  c.Registries.CacheHitPercent,
		ErrorRatePercent: c.Traffic.ErrorRate,
		MetadataOnly:     c.Traffic.MetadataOnly,
	}
	t := c.Traffic
	if t.NPMRatio != 0 || t.PyPIRatio != 0 || t.MavenRatio != 0 {
		opts.Ratios = map[string]int{
			string(model.NPM):   t.NPMRatio,
			string(model.PyPI):  t.PyPIRatio,
			string(model.Maven): t.MavenRatio,
		}
	}
	return opts
}

// TestDuration parses test.duration.
func (c *Config) TestDuration() (time.Duration, error) {
	return time.ParseDuration(c.Test.Duration)
}

// MonitoringInterval is the sampler period.
func (c *Config) MonitoringInterval() time.Duration {
	return time.Duration(c.Monitoring.IntervalSeconds) * time.Second
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Test.RPS <= 0 {
		add("test.rps must be positive")
	}
	if c.Test.Duration == "" {
		add("test.duration is required")
	} else if d, err := c.TestDuration(); err != nil || d <= 0 {
		add("test.duration %q is not a positive duration", c.Test.Duration)
	}
	if c.Test.Warmup {
		if _, err := time.ParseDuration(c.Test.WarmupDuration); err != nil {
			add("test.warmup_duration %q is not a duration", c.Test.WarmupDuration)
		}
	}
	if c.Test.WarmupRPSPercent < 0 || c.Test.WarmupRPSPercent > 100 {
		add("test.warmup_rps_percent must be between 0 and 100")
	}

	for _, name := range c.Registries.Ecosystems {
		eco, ok := model.ParseEcosystem(name)
		if !ok {
			continue // reported by the traffic policy below
		}
		if c.Registries.URL(eco) == "" {
			add("registries.%s_url is required when %s is selected (or provide base_url + %s_path)", eco, eco, eco)
		}
	}
	if _, err := traffic.NewConfig(c.TrafficOptions()); err != nil {
		result = multierror.Append(result, fmt.Errorf("traffic: %w", err))
	}

	if c.Monitoring.Enabled {
		if c.Monitoring.IntervalSeconds < 1 {
			add("monitoring.interval_seconds must be at least 1")
		}
		if p := c.Monitoring.NodeExporterPort; p < 1 || p > 65535 {
			add("monitoring.node_exporter_port %d out of range", p)
		}
	}
	if c.Results.OutputDir == "" {
		add("results.output_dir is required")
	}

	switch c.Infrastructure.Type {
	case "", InfraLocal:
	case InfraSSH:
		ssh := c.Infrastructure.SSH
		if len(ssh.LoadGenerators) == 0 {
			add("infrastructure.ssh.load_generators needs at least one host")
		}
		for i, h := range ssh.LoadGenerators {
			if err := validateHost(h); err != nil {
				result = multierror.Append(result, fmt.Errorf("load_generators[%d]: %w", i, err))
			}
			if h.Name != "" {
				if err := model.ValidGeneratorID(h.Name); err != nil {
					result = multierror.Append(result, fmt.Errorf("load_generators[%d].name: %w", i, err))
				}
			}
		}
		if ssh.FirewallServer.Host != "" {
			if err := validateHost(ssh.FirewallServer); err != nil {
				result = multierror.Append(result, fmt.Errorf("firewall_server: %w", err))
			}
		}
	default:
		add("infrastructure.type %q must be %s or %s", c.Infrastructure.Type, InfraLocal, InfraSSH)
	}
	return result.ErrorOrNil()
}

func validateHost(h remote.Host) error {
	var result *multierror.Error
	if h.Host == "" {
		result = multierror.Append(result, errors.New("host is required"))
	}
	if h.User == "" {
		result = multierror.Append(result, errors.New("user is required"))
	}
	if h.Port < 0 || h.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid port %d", h.Port))
	}
	switch {
	case h.KeyFile != "":
		file, err := homedir.Expand(h.KeyFile)
		if err == nil {
			_, err = os.Stat(file)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("key file %s: %w", h.KeyFile, err))
		}
	case h.Password == "":
		result = multierror.Append(result, remote.ErrNoCredentials)
	}
	return result.ErrorOrNil()
}
