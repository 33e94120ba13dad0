package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/remote"
)

const exampleHeader = `# socketload configuration.
# Any key can be overridden from the environment, for example
#   SOCKET_LOADTEST_TEST_RPS=500
#   SOCKET_LOADTEST_REGISTRIES_NPM_URL=https://firewall.example.com/npm
`

// Example returns a filled-in configuration for `config init`.
func Example() *Config {
	return &Config{
		Test: TestConfig{
			RPS:              100,
			Duration:         "5m",
			Warmup:           true,
			WarmupDuration:   "30s",
			WarmupRPSPercent: 10,
		},
		Registries: RegistriesConfig{
			BaseURL:         "https://firewall.example.com",
			NPMPath:         "/npm",
			PyPIPath:        "/pypi",
			MavenPath:       "/maven",
			CacheHitPercent: 30,
			Ecosystems:      []string{"npm", "pypi", "maven"},
			VerifyTLS:       true,
		},
		Traffic: TrafficConfig{
			NPMRatio:   40,
			PyPIRatio:  30,
			MavenRatio: 30,
			ErrorRate:  10,
		},
		Monitoring: MonitoringConfig{
			Enabled:          true,
			IntervalSeconds:  5,
			NodeExporterPort: 9100,
		},
		Results: ResultsConfig{
			OutputDir:     "./load-test-results",
			AutoAggregate: true,
		},
		Infrastructure: InfrastructureConfig{
			Type: InfraSSH,
			SSH: SSHConfig{
				LoadGenerators: []remote.Host{
					{Name: "gen-1", Host: "10.0.0.11", Port: 22, User: "ubuntu", KeyFile: "~/.ssh/id_ed25519"},
					{Name: "gen-2", Host: "10.0.0.12", Port: 22, User: "ubuntu", KeyFile: "~/.ssh/id_ed25519"},
				},
			},
		},
	}
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteExample writes the example configuration to path. An existing file
// is kept unless force is set.
func WriteExample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := Marshal(Example())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append([]byte(exampleHeader), data...), 0600)
}
