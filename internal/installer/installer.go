// Package installer installs k6 on load generators, on this host or over
// SSH, using the distribution's package manager and the official k6
// package repositories.
package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Host is a machine the installer runs commands on.
type Host interface {
	Name() string
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Run(ctx context.Context, env []string, argv ...string) error
}

// Installer detects the Linux distribution of a host and installs k6.
type Installer struct {
	Host   Host
	DryRun bool
	// Sudo prefixes every command with "sudo -n" for non-root SSH users.
	Sudo   bool
	Out    io.Writer
	Logger *zap.Logger
}

// DistroInfo holds OS and package manager details.
type DistroInfo struct {
	ID         string // "ubuntu", "centos", "fedora", "arch"
	VersionID  string // "22.04", "8", etc.
	PkgManager string // "apt", "yum", "dnf", "pacman"
}

// Step is one stage of the installation.
type Step struct {
	Name     string
	Env      []string
	Commands [][]string
}

// k6 signing key and repositories, see https://grafana.com/docs/k6/latest/set-up/install-k6/.
const (
	k6KeyID      = "C5AD17C747E3415A3642D57D77C6C491D6AC1D69"
	k6Keyring    = "/usr/share/keyrings/k6-archive-keyring.gpg"
	k6AptSource  = "deb [signed-by=" + k6Keyring + "] https://dl.k6.io/deb stable main"
	k6AptList    = "/etc/apt/sources.list.d/k6.list"
	k6RPMRepoURL = "https://dl.k6.io/rpm/repo.rpm"
)

// Run performs the installation.
func (inst *Installer) Run(ctx context.Context) error {
	out := inst.Out
	if out == nil {
		out = io.Discard
	}
	logger := inst.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := inst.Host.Name()

	data, err := inst.Host.ReadFile(ctx, "/etc/os-release")
	if err != nil {
		return fmt.Errorf("%s: read /etc/os-release: %w", name, err)
	}
	distro, err := ParseOSRelease(data)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintf(out, "[%s] Detected: %s %s (package manager: %s)\n", name, distro.ID, distro.VersionID, distro.PkgManager)

	for _, step := range BuildSteps(distro) {
		fmt.Fprintf(out, "[%s] %s\n", name, step.Name)
		for _, argv := range step.Commands {
			if inst.Sudo {
				argv = append([]string{"sudo", "-n"}, argv...)
			}
			if inst.DryRun {
				fmt.Fprintf(out, "  (dry-run) Would run: %s\n", strings.Join(argv, " "))
				continue
			}
			logger.Debug("running", zap.String("host", name), zap.Strings("argv", argv))
			if err := inst.Host.Run(ctx, step.Env, argv...); err != nil {
				return fmt.Errorf("%s: %s: %w", name, step.Name, err)
			}
		}
	}

	if !inst.DryRun {
		fmt.Fprintf(out, "[%s] k6 installed. Run 'k6 version' to verify.\n", name)
	}
	return nil
}

// ParseOSRelease identifies the distribution from /etc/os-release.
// ID_LIKE is consulted when ID itself is unknown.
func ParseOSRelease(data []byte) (*DistroInfo, error) {
	info := &DistroInfo{}
	var like []string
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]
		val := strings.Trim(parts[1], "\"")
		switch key {
		case "ID":
			info.ID = val
		case "VERSION_ID":
			info.VersionID = val
		case "ID_LIKE":
			like = strings.Fields(val)
		}
	}

	for _, id := range append([]string{info.ID}, like...) {
		if pm := packageManager(id); pm != "" {
			info.PkgManager = pm
			return info, nil
		}
	}
	return nil, fmt.Errorf("unsupported distribution: %s", info.ID)
}

// Map ID to package manager
func packageManager(id string) string {
	switch id {
	case "ubuntu", "debian", "linuxmint", "pop":
		return "apt"
	case "centos", "rhel", "rocky", "almalinux", "ol", "amzn":
		return "yum"
	case "fedora":
		return "dnf"
	case "arch", "manjaro":
		return "pacman"
	}
	return ""
}

// BuildSteps returns the ordered installation steps for distro.
func BuildSteps(distro *DistroInfo) []Step {
	switch distro.PkgManager {
	case "apt":
		env := []string{"DEBIAN_FRONTEND=noninteractive"}
		return []Step{
			{
				Name:     "prerequisites",
				Env:      env,
				Commands: [][]string{{"apt-get", "update", "-qq"}, {"apt-get", "install", "-y", "-qq", "gnupg", "ca-certificates"}},
			},
			{
				Name: "k6 repository",
				Commands: [][]string{
					{"gpg", "--no-default-keyring", "--keyring", k6Keyring,
						"--keyserver", "hkp://keyserver.ubuntu.com:80", "--recv-keys", k6KeyID},
					{"sh", "-c", "echo '" + k6AptSource + "' > " + k6AptList},
				},
			},
			{
				Name:     "k6",
				Env:      env,
				Commands: [][]string{{"apt-get", "update", "-qq"}, {"apt-get", "install", "-y", "-qq", "k6"}},
			},
		}
	case "yum", "dnf":
		pm := distro.PkgManager
		return []Step{
			{Name: "k6 repository", Commands: [][]string{{pm, "install", "-y", k6RPMRepoURL}}},
			{Name: "k6", Commands: [][]string{{pm, "install", "-y", "k6"}}},
		}
	case "pacman":
		return []Step{
			{Name: "k6", Commands: [][]string{{"pacman", "-Sy", "--noconfirm", "k6"}}},
		}
	}
	return nil
}

// IsRoot reports whether this process can install packages without sudo.
func IsRoot() bool {
	return os.Geteuid() == 0
}
