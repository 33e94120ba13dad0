package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// AllowedBinaryPaths are the directories where k6 is expected.
var AllowedBinaryPaths = []string{
	"/usr/bin",
	"/usr/local/bin",
	"/usr/sbin",
	"/usr/local/sbin",
	"/snap/bin",
	"/opt/k6",
}

// SecurityChecker verifies binary integrity and sanitizes the execution
// environment.
type SecurityChecker struct {
	allowedPaths []string
	// requireRoot rejects binaries not owned by root.
	requireRoot bool
}

// NewSecurityChecker creates a SecurityChecker with default allowed paths.
func NewSecurityChecker() *SecurityChecker {
	return &SecurityChecker{
		allowedPaths: AllowedBinaryPaths,
		requireRoot:  true,
	}
}

// NewSecurityCheckerWithPaths trusts extra directories, such as a user's
// ~/bin. Binaries there need not be owned by root.
func NewSecurityCheckerWithPaths(extra ...string) *SecurityChecker {
	paths := append(append([]string{}, extra...), AllowedBinaryPaths...)
	return &SecurityChecker{allowedPaths: paths}
}

// ResolveBinary finds the tool binary in allowed paths.
func (sc *SecurityChecker) ResolveBinary(tool string) (string, error) {
	if filepath.IsAbs(tool) {
		if _, err := os.Stat(tool); err != nil {
			return "", fmt.Errorf("tool %q: %w", tool, err)
		}
		return tool, nil
	}
	for _, dir := range sc.allowedPaths {
		path := filepath.Join(dir, tool)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("tool %q not found in allowed paths: %v", tool, sc.allowedPaths)
}

// VerifyBinary checks that a binary meets security requirements:
//   - Must be in an allowed directory
//   - Must be owned by root, unless the checker trusts user paths
//   - Must not be world-writable
func (sc *SecurityChecker) VerifyBinary(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	dir := filepath.Dir(absPath)
	allowed := false
	for _, allowedDir := range sc.allowedPaths {
		if dir == filepath.Clean(allowedDir) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("binary %q is not in an allowed directory", absPath)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", absPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", absPath)
	}

	if sc.requireRoot {
		if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Uid != 0 {
			return fmt.Errorf("binary %q is not owned by root (uid=%d)", absPath, stat.Uid)
		}
	}

	if perm := info.Mode().Perm(); perm&0002 != 0 {
		return fmt.Errorf("binary %q is world-writable (mode=%s)", absPath, info.Mode())
	}
	return nil
}

// SanitizeEnv creates a minimal subprocess environment. Registry
// credentials reach the child only through the explicit command env.
func (sc *SecurityChecker) SanitizeEnv() []string {
	safeVars := map[string]bool{
		"PATH":   true,
		"HOME":   true,
		"LANG":   true,
		"LC_ALL": true,
		"TERM":   true,
		"TMPDIR": true,
	}

	var env []string
	hasPath := false
	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		// K6_* tunes the generator itself (K6_NO_USAGE_REPORT and friends).
		if safeVars[parts[0]] || strings.HasPrefix(parts[0], "K6_") {
			env = append(env, e)
			if parts[0] == "PATH" {
				hasPath = true
			}
		}
	}
	if !hasPath {
		env = append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	return env
}
