package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecuritySanitizeEnv(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "leak")
	t.Setenv("NPM_TOKEN", "leak")
	t.Setenv("K6_NO_USAGE_REPORT", "true")

	env := NewSecurityChecker().SanitizeEnv()

	hasPath, hasK6 := false, false
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
		if e == "K6_NO_USAGE_REPORT=true" {
			hasK6 = true
		}
		for _, prefix := range []string{"AWS_", "NPM_", "SSH_", "SECRET"} {
			if strings.HasPrefix(e, prefix) {
				t.Errorf("leaked sensitive env var: %s", e)
			}
		}
	}
	if !hasPath {
		t.Error("sanitized env missing PATH")
	}
	if !hasK6 {
		t.Error("K6_ variables should pass through")
	}
}

func TestSecurityVerifyBinaryBadPath(t *testing.T) {
	sc := NewSecurityChecker()
	if err := sc.VerifyBinary("/tmp/malicious-tool"); err == nil {
		t.Error("expected error for non-allowed path")
	}
}

func TestSecurityResolveNonexistent(t *testing.T) {
	sc := NewSecurityChecker()
	if _, err := sc.ResolveBinary("nonexistent-tool-xyz"); err == nil {
		t.Error("expected error for nonexistent tool")
	}
}

func TestSecurityExtraPaths(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "k6")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	sc := NewSecurityCheckerWithPaths(dir)

	got, err := sc.ResolveBinary("k6")
	if err != nil {
		t.Fatalf("ResolveBinary: %v", err)
	}
	if got != bin {
		t.Errorf("ResolveBinary = %q, want %q", got, bin)
	}
	if err := sc.VerifyBinary(got); err != nil {
		t.Errorf("VerifyBinary in trusted user path: %v", err)
	}

	if err := os.Chmod(bin, 0777); err != nil {
		t.Fatal(err)
	}
	if err := sc.VerifyBinary(bin); err == nil {
		t.Error("expected error for world-writable binary")
	}
}

func TestAllowedPaths(t *testing.T) {
	for _, p := range []string{"/usr/bin", "/usr/local/bin"} {
		found := false
		for _, ap := range AllowedBinaryPaths {
			if ap == p {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected allowed path: %s", p)
		}
	}
}
