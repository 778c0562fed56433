package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/g960059/moshbridge/internal/integration"
)

// isolate points HOME at a temp dir so defaults never touch the real
// ~/.ssh or ~/.local.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PATH", "")
	t.Setenv("SSH_AUTH_SOCK", "")
	return home
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	code := NewRunner(nil, out, errOut).Run(context.Background(), args)
	return code, out.String(), errOut.String()
}

func TestRunWithoutTargetIsUsageError(t *testing.T) {
	isolate(t)
	code, _, errOut := run(t)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut, "expected exactly one target") {
		t.Fatalf("unexpected stderr: %s", errOut)
	}
}

func TestRunRejectsInvalidTarget(t *testing.T) {
	isolate(t)
	code, _, errOut := run(t, "alice@example.org:99999")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut, "invalid port") {
		t.Fatalf("unexpected stderr: %s", errOut)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	isolate(t)
	code, _, errOut := run(t, "--bogus", "alice@example.org")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, errOut)
	}
}

func TestRunFailsOnMissingConfigFile(t *testing.T) {
	home := isolate(t)
	code, _, errOut := run(t, "--config", filepath.Join(home, "nope.yaml"), "doctor")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut, "read config") {
		t.Fatalf("unexpected stderr: %s", errOut)
	}
}

func TestDoctorPassesWithClientAndKnownHosts(t *testing.T) {
	home := isolate(t)
	client := filepath.Join(home, "bin", "mosh-client")
	writeExecutable(t, client)
	knownHosts := filepath.Join(home, "known_hosts")
	if err := os.WriteFile(knownHosts, nil, 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	code, out, errOut := run(t, "--client-path", client, "--known-hosts", knownHosts, "doctor")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stdout=%s stderr=%s", code, out, errOut)
	}
	for _, want := range []string{
		"[PASS] client_binary: executable (" + client + ")",
		"[PASS] known_hosts: readable",
		"[WARN] ssh_credentials",
		"doctor: OK",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestDoctorFailsWithoutClient(t *testing.T) {
	home := isolate(t)
	code, out, _ := run(t, "--client-path", filepath.Join(home, "missing"), "doctor", "--json")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	var result integration.DoctorResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode doctor json: %v\n%s", err, out)
	}
	if result.OK {
		t.Fatalf("expected doctor failure, got %+v", result)
	}
	if len(result.Checks) == 0 || result.Checks[0].Name != "client_binary" || result.Checks[0].Status != "fail" {
		t.Fatalf("unexpected checks: %+v", result.Checks)
	}
}

func TestInstallCopiesClientIntoManagedDir(t *testing.T) {
	home := isolate(t)
	src := filepath.Join(home, "dist", "mosh-client")
	writeExecutable(t, src)

	code, out, errOut := run(t, "install", "--from", src, "--json")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	var result integration.InstallResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode install json: %v\n%s", err, out)
	}
	want := filepath.Join(home, ".local", "share", "moshbridge", "bin", "mosh-client")
	if result.ClientPath != want {
		t.Fatalf("client path = %q, want %q", result.ClientPath, want)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("stat installed client: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Fatalf("installed client is not executable: %v", info.Mode())
	}
}

func TestInstallDryRunWritesNothing(t *testing.T) {
	home := isolate(t)
	src := filepath.Join(home, "dist", "mosh-client")
	writeExecutable(t, src)
	binDir := filepath.Join(home, "managed")

	code, out, errOut := run(t, "install", "--from", src, "--bin-dir", binDir, "--dry-run")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "install dry-run:") {
		t.Fatalf("expected dry-run header, got:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(binDir, "mosh-client")); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote the client: %v", err)
	}
}

func TestInstallWithoutSourceFails(t *testing.T) {
	isolate(t)
	code, out, errOut := run(t, "install")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(out, "mosh-client not found") {
		t.Fatalf("expected lookup message, got:\n%s", out)
	}
	if !strings.Contains(errOut, "error: mosh-client not found") {
		t.Fatalf("unexpected stderr: %s", errOut)
	}
}
