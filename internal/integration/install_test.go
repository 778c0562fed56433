package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
}

func TestInstallFindsClientInSearchDirs(t *testing.T) {
	t.Setenv("PATH", "")
	root := t.TempDir()
	first := filepath.Join(root, "a")
	second := filepath.Join(root, "b")
	writeExecutable(t, filepath.Join(second, ClientBinary))

	res, err := Install(InstallOptions{SearchDirs: []string{first, second}, BinDir: filepath.Join(root, "bin")})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if res.ClientPath != filepath.Join(second, ClientBinary) {
		t.Fatalf("unexpected client path %q", res.ClientPath)
	}
	if len(res.FilesWritten) != 0 {
		t.Fatalf("nothing should be written when the client exists: %+v", res.FilesWritten)
	}
}

func TestInstallExplicitPathMustBeExecutable(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "client")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := Install(InstallOptions{ClientPath: path, BinDir: root})
	if err == nil {
		t.Fatalf("expected error for non-executable client")
	}
	if len(res.Messages) == 0 || !strings.Contains(res.Messages[0], "not executable") {
		t.Fatalf("expected diagnostic message, got %+v", res.Messages)
	}
}

func TestInstallCopiesFromSourceWhenMissing(t *testing.T) {
	t.Setenv("PATH", "")
	root := t.TempDir()
	source := filepath.Join(root, "dist", "mosh-client")
	writeExecutable(t, source)
	binDir := filepath.Join(root, "bin")

	res, err := Install(InstallOptions{SourcePath: source, BinDir: binDir})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	target := filepath.Join(binDir, ClientBinary)
	if res.ClientPath != target {
		t.Fatalf("unexpected client path %q", res.ClientPath)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat installed client: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Fatalf("installed client is not executable: %v", info.Mode())
	}

	// Second run finds the installed copy in BinDir.
	again, err := Install(InstallOptions{SourcePath: source, BinDir: binDir})
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if len(again.FilesWritten) != 0 {
		t.Fatalf("second install should not write: %+v", again.FilesWritten)
	}
}

func TestInstallDryRunWritesNothing(t *testing.T) {
	t.Setenv("PATH", "")
	root := t.TempDir()
	source := filepath.Join(root, "src", "mosh-client")
	writeExecutable(t, source)
	binDir := filepath.Join(root, "bin")

	res, err := Install(InstallOptions{SourcePath: source, BinDir: binDir, DryRun: true})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(res.FilesWritten) != 1 {
		t.Fatalf("expected planned write, got %+v", res.FilesWritten)
	}
	if _, err := os.Stat(filepath.Join(binDir, ClientBinary)); !os.IsNotExist(err) {
		t.Fatalf("dry run must not create the client, stat err=%v", err)
	}
}

func TestInstallFailsWithoutClientOrSource(t *testing.T) {
	t.Setenv("PATH", "")
	root := t.TempDir()
	res, err := Install(InstallOptions{BinDir: filepath.Join(root, "bin")})
	if err == nil {
		t.Fatalf("expected not found error")
	}
	if res.ClientPath != "" {
		t.Fatalf("client path should be empty, got %q", res.ClientPath)
	}
	if len(res.Messages) == 0 {
		t.Fatalf("expected diagnostics")
	}
}

func TestInstallerLifecycle(t *testing.T) {
	t.Setenv("PATH", "")
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	writeExecutable(t, filepath.Join(binDir, ClientBinary))

	inst := NewInstaller(InstallOptions{BinDir: binDir})
	if inst.Started() || inst.Done() {
		t.Fatalf("fresh installer should be idle")
	}
	if err := inst.Wait(context.Background()); err == nil {
		t.Fatalf("wait before start should fail")
	}

	inst.Start()
	inst.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !inst.Done() || !inst.Succeeded() {
		t.Fatalf("expected successful install")
	}
	if inst.ClientPath() != filepath.Join(binDir, ClientBinary) {
		t.Fatalf("unexpected client path %q", inst.ClientPath())
	}
	if !strings.Contains(inst.Messages(), "found mosh-client") {
		t.Fatalf("unexpected messages %q", inst.Messages())
	}
}

func TestInstallerFailureKeepsMessages(t *testing.T) {
	t.Setenv("PATH", "")
	inst := NewInstaller(InstallOptions{BinDir: filepath.Join(t.TempDir(), "bin")})
	inst.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if inst.Succeeded() {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(inst.Messages(), "error: mosh-client not found") {
		t.Fatalf("unexpected messages %q", inst.Messages())
	}
}
