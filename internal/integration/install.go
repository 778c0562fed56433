package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ClientBinary is the executable name looked up when no explicit path is
// configured.
const ClientBinary = "mosh-client"

type InstallOptions struct {
	// ClientPath pins the client binary. When set, nothing is searched.
	ClientPath string
	// SearchDirs are scanned in order before falling back to $PATH.
	SearchDirs []string
	// SourcePath, when set, is copied into BinDir if no client was found.
	SourcePath string
	BinDir     string
	DryRun     bool
}

type InstallResult struct {
	ClientPath   string   `json:"client_path,omitempty"`
	DryRun       bool     `json:"dry_run"`
	FilesWritten []string `json:"files_written,omitempty"`
	Backups      []string `json:"backups,omitempty"`
	Messages     []string `json:"messages,omitempty"`
}

// Install locates the client binary, installing it from SourcePath when it
// cannot be found. Messages describe every step and are kept on failure.
func Install(opts InstallOptions) (InstallResult, error) {
	normalized, err := normalizeOptions(opts)
	if err != nil {
		return InstallResult{}, err
	}
	res := InstallResult{DryRun: normalized.DryRun}

	if normalized.ClientPath != "" {
		if err := checkExecutable(normalized.ClientPath); err != nil {
			res.Messages = append(res.Messages, fmt.Sprintf("configured client %s is unusable: %v", normalized.ClientPath, err))
			return res, fmt.Errorf("client path %s: %w", normalized.ClientPath, err)
		}
		res.ClientPath = normalized.ClientPath
		res.Messages = append(res.Messages, "using "+ClientBinary+" at "+normalized.ClientPath)
		return res, nil
	}

	if path, ok := searchDirs(normalized.SearchDirs); ok {
		res.ClientPath = path
		res.Messages = append(res.Messages, "found "+ClientBinary+" at "+path)
		return res, nil
	}
	if path, err := exec.LookPath(ClientBinary); err == nil {
		res.ClientPath = path
		res.Messages = append(res.Messages, "found "+ClientBinary+" on PATH at "+path)
		return res, nil
	}

	if normalized.SourcePath == "" {
		res.Messages = append(res.Messages, ClientBinary+" not found in "+strings.Join(normalized.SearchDirs, ", ")+" or on PATH")
		return res, errors.New(ClientBinary + " not found")
	}

	raw, err := os.ReadFile(normalized.SourcePath)
	if err != nil {
		res.Messages = append(res.Messages, fmt.Sprintf("cannot read install source %s: %v", normalized.SourcePath, err))
		return res, fmt.Errorf("read install source: %w", err)
	}
	target := filepath.Join(normalized.BinDir, ClientBinary)
	if err := writeManagedFile(target, raw, 0o755, normalized.DryRun, &res); err != nil {
		res.Messages = append(res.Messages, fmt.Sprintf("install into %s failed: %v", normalized.BinDir, err))
		return res, err
	}
	res.ClientPath = target
	res.Messages = append(res.Messages, "installed "+ClientBinary+" to "+target)
	return res, nil
}

func normalizeOptions(opts InstallOptions) (InstallOptions, error) {
	normalized := opts
	normalized.ClientPath = strings.TrimSpace(normalized.ClientPath)
	normalized.SourcePath = strings.TrimSpace(normalized.SourcePath)
	if strings.TrimSpace(normalized.BinDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return InstallOptions{}, fmt.Errorf("resolve home dir: %w", err)
		}
		normalized.BinDir = filepath.Join(home, ".local", "share", "moshbridge", "bin")
	}
	dirs := make([]string, 0, len(normalized.SearchDirs)+1)
	seen := map[string]struct{}{}
	for _, dir := range append(append([]string{}, normalized.SearchDirs...), normalized.BinDir) {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	normalized.SearchDirs = dirs
	return normalized, nil
}

func searchDirs(dirs []string) (string, bool) {
	for _, dir := range dirs {
		candidate := filepath.Join(dir, ClientBinary)
		if checkExecutable(candidate) == nil {
			return candidate, true
		}
	}
	return "", false
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}
	if info.Mode()&0o111 == 0 {
		return errors.New("not executable")
	}
	return nil
}

func writeManagedFile(path string, content []byte, perm os.FileMode, dryRun bool, res *InstallResult) error {
	existing, err := readOptional(path)
	if err != nil {
		return err
	}
	if existing != nil && bytes.Equal(existing, content) {
		return nil
	}

	if dryRun {
		res.FilesWritten = append(res.FilesWritten, path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if len(existing) > 0 {
		backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UTC().UnixNano())
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return fmt.Errorf("write backup %s: %w", backupPath, err)
		}
		res.Backups = append(res.Backups, backupPath)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmpPath, content, perm); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file %s: %w", path, err)
	}
	res.FilesWritten = append(res.FilesWritten, path)
	return nil
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("read file %s: %w", path, err)
}

// Installer runs Install once in the background and lets sessions wait on
// its outcome.
type Installer struct {
	opts InstallOptions

	mu      sync.Mutex
	started bool
	done    chan struct{}
	result  InstallResult
	err     error
}

func NewInstaller(opts InstallOptions) *Installer {
	return &Installer{opts: opts, done: make(chan struct{})}
}

// Start launches the install. Later calls are no-ops.
func (i *Installer) Start() {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return
	}
	i.started = true
	i.mu.Unlock()

	go func() {
		res, err := Install(i.opts)
		i.mu.Lock()
		i.result = res
		i.err = err
		i.mu.Unlock()
		close(i.done)
	}()
}

func (i *Installer) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

func (i *Installer) Done() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the install finished or ctx is done. It returns
// immediately when the install was never started.
func (i *Installer) Wait(ctx context.Context) error {
	if !i.Started() {
		return errors.New("install not started")
	}
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Succeeded reports whether a finished install produced a usable client.
func (i *Installer) Succeeded() bool {
	if !i.Done() {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err == nil && i.result.ClientPath != ""
}

func (i *Installer) ClientPath() string {
	if !i.Done() {
		return ""
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result.ClientPath
}

// Messages returns the captured install diagnostics, one per line.
func (i *Installer) Messages() string {
	if !i.Done() {
		return ""
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	lines := append([]string{}, i.result.Messages...)
	if i.err != nil {
		lines = append(lines, "error: "+i.err.Error())
	}
	return strings.Join(lines, "\n")
}
