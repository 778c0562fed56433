package integration

import (
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type DoctorOptions struct {
	Install        InstallOptions
	KnownHostsPath string
	IdentityFiles  []string
	UseAgent       bool
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Doctor reports whether the local side is ready to bootstrap sessions.
// It never installs anything.
func Doctor(opts DoctorOptions) (DoctorResult, error) {
	installOpts := opts.Install
	installOpts.SourcePath = ""
	installOpts.DryRun = true

	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	res, err := Install(installOpts)
	if err != nil {
		add(DoctorCheck{Name: "client_binary", Status: "fail", Message: strings.Join(res.Messages, "; ")})
	} else {
		add(DoctorCheck{Name: "client_binary", Status: "pass", Message: "executable", Path: res.ClientPath})
	}

	add(checkKnownHosts(opts.KnownHostsPath))
	add(checkCredentials(opts.IdentityFiles, opts.UseAgent))
	return out, nil
}

func checkKnownHosts(path string) DoctorCheck {
	if strings.TrimSpace(path) == "" {
		return DoctorCheck{Name: "known_hosts", Status: "warn", Message: "not configured; host keys are not verified"}
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "known_hosts", Status: "warn", Message: "file not found; host keys are not verified", Path: path}
		}
		return DoctorCheck{Name: "known_hosts", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if _, err := knownhosts.New(path); err != nil {
		return DoctorCheck{Name: "known_hosts", Status: "fail", Message: fmt.Sprintf("parse error: %v", err), Path: path}
	}
	return DoctorCheck{Name: "known_hosts", Status: "pass", Message: "readable", Path: path}
}

func checkCredentials(identityFiles []string, useAgent bool) DoctorCheck {
	usable := []string{}
	for _, path := range identityFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if _, err := ssh.ParsePrivateKey(raw); err != nil {
			continue
		}
		usable = append(usable, path)
	}
	if len(usable) > 0 {
		return DoctorCheck{Name: "ssh_credentials", Status: "pass", Message: "identity file available", Path: usable[0]}
	}
	if useAgent {
		if sock := os.Getenv(agentSocketEnv); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				_ = conn.Close()
				return DoctorCheck{Name: "ssh_credentials", Status: "pass", Message: "ssh agent reachable", Path: sock}
			}
		}
	}
	return DoctorCheck{Name: "ssh_credentials", Status: "warn", Message: "no unencrypted identity file or agent; only password auth is possible"}
}

const agentSocketEnv = "SSH_AUTH_SOCK"
