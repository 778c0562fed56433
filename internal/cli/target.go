package cli

import (
	"fmt"
	"net/netip"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/g960059/moshbridge/internal/model"
	"github.com/g960059/moshbridge/internal/protocol"
)

// parseTarget splits [user@]host[:port]. Bracketed IPv6 literals take a
// port; a bare IPv6 literal never does.
func parseTarget(raw, defaultUser string) (model.Host, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.Host{}, fmt.Errorf("target is required")
	}

	username := defaultUser
	hostPart := raw
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		username = raw[:at]
		hostPart = raw[at+1:]
		if username == "" {
			return model.Host{}, fmt.Errorf("empty user in target %q", raw)
		}
	}

	hostname, port, err := splitHostPort(hostPart)
	if err != nil {
		return model.Host{}, fmt.Errorf("target %q: %w", raw, err)
	}
	if hostname == "" {
		return model.Host{}, fmt.Errorf("empty host in target %q", raw)
	}
	if username == "" {
		return model.Host{}, fmt.Errorf("no user for target %q", raw)
	}

	return model.Host{
		Nickname: protocol.DefaultNickname(username, hostname, port),
		Username: username,
		Hostname: hostname,
		Port:     port,
	}, nil
}

func splitHostPort(s string) (string, int, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("missing ']'")
		}
		host := s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, protocol.DefaultPort, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("unexpected %q after ']'", rest)
		}
		port, err := parsePort(rest[1:])
		return host, port, err
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return s, protocol.DefaultPort, nil
	}
	colon := strings.LastIndex(s, ":")
	if colon < 0 {
		return s, protocol.DefaultPort, nil
	}
	port, err := parsePort(s[colon+1:])
	return s[:colon], port, err
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return port, nil
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
