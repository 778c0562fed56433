package protocol

import (
	"fmt"
	"strings"
)

const (
	Name        = "mosh"
	DefaultPort = 22

	DefaultServerBinary = "mosh-server"
)

// DefaultNickname formats the label shown for a host when the user did not
// pick one.
func DefaultNickname(username, hostname string, port int) string {
	if port == DefaultPort {
		return fmt.Sprintf("%s %s@%s", Name, username, hostname)
	}
	return fmt.Sprintf("%s %s@%s:%d", Name, username, hostname, port)
}

// Capabilities are fixed for this transport: the local client owns the
// network path, so none of the ssh-side features apply.
type Capabilities struct {
	CanForwardPorts         bool
	UsesNetwork             bool
	ResetOnConnectionChange bool
}

func DefaultCapabilities() Capabilities {
	return Capabilities{}
}

// ServerCommand builds the remote bootstrap command line. The -p argument
// is only added for a fixed, positive port.
func ServerCommand(binary, locale string, port int) string {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultServerBinary
	}
	cmd := fmt.Sprintf("%s new -s -l LANG=%s", binary, locale)
	if port > 0 {
		cmd += fmt.Sprintf(" -p %d", port)
	}
	return cmd
}
