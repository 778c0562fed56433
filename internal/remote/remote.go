package remote

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/g960059/moshbridge/internal/model"
)

const DefaultPort = 22

type Target struct {
	Hostname string
	Port     int
	Username string
}

func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Hostname, strconv.Itoa(port))
}

type StartRequest struct {
	TermType string
	Size     model.Dimensions
	Command  string
}

// Dialer opens an authenticated connection to a remote shell host.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

type Conn interface {
	// Start opens a session, requests a pty and runs one command on it.
	Start(req StartRequest) (Channel, error)
	// Wait blocks until the connection is gone.
	Wait() error
	Close() error
}

// Channel is a running remote command. Read yields its stdout and Write
// feeds its stdin.
type Channel interface {
	io.ReadWriter
	Stderr() io.Reader
	WindowChange(size model.Dimensions) error
	Close() error
}
