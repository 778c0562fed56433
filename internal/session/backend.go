package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/g960059/moshbridge/internal/handshake"
	"github.com/g960059/moshbridge/internal/model"
	"github.com/g960059/moshbridge/internal/remote"
	"github.com/g960059/moshbridge/internal/security"
	"github.com/g960059/moshbridge/internal/supervisor"
)

var (
	errClosedDuringHandoff = fmt.Errorf("%w: closed during handoff", model.ErrSessionClosed)
	errClosedDuringConnect = fmt.Errorf("%w: closed during connect", model.ErrSessionClosed)
	errRemoteNotOpen       = fmt.Errorf("%w: remote session not open", model.ErrSessionClosed)
)

// backend is one I/O routing mode. The session holds exactly one at a time.
type backend interface {
	mode() model.SessionMode
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Resize(size model.Dimensions)
	IsConnected() bool
	IsSessionOpen() bool
}

// remoteBackend talks to the remote bootstrap command and watches its
// stdout for the handshake line.
type remoteBackend struct {
	s       *Session
	scanner *handshake.Scanner

	mu     sync.Mutex
	conn   remote.Conn
	ch     remote.Channel
	closed bool
}

func (r *remoteBackend) mode() model.SessionMode { return model.ModeRemote }

func (r *remoteBackend) attach(conn remote.Conn, ch remote.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conn = conn
	r.ch = ch
	return true
}

func (r *remoteBackend) channel() remote.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch
}

func (r *remoteBackend) Read(p []byte) (int, error) {
	ch := r.channel()
	if ch == nil {
		return 0, errRemoteNotOpen
	}
	n, err := ch.Read(p)
	if n > 0 {
		if creds, ok := r.scanner.Feed(p[:n]); ok {
			if herr := r.s.handoff(creds); herr != nil {
				return n, herr
			}
			return n, nil
		}
	}
	if errors.Is(err, io.EOF) {
		if r.s.Mode() != model.ModeRemote {
			return n, model.ErrSessionClosed
		}
		r.s.log.Warn().Msg("remote end closed before handshake")
		r.s.disconnect()
		return n, fmt.Errorf("%w: remote end closed connection", model.ErrRemoteClosedEarly)
	}
	return n, err
}

func (r *remoteBackend) Write(p []byte) (int, error) {
	ch := r.channel()
	if ch == nil {
		return 0, errRemoteNotOpen
	}
	return ch.Write(p)
}

func (r *remoteBackend) Flush() error {
	if f, ok := r.channel().(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (r *remoteBackend) Resize(size model.Dimensions) {
	ch := r.channel()
	if ch == nil {
		return
	}
	if err := ch.WindowChange(size); err != nil {
		r.s.log.Warn().Err(err).Int("columns", size.Columns).Int("rows", size.Rows).Msg("remote window change failed")
	}
}

func (r *remoteBackend) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && !r.closed
}

func (r *remoteBackend) IsSessionOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch != nil && !r.closed
}

func (r *remoteBackend) close() error {
	r.mu.Lock()
	r.closed = true
	ch, conn := r.ch, r.conn
	r.ch, r.conn = nil, nil
	r.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// localBackend routes I/O to the pty of the spawned client.
type localBackend struct {
	s   *Session
	sup *supervisor.Supervisor

	mu   sync.Mutex
	term io.ReadWriteCloser
}

func (l *localBackend) mode() model.SessionMode { return model.ModeLocal }

func (l *localBackend) terminal() io.ReadWriteCloser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.term
}

func (l *localBackend) Read(p []byte) (int, error) {
	term := l.terminal()
	if term == nil {
		l.s.disconnect()
		return 0, model.ErrSessionClosed
	}
	n, err := term.Read(p)
	if err != nil && tornDown(err) {
		_ = l.close()
		l.s.disconnect()
		return n, fmt.Errorf("%w: %w", model.ErrSessionClosed, err)
	}
	return n, err
}

// Write drops data once the terminal is gone; a final keystroke racing the
// client's exit is not an error.
func (l *localBackend) Write(p []byte) (int, error) {
	term := l.terminal()
	if term == nil {
		return len(p), nil
	}
	n, err := term.Write(p)
	if err != nil && tornDown(err) {
		return len(p), nil
	}
	return n, err
}

func (l *localBackend) Flush() error {
	return nil
}

func (l *localBackend) Resize(size model.Dimensions) {
	l.sup.Resize(size)
}

func (l *localBackend) IsConnected() bool {
	return l.terminal() != nil
}

func (l *localBackend) IsSessionOpen() bool {
	return l.terminal() != nil
}

func (l *localBackend) close() error {
	l.mu.Lock()
	term := l.term
	l.term = nil
	l.mu.Unlock()
	if term == nil {
		return nil
	}
	return term.Close()
}

type closedBackend struct{}

func (closedBackend) mode() model.SessionMode     { return model.ModeClosed }
func (closedBackend) Read([]byte) (int, error)    { return 0, model.ErrSessionClosed }
func (closedBackend) Write(p []byte) (int, error) { return len(p), nil }
func (closedBackend) Flush() error                { return nil }
func (closedBackend) Resize(model.Dimensions)     {}
func (closedBackend) IsConnected() bool           { return false }
func (closedBackend) IsSessionOpen() bool         { return false }

// tornDown reports errors that mean the pty master is unusable. Linux
// returns EIO once the client side of the pty has closed.
func tornDown(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, unix.EIO)
}

func redactKey(text, key string) string {
	return security.RedactSecret(text, key)
}
