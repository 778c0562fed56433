package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/g960059/moshbridge/internal/model"
	"github.com/g960059/moshbridge/internal/remote"
)

// crlfWriter rewrites bare newlines while the terminal is in raw mode, where
// the tty no longer maps LF to CRLF.
type crlfWriter struct {
	mu  sync.Mutex
	w   io.Writer
	raw atomic.Bool
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.raw.Load() {
		return c.w.Write(p)
	}
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// termBridge shows session progress on the user's terminal.
type termBridge struct {
	out  io.Writer
	log  zerolog.Logger
	done chan struct{}
	once sync.Once
}

func newTermBridge(out io.Writer, log zerolog.Logger) *termBridge {
	return &termBridge{out: out, log: log, done: make(chan struct{})}
}

func (b *termBridge) OutputLine(line string) {
	_, _ = fmt.Fprintln(b.out, line)
}

func (b *termBridge) OnConnected(postLogin bool) {
	b.log.Debug().Bool("post_login", postLogin).Msg("remote session connected")
}

func (b *termBridge) PostLogin() {
	b.log.Debug().Msg("local client attached")
}

func (b *termBridge) DispatchDisconnect(immediate bool) {
	b.once.Do(func() {
		b.log.Debug().Bool("immediate", immediate).Msg("disconnect requested")
		close(b.done)
	})
}

func (b *termBridge) Done() <-chan struct{} {
	return b.done
}

// terminalSession is the part of session.Session the pump drives.
type terminalSession interface {
	io.ReadWriter
	Resize(size model.Dimensions)
	OnBackground()
	OnForeground()
}

type pump struct {
	sess   terminalSession
	bridge *termBridge
	in     io.Reader
	out    io.Writer
	size   func() (model.Dimensions, bool)
	log    zerolog.Logger
}

// run copies session output to out and input to the session until the
// session disconnects, the context ends or a terminating signal arrives.
func (p *pump) run(ctx context.Context, signals <-chan os.Signal) error {
	p.resize()

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := p.sess.Read(buf)
			if n > 0 {
				if _, werr := p.out.Write(buf[:n]); werr != nil {
					readErr <- werr
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := p.in.Read(buf)
			if n > 0 {
				if _, werr := p.sess.Write(buf[:n]); werr != nil {
					p.log.Debug().Err(werr).Msg("input dropped")
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.bridge.Done():
			select {
			case err := <-readErr:
				return sessionResult(err)
			default:
				return nil
			}
		case err := <-readErr:
			return sessionResult(err)
		case sig := <-signals:
			switch sig {
			case unix.SIGWINCH:
				p.resize()
			case unix.SIGUSR1:
				p.sess.OnBackground()
			case unix.SIGUSR2:
				p.sess.OnForeground()
			default:
				p.log.Debug().Str("signal", sig.String()).Msg("terminating")
				return nil
			}
		}
	}
}

func (p *pump) resize() {
	if p.size == nil {
		return
	}
	if size, ok := p.size(); ok {
		p.sess.Resize(size)
	}
}

func sessionResult(err error) error {
	if err == nil || errors.Is(err, model.ErrSessionClosed) {
		return nil
	}
	return err
}

// terminalSize reads the cell and pixel size of fd.
func terminalSize(fd int) (model.Dimensions, bool) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return model.Dimensions{}, false
	}
	size := model.Dimensions{Columns: cols, Rows: rows}
	if ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ); err == nil {
		size.Width = int(ws.Xpixel)
		size.Height = int(ws.Ypixel)
	}
	return size, size.Valid()
}

// makeRaw puts fd into raw mode when it is a terminal. The returned func
// restores the previous state.
func makeRaw(fd int, writers ...*crlfWriter) (func(), error) {
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	for _, w := range writers {
		w.raw.Store(true)
	}
	return func() {
		for _, w := range writers {
			w.raw.Store(false)
		}
		_ = term.Restore(fd, state)
	}, nil
}

// promptPassword asks on the controlling terminal. It is only used when
// neither the agent nor an identity file was accepted.
func promptPassword(in *os.File, out io.Writer) func(remote.Target) (string, error) {
	return func(t remote.Target) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("password required for %s@%s but stdin is not a terminal", t.Username, t.Hostname)
		}
		_, _ = fmt.Fprintf(out, "%s@%s's password: ", t.Username, t.Hostname)
		pw, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
}
