package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/g960059/moshbridge/internal/model"
	"github.com/g960059/moshbridge/internal/remote"
	"github.com/g960059/moshbridge/internal/supervisor"
)

type fakeBridge struct {
	mu          sync.Mutex
	lines       []string
	connected   int
	postLogins  int
	disconnects int
	disconnectC chan struct{}
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{disconnectC: make(chan struct{}, 8)}
}

func (b *fakeBridge) OutputLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
}

func (b *fakeBridge) OnConnected(bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected++
}

func (b *fakeBridge) PostLogin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.postLogins++
}

func (b *fakeBridge) DispatchDisconnect(bool) {
	b.mu.Lock()
	b.disconnects++
	b.mu.Unlock()
	b.disconnectC <- struct{}{}
}

func (b *fakeBridge) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func (b *fakeBridge) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

type fakeInstaller struct {
	started  bool
	done     bool
	ok       bool
	path     string
	messages string
	waitErr  error
	waited   bool
	// block, when set, holds Wait until it is closed or ctx ends.
	block chan struct{}
}

func (i *fakeInstaller) Started() bool { return i.started }
func (i *fakeInstaller) Done() bool    { return i.done }
func (i *fakeInstaller) Wait(ctx context.Context) error {
	i.waited = true
	if i.waitErr != nil {
		return i.waitErr
	}
	if i.block != nil {
		select {
		case <-i.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	i.done = true
	return nil
}
func (i *fakeInstaller) Succeeded() bool    { return i.done && i.ok }
func (i *fakeInstaller) Messages() string   { return i.messages }
func (i *fakeInstaller) ClientPath() string { return i.path }

type fakeResolver struct {
	addrs []netip.Addr
	err   error
}

func (r fakeResolver) LookupNetIP(context.Context, string, string) ([]netip.Addr, error) {
	return r.addrs, r.err
}

type fakeChannel struct {
	reads    chan []byte
	done     chan struct{}
	closeMu  sync.Mutex
	closes   int
	written  bytes.Buffer
	windows  []model.Dimensions
	stderr   *syncReader
	closeOne sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		reads:  make(chan []byte, 16),
		done:   make(chan struct{}),
		stderr: &syncReader{data: []byte("mosh-server: warning: locale not found\n")},
	}
}

func (c *fakeChannel) push(s string) { c.reads <- []byte(s) }

// eof makes the next read without pending data return io.EOF.
func (c *fakeChannel) eof() { close(c.reads) }

func (c *fakeChannel) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-c.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-c.done:
		return 0, io.EOF
	}
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.written.Write(p)
}

func (c *fakeChannel) Stderr() io.Reader { return c.stderr }

func (c *fakeChannel) WindowChange(size model.Dimensions) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.windows = append(c.windows, size)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closeMu.Lock()
	c.closes++
	c.closeMu.Unlock()
	c.closeOne.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) Closes() int {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closes
}

type fakeConn struct {
	ch       *fakeChannel
	startErr error
	mu       sync.Mutex
	req      remote.StartRequest
	closes   int
	lost     chan error
}

func (c *fakeConn) Start(req remote.StartRequest) (remote.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.req = req
	if c.startErr != nil {
		return nil, c.startErr
	}
	return c.ch, nil
}

func (c *fakeConn) Wait() error {
	return <-c.lost
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeDialer struct {
	conn   *fakeConn
	err    error
	target remote.Target
	calls  int
	// dialing, when set, is closed on entry and Dial then blocks until ctx
	// ends.
	dialing chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, target remote.Target) (remote.Conn, error) {
	d.calls++
	d.target = target
	if d.dialing != nil {
		close(d.dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// fakeTerminal stands in for a pty master. Output written by the "client"
// is read through out; input from the session lands in in.
type fakeTerminal struct {
	out    *io.PipeReader
	outW   *io.PipeWriter
	mu     sync.Mutex
	in     bytes.Buffer
	closed bool
}

func newFakeTerminal() *fakeTerminal {
	r, w := io.Pipe()
	return &fakeTerminal{out: r, outW: w}
}

func (t *fakeTerminal) Read(p []byte) (int, error) { return t.out.Read(p) }

func (t *fakeTerminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	return t.in.Write(p)
}

func (t *fakeTerminal) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.out.Close()
}

func (t *fakeTerminal) Input() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.in.String()
}

type fakeProcess struct {
	pid     int
	term    *fakeTerminal
	exit    chan error
	mu      sync.Mutex
	resized []model.Dimensions
}

func (p *fakeProcess) Pid() int                     { return p.pid }
func (p *fakeProcess) Terminal() io.ReadWriteCloser { return p.term }
func (p *fakeProcess) Wait() error                  { return <-p.exit }
func (p *fakeProcess) Resize(size model.Dimensions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resized = append(p.resized, size)
	return nil
}

func (p *fakeProcess) Resized() []model.Dimensions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Dimensions(nil), p.resized...)
}

type fakeLauncher struct {
	proc *fakeProcess
	err  error
	mu   sync.Mutex
	req  supervisor.LaunchRequest
	env  []string
}

func (l *fakeLauncher) Launch(req supervisor.LaunchRequest) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.req = req
	l.env = append([]string(nil), req.Env...)
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

type recordingSignaler struct {
	mu  sync.Mutex
	got []unix.Signal
}

func (r *recordingSignaler) Signal(pid int, sig unix.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pid <= 0 {
		return errors.New("bad pid")
	}
	r.got = append(r.got, sig)
	return nil
}

func (r *recordingSignaler) Signals() []unix.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]unix.Signal(nil), r.got...)
}

type syncReader struct {
	mu   sync.Mutex
	data []byte
	off  int
}

func (r *syncReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

func (r *syncReader) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data) - r.off
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
