package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/g960059/moshbridge/internal/model"
)

type Options struct {
	ConnectTimeout time.Duration
	DialRetries    uint64
	DialBackoff    time.Duration
	IdentityFiles  []string
	KnownHostsPath string
	UseAgent       bool
	// Password is asked for when key based methods are exhausted.
	Password func(target Target) (string, error)
	// Notice receives user-facing warnings, such as an unverified host key.
	Notice func(line string)
}

type SSHDialer struct {
	opts Options
	log  zerolog.Logger
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewSSHDialer(opts Options, log zerolog.Logger) *SSHDialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.DialBackoff <= 0 {
		opts.DialBackoff = 500 * time.Millisecond
	}
	var d net.Dialer
	return &SSHDialer{
		opts: opts,
		log:  log.With().Str("component", "ssh").Logger(),
		dial: d.DialContext,
	}
}

// Dial connects and authenticates. Network errors are retried up to
// DialRetries times; handshake and auth failures are not.
func (d *SSHDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	if strings.TrimSpace(target.Hostname) == "" {
		return nil, errors.New("empty hostname")
	}
	auth, agentConn := d.authMethods(target)
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		closeQuietly(agentConn)
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         d.opts.ConnectTimeout,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.DialBackoff
	attempt := 0
	client, err := backoff.RetryNotifyWithData(
		func() (*ssh.Client, error) {
			attempt++
			return d.dialOnce(ctx, target, cfg)
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, d.opts.DialRetries), ctx),
		func(err error, wait time.Duration) {
			d.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Str("addr", target.Addr()).Msg("ssh dial failed, retrying")
		},
	)
	if err != nil {
		closeQuietly(agentConn)
		return nil, fmt.Errorf("ssh %s@%s: %w", target.Username, target.Addr(), err)
	}
	d.log.Info().Str("addr", target.Addr()).Str("user", target.Username).Msg("ssh connection established")
	return &sshConn{client: client, agentConn: agentConn}, nil
}

func (d *SSHDialer) dialOnce(ctx context.Context, target Target, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := target.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()
	conn, err := d.dial(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(d.opts.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, backoff.Permanent(err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (d *SSHDialer) authMethods(target Target) ([]ssh.AuthMethod, net.Conn) {
	methods := []ssh.AuthMethod{}
	var agentConn net.Conn
	if d.opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				d.log.Debug().Err(err).Msg("ssh agent unreachable")
			} else {
				agentConn = conn
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	signers := []ssh.Signer{}
	for _, path := range d.opts.IdentityFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				d.log.Debug().Str("path", path).Msg("skipping encrypted identity")
			} else {
				d.log.Warn().Err(err).Str("path", path).Msg("unable to parse identity")
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if d.opts.Password != nil {
		prompt := d.opts.Password
		methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(func() (string, error) {
			return prompt(target)
		}), 3))
	}
	return methods, agentConn
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(d.opts.KnownHostsPath)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cb, err := knownhosts.New(path)
			if err != nil {
				return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
			}
			return cb, nil
		}
	}
	d.log.Warn().Str("known_hosts", path).Msg("no known_hosts file, falling back to InsecureIgnoreHostKey")
	if d.opts.Notice != nil {
		if path == "" {
			d.opts.Notice("Warning: no known_hosts file configured; the host key will not be verified")
		} else {
			d.opts.Notice("Warning: " + path + " not found; the host key will not be verified")
		}
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

type sshConn struct {
	client    *ssh.Client
	agentConn net.Conn
	closeOnce sync.Once
	closeErr  error
}

// ptyRequestMsg is the RFC 4254 pty-req payload. The stock RequestPty has
// no pixel fields.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func (c *sshConn) Start(req StartRequest) (Channel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	ok, err := sess.SendRequest("pty-req", true, ssh.Marshal(&ptyRequestMsg{
		Term:     req.TermType,
		Columns:  uint32(max(req.Size.Columns, 0)),
		Rows:     uint32(max(req.Size.Rows, 0)),
		Width:    uint32(max(req.Size.Width, 0)),
		Height:   uint32(max(req.Size.Height, 0)),
		Modelist: encodeModes(ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 38400, ssh.TTY_OP_OSPEED: 38400}),
	}))
	if err == nil && !ok {
		err = errors.New("request denied")
	}
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Start(req.Command); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("exec: %w", err)
	}
	return &sshChannel{sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (c *sshConn) Wait() error {
	return c.client.Wait()
}

func (c *sshConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
		closeQuietly(c.agentConn)
	})
	return c.closeErr
}

type sshChannel struct {
	sess      *ssh.Session
	stdin     io.WriteCloser
	stdout    io.Reader
	stderr    io.Reader
	closeOnce sync.Once
}

func (ch *sshChannel) Read(p []byte) (int, error) {
	return ch.stdout.Read(p)
}

func (ch *sshChannel) Write(p []byte) (int, error) {
	return ch.stdin.Write(p)
}

func (ch *sshChannel) Stderr() io.Reader {
	return ch.stderr
}

func (ch *sshChannel) WindowChange(size model.Dimensions) error {
	_, err := ch.sess.SendRequest("window-change", false, ssh.Marshal(&windowChangeMsg{
		Columns: uint32(max(size.Columns, 0)),
		Rows:    uint32(max(size.Rows, 0)),
		Width:   uint32(max(size.Width, 0)),
		Height:  uint32(max(size.Height, 0)),
	}))
	return err
}

func (ch *sshChannel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		_ = ch.stdin.Close()
		err = ch.sess.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

func encodeModes(modes ssh.TerminalModes) string {
	var out []byte
	for op, val := range modes {
		out = append(out, op, byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
	}
	out = append(out, 0) // TTY_OP_END
	return string(out)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
