package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/moshbridge/internal/address"
	"github.com/g960059/moshbridge/internal/config"
	"github.com/g960059/moshbridge/internal/handshake"
	"github.com/g960059/moshbridge/internal/model"
	"github.com/g960059/moshbridge/internal/remote"
	"github.com/g960059/moshbridge/internal/supervisor"
)

// Bridge receives progress and lifecycle notifications for the terminal
// that displays the session.
type Bridge interface {
	OutputLine(line string)
	OnConnected(postLogin bool)
	PostLogin()
	DispatchDisconnect(immediate bool)
}

// Installer makes the local client binary available.
type Installer interface {
	Started() bool
	Done() bool
	Wait(ctx context.Context) error
	Succeeded() bool
	Messages() string
	ClientPath() string
}

type Deps struct {
	Installer Installer
	Selector  *address.Selector
	Dialer    remote.Dialer
	Launcher  supervisor.Launcher
	Signaler  supervisor.Signaler
	Logger    zerolog.Logger
}

// Session bootstraps the local client over a remote shell and then routes
// all terminal I/O to it. Read, Write, Flush and Resize are expected on
// one caller goroutine; Close and the lifecycle hooks may come from any.
type Session struct {
	id     string
	host   model.Host
	cfg    config.Config
	bridge Bridge
	deps   Deps
	base   zerolog.Logger
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	active    atomic.Pointer[backendRef]
	remoteRef *backendRef
	closedRef *backendRef
	remote    *remoteBackend

	mu    sync.Mutex
	local *localBackend
	sup   *supervisor.Supervisor
	addr  model.Address
	size  model.Dimensions

	disconnectOnce sync.Once
}

type backendRef struct {
	backend
}

func New(host model.Host, cfg config.Config, bridge Bridge, deps Deps) *Session {
	id := uuid.NewString()
	base := deps.Logger.With().Str("session_id", id).Logger()
	if deps.Selector == nil {
		deps.Selector = address.NewSelector()
	}
	if deps.Dialer == nil {
		deps.Dialer = remote.NewSSHDialer(remote.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			DialRetries:    cfg.DialRetries,
			DialBackoff:    cfg.DialBackoff,
			IdentityFiles:  cfg.IdentityFiles,
			KnownHostsPath: cfg.KnownHostsPath,
			UseAgent:       cfg.UseAgent,
			Notice:         bridge.OutputLine,
		}, base)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		host:   host,
		cfg:    cfg,
		bridge: bridge,
		deps:   deps,
		base:   base,
		log:    base.With().Str("component", "session").Logger(),
		ctx:    ctx,
		cancel: cancel,
		size: model.Dimensions{
			Columns: cfg.RemoteColumns,
			Rows:    cfg.RemoteRows,
			Width:   cfg.RemoteWidth,
			Height:  cfg.RemoteHeight,
		},
	}
	s.remote = &remoteBackend{
		s:       s,
		scanner: handshake.NewScanner(handshake.WithKeyTrim(cfg.HandshakeKeyTrim), handshake.WithCarryLimit(cfg.HandshakeCarry)),
	}
	s.remoteRef = &backendRef{s.remote}
	s.closedRef = &backendRef{closedBackend{}}
	s.active.Store(s.remoteRef)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Mode() model.SessionMode {
	return s.active.Load().mode()
}

// Address is the resolved endpoint handed to the local client.
func (s *Session) Address() model.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Session) Read(p []byte) (int, error) {
	return s.active.Load().Read(p)
}

func (s *Session) Write(p []byte) (int, error) {
	return s.active.Load().Write(p)
}

func (s *Session) Flush() error {
	return s.active.Load().Flush()
}

func (s *Session) IsConnected() bool {
	return s.active.Load().IsConnected()
}

func (s *Session) IsSessionOpen() bool {
	return s.active.Load().IsSessionOpen()
}

// Resize records the terminal size for a later spawn and applies it to the
// active back end.
func (s *Session) Resize(size model.Dimensions) {
	if !size.Valid() {
		return
	}
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()
	s.active.Load().Resize(size)
}

// handoff launches the local client and retargets I/O to it. It runs inside
// the Read that completed the handshake.
func (s *Session) handoff(creds model.HandoffCredentials) error {
	s.mu.Lock()
	addr := s.addr
	size := s.size
	s.mu.Unlock()

	clientPath := ""
	if s.deps.Installer != nil {
		clientPath = s.deps.Installer.ClientPath()
	}
	sup := supervisor.NewSupervisorWithDeps(clientPath, s.deps.Launcher, s.deps.Signaler, s.base)
	h, err := sup.Spawn(s.ctx, supervisor.SpawnRequest{
		Address:      addr.Value,
		Port:         creds.Port,
		Key:          creds.Key,
		TerminalType: s.cfg.TerminalType,
		Size:         size,
	})
	if err != nil {
		msg := redactKey(err.Error(), creds.Key)
		s.log.Error().Str("error", msg).Msg("cannot start local client")
		s.bridge.OutputLine("failed to start mosh-client: " + msg)
		s.disconnect()
		return err
	}

	local := &localBackend{s: s, sup: sup, term: h.Terminal}
	s.mu.Lock()
	s.sup = sup
	s.local = local
	s.mu.Unlock()

	if !s.active.CompareAndSwap(s.remoteRef, &backendRef{local}) {
		// closed while the client was starting
		_ = local.close()
		sup.Shutdown()
		return errClosedDuringHandoff
	}
	s.log.Info().Int("pid", h.Pid).Str("address", addr.Value).Str("port", creds.Port).Msg("switched to local client")

	go s.awaitExit(sup.Exited())
	s.bridge.PostLogin()
	return nil
}

func (s *Session) awaitExit(exited <-chan supervisor.ExitStatus) {
	st, ok := <-exited
	if !ok {
		return
	}
	ev := s.log.Info().Int("pid", st.Pid)
	if st.Err != nil {
		ev = ev.Err(st.Err)
	}
	ev.Msg("local client exited")
	s.disconnect()
}

// disconnect asks the bridge to tear the session down. Only the first call
// reaches the bridge.
func (s *Session) disconnect() {
	s.disconnectOnce.Do(func() {
		s.bridge.DispatchDisconnect(false)
	})
}

// Close releases the remote session, the local terminal and the client
// process. It is safe to call repeatedly and from any goroutine.
func (s *Session) Close() {
	prev := s.active.Swap(s.closedRef)
	if prev != s.closedRef {
		s.log.Info().Str("mode", prev.mode().String()).Msg("closing session")
	}
	s.cancel()

	s.mu.Lock()
	local := s.local
	sup := s.sup
	s.mu.Unlock()

	if local != nil {
		if err := local.close(); err != nil {
			s.log.Warn().Err(err).Msg("close local terminal")
		}
	}
	if err := s.remote.close(); err != nil {
		s.log.Warn().Err(err).Msg("close remote session")
	}
	if sup != nil {
		sup.Shutdown()
	}
}

// ConnectionLost reports that the remote connection dropped. It only tears
// the session down before the handoff.
func (s *Session) ConnectionLost(err error) {
	if s.Mode() != model.ModeRemote {
		return
	}
	ev := s.log.Warn()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("remote connection lost")
	s.disconnect()
}

func (s *Session) OnBackground() {
	if sup := s.localSupervisor(); sup != nil {
		sup.OnBackground()
	}
}

func (s *Session) OnForeground() {
	if sup := s.localSupervisor(); sup != nil {
		sup.OnForeground()
	}
}

func (s *Session) OnScreenOff() {
	if sup := s.localSupervisor(); sup != nil {
		sup.OnScreenOff()
	}
}

func (s *Session) OnScreenOn() {
	if sup := s.localSupervisor(); sup != nil {
		sup.OnScreenOn()
	}
}

// localSupervisor returns the client supervisor once the handoff happened.
// After Close the supervisor is still returned; its slot is empty by then.
func (s *Session) localSupervisor() *supervisor.Supervisor {
	if s.Mode() == model.ModeRemote {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
