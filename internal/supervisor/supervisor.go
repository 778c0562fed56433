package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/g960059/moshbridge/internal/model"
)

var errAlreadySpawned = errors.New("client already spawned")

type SpawnRequest struct {
	Address      string
	Port         string
	Key          string
	TerminalType string
	Size         model.Dimensions
}

type Handle struct {
	Pid      int
	Terminal io.ReadWriteCloser
}

// ExitStatus reports the natural exit of a spawned client.
type ExitStatus struct {
	Pid int
	Err error
}

// Supervisor owns at most one local client process and its pty.
type Supervisor struct {
	clientPath string
	launcher   Launcher
	slot       *pidSlot
	baseEnv    func() []string
	log        zerolog.Logger

	mu      sync.Mutex
	proc    Process
	spawned bool
	exited  chan ExitStatus
}

func NewSupervisor(clientPath string, log zerolog.Logger) *Supervisor {
	return NewSupervisorWithDeps(clientPath, PTYLauncher{}, KillSignaler, log)
}

func NewSupervisorWithDeps(clientPath string, launcher Launcher, signaler Signaler, log zerolog.Logger) *Supervisor {
	if launcher == nil {
		launcher = PTYLauncher{}
	}
	return &Supervisor{
		clientPath: strings.TrimSpace(clientPath),
		launcher:   launcher,
		slot:       newPIDSlot(signaler),
		baseEnv:    os.Environ,
		log:        log.With().Str("component", "supervisor").Logger(),
		exited:     make(chan ExitStatus, 1),
	}
}

// Spawn launches `<client> <address> <port>` on a new pty and starts the
// exit watcher. The key only lives in the per-launch environment slice,
// which is blanked once the launch returns.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", model.ErrSpawnFailed, err)
	}
	if s.clientPath == "" {
		return Handle{}, fmt.Errorf("%w: client path is empty", model.ErrSpawnFailed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawned {
		return Handle{}, fmt.Errorf("%w: %w", model.ErrSpawnFailed, errAlreadySpawned)
	}

	env := clientEnv(s.baseEnv(), req.Key, req.TerminalType)
	proc, err := s.launcher.Launch(LaunchRequest{
		Path: s.clientPath,
		Args: []string{req.Address, req.Port},
		Env:  env,
		Size: req.Size,
	})
	wipeEnv(env, keyEnvVar)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", model.ErrSpawnFailed, err)
	}

	pid := proc.Pid()
	s.spawned = true
	s.proc = proc
	s.slot.set(pid)
	s.log.Info().Int("pid", pid).Str("address", req.Address).Str("port", req.Port).Msg("client started")

	go s.watch(proc, pid)
	return Handle{Pid: pid, Terminal: proc.Terminal()}, nil
}

func (s *Supervisor) watch(proc Process, pid int) {
	err := proc.Wait()
	s.slot.clearIfEquals(pid)
	ev := s.log.Info().Int("pid", pid)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("client exited")
	s.exited <- ExitStatus{Pid: pid, Err: err}
	close(s.exited)
}

// Exited yields one ExitStatus after the spawned client exits, then closes.
// It never fires if nothing was spawned.
func (s *Supervisor) Exited() <-chan ExitStatus {
	return s.exited
}

func (s *Supervisor) PID() int {
	return s.slot.current()
}

func (s *Supervisor) Resize(size model.Dimensions) {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil || !size.Valid() {
		return
	}
	if err := proc.Resize(size); err != nil {
		s.log.Warn().Err(err).Int("columns", size.Columns).Int("rows", size.Rows).Msg("resize failed")
	}
}

func (s *Supervisor) Stop() {
	s.deliver("stop", s.slot.trySignal(unix.SIGSTOP))
}

func (s *Supervisor) Continue() {
	s.deliver("continue", s.slot.trySignal(unix.SIGCONT))
}

// Terminate resumes the child before asking it to exit, so a stopped
// child can act on SIGTERM.
func (s *Supervisor) Terminate() {
	s.deliver("terminate", s.slot.trySignal(unix.SIGCONT, unix.SIGTERM))
}

func (s *Supervisor) OnBackground() {
	s.deliver("background", s.slot.background())
}

func (s *Supervisor) OnForeground() {
	s.deliver("foreground", s.slot.foreground())
}

func (s *Supervisor) OnScreenOff() {
	s.deliver("screen_off", s.slot.screen(false))
}

func (s *Supervisor) OnScreenOn() {
	s.deliver("screen_on", s.slot.screen(true))
}

// StoppedForBackground reports whether the last lifecycle transition was a
// background stop.
func (s *Supervisor) StoppedForBackground() bool {
	return s.slot.backgrounded()
}

// Shutdown terminates any tracked child and marks the slot as NoProcess.
func (s *Supervisor) Shutdown() {
	s.Terminate()
	s.slot.forceClear()
}

func (s *Supervisor) deliver(action string, err error) {
	if err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("signal delivery failed")
		return
	}
	s.log.Debug().Str("action", action).Msg("lifecycle signal")
}
