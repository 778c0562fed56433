package supervisor

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// NoProcess is stored once the tracked child has exited or been forced down.
const NoProcess = 0

// Signaler delivers a signal to a process.
type Signaler interface {
	Signal(pid int, sig unix.Signal) error
}

type SignalerFunc func(pid int, sig unix.Signal) error

func (f SignalerFunc) Signal(pid int, sig unix.Signal) error {
	return f(pid, sig)
}

// KillSignaler delivers signals with kill(2).
var KillSignaler Signaler = SignalerFunc(unix.Kill)

// pidSlot owns the tracked pid and the background flag. Checking the pid
// and delivering a signal happen under the same lock hold, so a slot that
// has been cleared is never signalled.
type pidSlot struct {
	mu                   sync.Mutex
	pid                  int
	stoppedForBackground bool
	signaler             Signaler
}

func newPIDSlot(signaler Signaler) *pidSlot {
	if signaler == nil {
		signaler = KillSignaler
	}
	return &pidSlot{signaler: signaler}
}

func (s *pidSlot) set(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}

func (s *pidSlot) current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *pidSlot) clearIfEquals(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid != pid || pid <= NoProcess {
		return false
	}
	s.pid = NoProcess
	return true
}

func (s *pidSlot) forceClear() {
	s.mu.Lock()
	s.pid = NoProcess
	s.mu.Unlock()
}

func (s *pidSlot) trySignal(sigs ...unix.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalLocked(sigs...)
}

func (s *pidSlot) background() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedForBackground = true
	return s.signalLocked(unix.SIGSTOP)
}

func (s *pidSlot) foreground() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedForBackground = false
	return s.signalLocked(unix.SIGCONT)
}

// screen stops or resumes the child unless it was stopped for background.
func (s *pidSlot) screen(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stoppedForBackground {
		return nil
	}
	if on {
		return s.signalLocked(unix.SIGCONT)
	}
	return s.signalLocked(unix.SIGSTOP)
}

func (s *pidSlot) backgrounded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedForBackground
}

func (s *pidSlot) signalLocked(sigs ...unix.Signal) error {
	if s.pid <= NoProcess {
		return nil
	}
	for _, sig := range sigs {
		if err := s.signaler.Signal(s.pid, sig); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return err
		}
	}
	return nil
}
