package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/g960059/moshbridge/internal/model"
	"github.com/g960059/moshbridge/internal/protocol"
	"github.com/g960059/moshbridge/internal/remote"
)

// Connect checks the client install, resolves the host and starts the
// remote server command. The handoff itself happens later, inside Read.
// Every failure is reported to the bridge before the disconnect. Close
// cancels a Connect in progress; a closed session never reaches the remote.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed() {
		return errClosedDuringConnect
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err := s.bootstrap(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("error_code", model.ErrorCode(err)).Msg("connect failed")
	}
	return err
}

func (s *Session) bootstrap(ctx context.Context) error {
	if err := s.checkInstall(ctx); err != nil {
		return err
	}
	if err := s.resolve(ctx); err != nil {
		return err
	}
	return s.startRemote(ctx)
}

func (s *Session) closed() bool {
	return s.Mode() == model.ModeClosed
}

func (s *Session) checkInstall(ctx context.Context) error {
	inst := s.deps.Installer
	if inst == nil || !inst.Started() {
		s.bridge.OutputLine("mosh-client binary install not started")
		s.disconnect()
		return model.ErrInstallNotStarted
	}
	if !inst.Done() {
		s.bridge.OutputLine("waiting for mosh binaries to install")
		if err := inst.Wait(ctx); err != nil {
			if s.closed() {
				return errClosedDuringConnect
			}
			s.bridge.OutputLine("mosh-client binary install did not finish: " + err.Error())
			s.disconnect()
			return fmt.Errorf("%w: %w", model.ErrInstallFailed, err)
		}
	}
	if !inst.Succeeded() {
		s.bridge.OutputLine("mosh-client binary not found; install process failed")
		s.outputLines(inst.Messages())
		s.disconnect()
		return model.ErrInstallFailed
	}
	s.outputLines(inst.Messages())
	return nil
}

func (s *Session) resolve(ctx context.Context) error {
	addr, err := s.deps.Selector.Select(ctx, s.host.Hostname)
	if err != nil {
		if s.closed() {
			return errClosedDuringConnect
		}
		switch {
		case errors.Is(err, model.ErrNoAddressFound):
			s.bridge.OutputLine("No address records found for hostname: " + s.host.Hostname)
		default:
			s.bridge.OutputLine("Launching mosh server via SSH failed, Unknown hostname: " + s.host.Hostname)
		}
		s.log.Warn().Err(err).Str("hostname", s.host.Hostname).Msg("address selection failed")
		s.disconnect()
		return err
	}
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	s.log.Info().Str("address", addr.Value).Str("family", string(addr.Family)).Msg("address selected")
	s.bridge.OutputLine("Mosh IP = " + addr.Value)
	return nil
}

func (s *Session) startRemote(ctx context.Context) error {
	port := s.host.Port
	if port <= 0 {
		port = protocol.DefaultPort
	}
	conn, err := s.deps.Dialer.Dial(ctx, remote.Target{
		Hostname: s.host.Hostname,
		Port:     port,
		Username: s.host.Username,
	})
	if err != nil {
		if s.closed() {
			return errClosedDuringConnect
		}
		s.bridge.OutputLine("ssh connection failed: " + err.Error())
		s.disconnect()
		return fmt.Errorf("%w: %w", model.ErrRemoteSession, err)
	}

	if s.closed() {
		_ = conn.Close()
		return errClosedDuringConnect
	}
	s.bridge.OutputLine("trying to run mosh-server on the remote server")
	command := s.serverCommand()
	ch, err := conn.Start(remote.StartRequest{
		TermType: s.cfg.RemoteTermType,
		Size: model.Dimensions{
			Columns: s.cfg.RemoteColumns,
			Rows:    s.cfg.RemoteRows,
			Width:   s.cfg.RemoteWidth,
			Height:  s.cfg.RemoteHeight,
		},
		Command: command,
	})
	if err != nil {
		_ = conn.Close()
		s.log.Error().Err(err).Msg("remote pty or command setup failed")
		s.bridge.OutputLine("failed to start mosh-server: " + err.Error())
		s.disconnect()
		return fmt.Errorf("%w: %w", model.ErrRemoteSession, err)
	}
	if !s.remote.attach(conn, ch) {
		_ = ch.Close()
		_ = conn.Close()
		return errClosedDuringConnect
	}
	s.log.Info().Str("command", command).Msg("remote server command started")

	go s.drainStderr(ch.Stderr())
	go func() {
		s.ConnectionLost(conn.Wait())
	}()

	s.bridge.OnConnected(false)
	return nil
}

// serverCommand prefers the host record and falls back to configuration.
func (s *Session) serverCommand() string {
	binary := strings.TrimSpace(s.host.ServerBinary)
	if binary == "" {
		binary = s.cfg.ServerBinary
	}
	locale := strings.TrimSpace(s.host.Locale)
	if locale == "" {
		locale = s.cfg.Locale
	}
	port := s.host.ServerPort
	if port <= 0 {
		port = s.cfg.ServerPort
	}
	return protocol.ServerCommand(binary, locale, port)
}

// drainStderr discards remote stderr so the channel never stalls on it.
func (s *Session) drainStderr(r io.Reader) {
	if r == nil {
		return
	}
	n, err := io.Copy(io.Discard, r)
	ev := s.log.Debug().Int64("bytes", n)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("remote stderr drained")
}

func (s *Session) outputLines(text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		s.bridge.OutputLine(line)
	}
}
