package supervisor

import (
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/g960059/moshbridge/internal/model"
)

type LaunchRequest struct {
	Path string
	Args []string
	Env  []string
	Size model.Dimensions
}

// Process is a started child attached to a terminal.
type Process interface {
	Pid() int
	Terminal() io.ReadWriteCloser
	Resize(size model.Dimensions) error
	Wait() error
}

type Launcher interface {
	Launch(req LaunchRequest) (Process, error)
}

// PTYLauncher starts the child on a fresh pseudo-terminal.
type PTYLauncher struct{}

func (PTYLauncher) Launch(req LaunchRequest) (Process, error) {
	cmd := exec.Command(req.Path, req.Args...)
	cmd.Env = req.Env
	ptmx, err := pty.StartWithSize(cmd, winsize(req.Size))
	if err != nil {
		return nil, err
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Terminal() io.ReadWriteCloser {
	return p.ptmx
}

func (p *ptyProcess) Resize(size model.Dimensions) error {
	return pty.Setsize(p.ptmx, winsize(size))
}

func (p *ptyProcess) Wait() error {
	return p.cmd.Wait()
}

func winsize(size model.Dimensions) *pty.Winsize {
	return &pty.Winsize{
		Rows: clampUint16(size.Rows),
		Cols: clampUint16(size.Columns),
		X:    clampUint16(size.Width),
		Y:    clampUint16(size.Height),
	}
}

func clampUint16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}
