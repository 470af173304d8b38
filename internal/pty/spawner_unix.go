//go:build !windows

package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// KillGrace is how long Kill waits after SIGTERM before sending SIGKILL.
const KillGrace = 2 * time.Second

// Host spawns real processes on a pseudo-terminal.
type Host struct{}

// NewHost returns a Spawner backed by the operating system.
func NewHost() *Host {
	return &Host{}
}

// Spawn starts opts.Command on a new PTY. The child becomes the leader of a
// new session, so Kill can signal everything it started.
func (h *Host) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Dir != "" {
		info, err := os.Stat(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("working directory %s is not a directory", opts.Dir)
		}
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	cols, rows := opts.size()
	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &hostProcess{
		cmd:      cmd,
		ptmx:     ptmx,
		pid:      cmd.Process.Pid,
		exitCode: -1,
		done:     make(chan struct{}),
	}
	go p.waitLoop()
	return p, nil
}

type hostProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	killOnce sync.Once
	mu       sync.Mutex
	exitCode int
	done     chan struct{}
}

func (p *hostProcess) waitLoop() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func (p *hostProcess) Read(b []byte) (int, error) {
	return p.ptmx.Read(b)
}

func (p *hostProcess) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, os.ErrClosed
	default:
	}
	return p.ptmx.Write(b)
}

func (p *hostProcess) Resize(cols, rows uint16) error {
	return creackpty.Setsize(p.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows})
}

// Kill sends SIGTERM to the process group, escalating to SIGKILL after
// KillGrace, and closes the terminal so pending reads return.
func (p *hostProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if sigErr := unix.Kill(-p.pid, unix.SIGTERM); sigErr != nil && !errors.Is(sigErr, unix.ESRCH) {
			err = fmt.Errorf("signal process group %d: %w", p.pid, sigErr)
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(KillGrace):
				_ = unix.Kill(-p.pid, unix.SIGKILL)
			}
		}()
		if closeErr := p.ptmx.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

func (p *hostProcess) Done() <-chan struct{} {
	return p.done
}

func (p *hostProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *hostProcess) PID() int {
	return p.pid
}
