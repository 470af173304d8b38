// Package ptytest provides in-memory processes and spawners for tests.
package ptytest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/remote-agent-terminal/termmux/internal/pty"
)

// ErrKilled is returned by writes to a killed process.
var ErrKilled = errors.New("ptytest: process killed")

// Process is a fake pty.Process. Output is injected with Emit, which blocks
// until the reader consumes it, so a stalled reader stalls the producer the
// same way a real terminal does.
type Process struct {
	pid  int
	outR *io.PipeReader
	outW *io.PipeWriter

	mu       sync.Mutex
	input    bytes.Buffer
	cols     uint16
	rows     uint16
	resizes  int
	killed   bool
	exitCode int
	done     chan struct{}
}

// NewProcess returns a running fake process.
func NewProcess(pid int) *Process {
	r, w := io.Pipe()
	return &Process{
		pid:      pid,
		outR:     r,
		outW:     w,
		cols:     pty.DefaultCols,
		rows:     pty.DefaultRows,
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

// Emit produces output as if the process had written it to the terminal.
func (p *Process) Emit(data []byte) error {
	_, err := p.outW.Write(data)
	return err
}

// EmitString is Emit for strings.
func (p *Process) EmitString(s string) error {
	return p.Emit([]byte(s))
}

// Exit makes the process exit with code.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked(code)
}

func (p *Process) exitLocked(code int) {
	select {
	case <-p.done:
		return
	default:
	}
	p.exitCode = code
	p.outW.CloseWithError(io.EOF)
	close(p.done)
}

func (p *Process) Read(b []byte) (int, error) {
	return p.outR.Read(b)
}

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return 0, ErrKilled
	}
	return p.input.Write(b)
}

func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	p.resizes++
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	p.exitLocked(-1)
	return nil
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) PID() int {
	return p.pid
}

// Input returns everything written to the process so far.
func (p *Process) Input() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.input.Bytes())
}

// Size returns the last window size.
func (p *Process) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Resizes returns how many times Resize was called.
func (p *Process) Resizes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resizes
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Spawner is a fake pty.Spawner.
type Spawner struct {
	mu      sync.Mutex
	failN   int
	err     error
	gate    chan struct{}
	nextPID int
	calls   []pty.SpawnOptions
	procs   []*Process
	spawned chan *Process
}

// NewSpawner returns a spawner whose spawns succeed immediately.
func NewSpawner() *Spawner {
	return &Spawner{nextPID: 1000, spawned: make(chan *Process, 64)}
}

// FailNext makes the next n spawns fail with err.
func (s *Spawner) FailNext(n int, err error) {
	s.mu.Lock()
	s.failN, s.err = n, err
	s.mu.Unlock()
}

// Hold makes spawns block until Release is called or their context ends.
func (s *Spawner) Hold() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

// Release unblocks held spawns.
func (s *Spawner) Release() {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Spawn implements pty.Spawner.
func (s *Spawner) Spawn(ctx context.Context, opts pty.SpawnOptions) (pty.Process, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	if s.failN > 0 {
		s.failN--
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.nextPID++
	p := NewProcess(s.nextPID)
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	select {
	case s.spawned <- p:
	default:
	}
	return p, nil
}

// Spawned delivers each process as it is spawned.
func (s *Spawner) Spawned() <-chan *Process {
	return s.spawned
}

// Calls returns the options of every Spawn call.
func (s *Spawner) Calls() []pty.SpawnOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pty.SpawnOptions(nil), s.calls...)
}

// Processes returns every process spawned so far.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}
