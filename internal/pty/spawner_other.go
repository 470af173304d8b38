//go:build windows

package pty

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by Host.Spawn on platforms without PTY support.
var ErrUnsupported = errors.New("pty: not supported on this platform")

// Host spawns real processes on a pseudo-terminal.
type Host struct{}

// NewHost returns a Spawner backed by the operating system.
func NewHost() *Host {
	return &Host{}
}

// Spawn always fails on this platform.
func (h *Host) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	return nil, ErrUnsupported
}
