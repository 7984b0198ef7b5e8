// Package remote talks to the cluster login node: running scheduler commands
// and moving run directories back and forth.
package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("remote session not connected")
	ErrNoJobID      = errors.New("submission output carried no job id")
)

// Result is the outcome of a remote command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session is an authenticated channel to one remote host. Implementations
// must be safe for concurrent use by several pipelines.
//
// Push and Pull with recursive set copy the contents of the source directory
// into the destination directory, creating it if needed. Without recursive
// they copy a single file.
type Session interface {
	Execute(ctx context.Context, command string) (Result, error)
	IsAlive(ctx context.Context) bool
	Reconnect(ctx context.Context) error
	Push(ctx context.Context, localPath, remotePath string, recursive bool) error
	Pull(ctx context.Context, remotePath, localPath string, recursive bool) error
	Close() error
}

// EnsureConnected reconnects once if the session is not alive.
func EnsureConnected(ctx context.Context, s Session) error {
	if s.IsAlive(ctx) {
		return nil
	}
	if err := s.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}
	return nil
}

// CommandError is returned when a remote command exits nonzero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
}
