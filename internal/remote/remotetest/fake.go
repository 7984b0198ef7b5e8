// Package remotetest provides an in-memory remote.Session for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shawl-hpc/shawl/internal/remote"
)

// Transfer records one Push or Pull call.
type Transfer struct {
	From      string
	To        string
	Recursive bool
}

// Session is a scripted remote.Session. Zero value is a live session whose
// scheduler commands all succeed with empty output.
type Session struct {
	mu sync.Mutex

	Dead         bool  // IsAlive reports false until a successful Reconnect
	ReconnectErr error // returned by Reconnect
	Reconnects   int

	User         string // whoami output, default "tester"
	QueueOutput  string // squeue stdout
	QueueExit    int
	SubmitOutput string // sbatch stdout
	SubmitExit   int
	ExecErr      error // returned by every Execute call

	PushErr error
	PullErr error
	// PullFiles are written under the local destination on a successful Pull.
	PullFiles map[string]string

	// Files holds single files sent with a non-recursive Push, keyed by
	// remote path. A non-recursive Pull reads from it.
	Files map[string][]byte

	// Gate, when set, blocks Push and Pull until it is closed.
	Gate chan struct{}

	// Handler overrides the scripted responses when it returns ok.
	Handler func(command string) (remote.Result, bool, error)

	commands []string
	pushes   []Transfer
	pulls    []Transfer
	closed   bool
}

var _ remote.Session = (*Session)(nil)

// New returns a live fake session.
func New() *Session {
	return &Session{}
}

func (s *Session) Execute(ctx context.Context, command string) (remote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)

	if s.Handler != nil {
		if res, ok, err := s.Handler(command); ok {
			return res, err
		}
	}
	if s.ExecErr != nil {
		return remote.Result{}, s.ExecErr
	}

	switch fields := strings.Fields(command); {
	case command == "whoami":
		user := s.User
		if user == "" {
			user = "tester"
		}
		return remote.Result{Stdout: user + "\n"}, nil
	case strings.HasPrefix(command, "squeue"):
		return remote.Result{ExitCode: s.QueueExit, Stdout: s.QueueOutput}, nil
	case strings.Contains(command, "sbatch"):
		return remote.Result{ExitCode: s.SubmitExit, Stdout: s.SubmitOutput}, nil
	case len(fields) > 0 && (fields[0] == "scancel" || fields[0] == "mkdir"):
		return remote.Result{}, nil
	}
	return remote.Result{}, nil
}

func (s *Session) IsAlive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Dead && !s.closed
}

func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reconnects++
	if s.ReconnectErr != nil {
		return s.ReconnectErr
	}
	s.Dead = false
	s.closed = false
	return nil
}

func (s *Session) wait(ctx context.Context) error {
	s.mu.Lock()
	gate := s.Gate
	s.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Push(ctx context.Context, localPath, remotePath string, recursive bool) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, Transfer{From: localPath, To: remotePath, Recursive: recursive})
	if s.PushErr != nil || recursive {
		return s.PushErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if s.Files == nil {
		s.Files = make(map[string][]byte)
	}
	s.Files[remotePath] = data
	return nil
}

func (s *Session) Pull(ctx context.Context, remotePath, localPath string, recursive bool) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls = append(s.pulls, Transfer{From: remotePath, To: localPath, Recursive: recursive})
	if s.PullErr != nil {
		return s.PullErr
	}
	if !recursive {
		data, ok := s.Files[remotePath]
		if !ok {
			return fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
		}
		return os.WriteFile(localPath, data, 0600)
	}
	for rel, content := range s.PullFiles {
		dst := filepath.Join(localPath, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Commands returns every command passed to Execute.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Pushes returns every Push call.
func (s *Session) Pushes() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.pushes...)
}

// Pulls returns every Pull call.
func (s *Session) Pulls() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.pulls...)
}

// Touched reports whether any command or transfer was attempted.
func (s *Session) Touched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)+len(s.pushes)+len(s.pulls) > 0
}

// Set runs fn with the session locked, for changing scripted fields while
// pipelines are running.
func (s *Session) Set(fn func(s *Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}
