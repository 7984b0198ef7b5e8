package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawl-hpc/shawl/internal/config"
	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/models"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/remote/remotetest"
)

// scriptedQueue returns the queued answers in order, then "empty".
type scriptedQueue struct {
	*remote.Scheduler
	answers []queueAnswer
	calls   int
}

type queueAnswer struct {
	queue map[string]models.Status
	err   error
}

func (s *scriptedQueue) Queue(ctx context.Context) (map[string]models.Status, error) {
	s.calls++
	if len(s.answers) == 0 {
		return map[string]models.Status{}, nil
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a.queue, a.err
}

var listed = queueAnswer{queue: map[string]models.Status{"42": models.StatusRunning}}
var broken = queueAnswer{err: errors.New("ssh: unexpected EOF")}

func newRunner(t *testing.T, answers ...queueAnswer) (*Runner, *remotetest.Session, *scriptedQueue, *int) {
	t.Helper()
	fake := remotetest.New()
	fake.SubmitOutput = "Submitted batch job 42\n"
	logger := logging.NewNopLogger()
	sq := &scriptedQueue{Scheduler: remote.NewScheduler(fake, logger), answers: answers}
	r := NewRunner(fake, sq, logger)
	sleeps := 0
	r.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return ctx.Err()
	}
	return r, fake, sq, &sleeps
}

func localCase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "case.job"), []byte("#!/bin/bash\n"), 0644))
	return dir
}

func TestParams_Validate(t *testing.T) {
	err := Params{}.Validate()
	require.ErrorIs(t, err, config.ErrMissingParameter)
	assert.Contains(t, err.Error(), "local_path")
	assert.Contains(t, err.Error(), "remote_path")
	assert.NoError(t, Params{LocalPath: "a", RemotePath: "b"}.Validate())
}

func TestRun_MissingParamsTouchNothing(t *testing.T) {
	r, fake, _, _ := newRunner(t)
	_, err := r.Run(context.Background(), Params{LocalPath: localCase(t)})
	assert.ErrorIs(t, err, config.ErrMissingParameter)
	assert.False(t, fake.Touched())
}

func TestRun_FullCycle(t *testing.T) {
	r, fake, sq, sleeps := newRunner(t, listed, listed)
	local := localCase(t)

	jobID, err := r.Run(context.Background(), Params{LocalPath: local + "/", RemotePath: "cases/a/", PollInterval: time.Second, FailureRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, "42", jobID)

	assert.Equal(t, []remotetest.Transfer{{From: local, To: "cases/a", Recursive: true}}, fake.Pushes())
	assert.Equal(t, []remotetest.Transfer{{From: "cases/a", To: local, Recursive: true}}, fake.Pulls())
	assert.Contains(t, fake.Commands(), "cd cases/a && sbatch case.job")
	assert.Equal(t, 3, sq.calls)
	assert.Equal(t, 2, *sleeps)
}

func TestRun_NoJobFile(t *testing.T) {
	r, fake, _, _ := newRunner(t)
	_, err := r.Run(context.Background(), Params{LocalPath: t.TempDir(), RemotePath: "x"})
	assert.ErrorIs(t, err, ErrNoJobFile)
	assert.False(t, fake.Touched())
}

func TestRun_LocalDirMustExist(t *testing.T) {
	r, fake, _, _ := newRunner(t)
	_, err := r.Run(context.Background(), Params{LocalPath: filepath.Join(t.TempDir(), "gone"), RemotePath: "x"})
	require.ErrorIs(t, err, config.ErrMissingParameter)
	assert.Contains(t, err.Error(), "does not exist")
	assert.False(t, fake.Touched())
}

func TestWaitForJob_BudgetResetsOnSuccess(t *testing.T) {
	// two failures, a success, two more failures, then gone: budget of 2 is never exceeded
	r, _, sq, _ := newRunner(t, broken, broken, listed, broken, broken)
	err := r.WaitForJob(context.Background(), "42", time.Second, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, sq.calls)
}

func TestWaitForJob_GivesUp(t *testing.T) {
	r, _, sq, _ := newRunner(t, broken, broken, broken, broken)
	err := r.WaitForJob(context.Background(), "42", time.Second, 2)
	assert.ErrorIs(t, err, ErrWaitGaveUp)
	assert.Equal(t, 3, sq.calls)
}

func TestRun_DownloadsAfterGivingUp(t *testing.T) {
	r, fake, _, _ := newRunner(t, broken, broken)
	local := localCase(t)

	_, err := r.Run(context.Background(), Params{LocalPath: local, RemotePath: "cases/a", FailureRetries: 1})
	require.NoError(t, err)
	assert.Len(t, fake.Pulls(), 1)
}

func TestWaitForJob_ContextCancelled(t *testing.T) {
	r, _, _, _ := newRunner(t, listed, listed, listed)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.WaitForJob(ctx, "42", time.Second, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
