package remote_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/models"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/remote/remotetest"
)

func TestParseQueue_KeepsEveryJob(t *testing.T) {
	out := "1234 R\n1235 PD\n\n  1236   CG  \nmalformed\n1237 CF\n"
	got := remote.ParseQueue(out)

	assert.Equal(t, map[string]models.Status{
		"1234": models.StatusRunning,
		"1235": models.StatusPending,
		"1236": models.StatusRunning,
		"1237": models.StatusPending,
	}, got)
}

func TestParseJobID(t *testing.T) {
	assert.Equal(t, "1234", remote.ParseJobID("Submitted batch job 1234\n"))
	assert.Equal(t, "42", remote.ParseJobID("42"))
	assert.Empty(t, remote.ParseJobID("  \n"))
}

func TestCommandBuilders(t *testing.T) {
	assert.Equal(t, "squeue --noheader -u alice -o '%i %t'", remote.QueueCommand("alice"))
	assert.Equal(t, "cd runs/abc && sbatch job.job", remote.SubmitCommand("runs/abc", "job.job"))
	assert.Equal(t, "cd 'runs/my run' && sbatch 'a b.job'", remote.SubmitCommand("runs/my run", "a b.job"))
	assert.Equal(t, "runs/abc", remote.WorkspaceDir("runs", "abc"))
}

func TestScheduler_Queue(t *testing.T) {
	fake := remotetest.New()
	fake.User = "alice"
	fake.QueueOutput = "1 R\n2 PD\n"
	sc := remote.NewScheduler(fake, logging.NewNopLogger())

	q, err := sc.Queue(context.Background())
	require.NoError(t, err)
	assert.Len(t, q, 2)
	assert.Equal(t, []string{"whoami", remote.QueueCommand("alice")}, fake.Commands())
}

func TestScheduler_QueueFailure(t *testing.T) {
	fake := remotetest.New()
	fake.QueueExit = 1
	sc := remote.NewScheduler(fake, logging.NewNopLogger())

	_, err := sc.Queue(context.Background())
	var cmdErr *remote.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
}

func TestScheduler_Submit(t *testing.T) {
	fake := remotetest.New()
	fake.SubmitOutput = "Submitted batch job 777\n"
	sc := remote.NewScheduler(fake, logging.NewNopLogger())

	id, err := sc.Submit(context.Background(), "runs/x", "job.job")
	require.NoError(t, err)
	assert.Equal(t, "777", id)

	fake.SubmitOutput = ""
	_, err = sc.Submit(context.Background(), "runs/x", "job.job")
	assert.ErrorIs(t, err, remote.ErrNoJobID)

	fake.SubmitExit = 1
	_, err = sc.Submit(context.Background(), "runs/x", "job.job")
	var cmdErr *remote.CommandError
	assert.ErrorAs(t, err, &cmdErr)
}

func TestEnsureConnected(t *testing.T) {
	fake := remotetest.New()
	require.NoError(t, remote.EnsureConnected(context.Background(), fake))
	assert.Zero(t, fake.Reconnects)

	fake.Dead = true
	require.NoError(t, remote.EnsureConnected(context.Background(), fake))
	assert.Equal(t, 1, fake.Reconnects)

	fake.Dead = true
	fake.ReconnectErr = errors.New("auth failed")
	err := remote.EnsureConnected(context.Background(), fake)
	assert.Error(t, err)
	assert.Equal(t, 2, fake.Reconnects, "only one reconnect attempt per call")
}
