package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/models"
	"github.com/shawl-hpc/shawl/internal/reconcile"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/remote/remotetest"
	"github.com/shawl-hpc/shawl/internal/state"
	"github.com/shawl-hpc/shawl/internal/transfer"
)

type harness struct {
	ctrl  *Controller
	store *state.Store
	fake  *remotetest.Session
	sched *remote.Scheduler
	dl    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store := state.NewStore(filepath.Join(root, "state.json"), nil)
	require.NoError(t, store.Load())

	fake := remotetest.New()
	fake.SubmitOutput = "Submitted batch job 1234\n"
	logger := logging.NewNopLogger()
	sched := remote.NewScheduler(fake, logger)
	dl := filepath.Join(root, "results")

	ctrl := NewController(store, fake, sched, transfer.NewQueue(2), Options{
		RunsDir:     "runs",
		DownloadDir: dl,
		JobPattern:  "*.job",
	}, logger)
	n := 0
	ctrl.newID = func() string {
		n++
		return fmt.Sprintf("run-%d", n)
	}
	return &harness{ctrl: ctrl, store: store, fake: fake, sched: sched, dl: dl}
}

func caseDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0644))
	}
	return dir
}

func (h *harness) status(t *testing.T, id string) models.Status {
	t.Helper()
	r, err := h.store.Get(id)
	require.NoError(t, err)
	return r.Status
}

func TestFindJobFile(t *testing.T) {
	dir := caseDir(t, "z.job", "a.job", "data.csv", "sub/b.job")

	got, err := FindJobFile(dir, "*.job")
	require.NoError(t, err)
	assert.Equal(t, "a.job", got)

	got, err = FindJobFile(dir, "**/b.job")
	require.NoError(t, err)
	assert.Equal(t, "sub/b.job", got)

	got, err = FindJobFile(caseDir(t, "data.csv"), "*.job")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = FindJobFile(filepath.Join(dir, "missing"), "*.job")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = FindJobFile(dir, "[")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmit_JobFileMissingTouchesNothingRemote(t *testing.T) {
	h := newHarness(t)

	run, err := h.ctrl.Submit("no job", caseDir(t, "input.dat"))
	require.NoError(t, err)
	h.ctrl.Wait()

	assert.Equal(t, models.StatusJobFileMissing, run.Status)
	assert.Equal(t, models.JobFileNotFound, run.JobFile)
	assert.Empty(t, run.RemoteJobID)
	assert.False(t, h.fake.Touched())
	assert.Equal(t, models.StatusJobFileMissing, h.status(t, run.ID))
}

func TestSubmit_Scenario(t *testing.T) {
	h := newHarness(t)
	dir := caseDir(t, "job.job", "mesh.dat")

	run, err := h.ctrl.Submit("wing", dir)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, run.Status)
	assert.Equal(t, "job.job", run.JobFile)

	h.ctrl.Wait()

	stored, err := h.store.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "1234", stored.RemoteJobID)
	assert.Equal(t, models.StatusSubmitted, stored.Status)

	assert.Equal(t, []remotetest.Transfer{{From: dir, To: "runs/run-1", Recursive: true}}, h.fake.Pushes())
	assert.Equal(t, []string{"mkdir -p runs/run-1", "cd runs/run-1 && sbatch job.job"}, h.fake.Commands())

	engine := reconcile.NewEngine(h.store, h.sched, logging.NewNopLogger())

	h.fake.Set(func(s *remotetest.Session) { s.QueueOutput = "1234 R\n" })
	_, err = engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, h.status(t, run.ID))

	h.fake.Set(func(s *remotetest.Session) { s.QueueOutput = "" })
	_, err = engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, h.status(t, run.ID))
}

func TestSubmit_ReconnectsOnce(t *testing.T) {
	h := newHarness(t)
	h.fake.Dead = true

	run, err := h.ctrl.Submit("wing", caseDir(t, "job.job"))
	require.NoError(t, err)
	h.ctrl.Wait()

	assert.Equal(t, 1, h.fake.Reconnects)
	assert.Equal(t, models.StatusSubmitted, h.status(t, run.ID))
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name   string
		script func(s *remotetest.Session)
		want   models.Status
	}{
		{"reconnect fails", func(s *remotetest.Session) {
			s.Dead = true
			s.ReconnectErr = errors.New("auth")
		}, models.StatusUploadFailed},
		{"mkdir fails", func(s *remotetest.Session) {
			s.Handler = func(cmd string) (remote.Result, bool, error) {
				if strings.HasPrefix(cmd, "mkdir") {
					return remote.Result{ExitCode: 1}, true, nil
				}
				return remote.Result{}, false, nil
			}
		}, models.StatusUploadFailed},
		{"push fails", func(s *remotetest.Session) { s.PushErr = errors.New("disk full") }, models.StatusUploadFailed},
		{"sbatch nonzero", func(s *remotetest.Session) { s.SubmitExit = 1 }, models.StatusSubmitFailed},
		{"sbatch no output", func(s *remotetest.Session) { s.SubmitOutput = "" }, models.StatusSubmitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fake.Set(tt.script)

			run, err := h.ctrl.Submit("wing", caseDir(t, "job.job"))
			require.NoError(t, err, "pipeline failures are reported through status")
			h.ctrl.Wait()

			stored, err := h.store.Get(run.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
			assert.Empty(t, stored.RemoteJobID)
		})
	}
}

func TestSubmit_InvalidInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Submit("", caseDir(t, "job.job"))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.ctrl.Submit("name", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, h.store.Len())
}

func finishedRun(t *testing.T, h *harness, id string, status models.Status) models.Run {
	t.Helper()
	r := models.Run{ID: id, Name: "wing/3", LocalDir: "/in", JobFile: "job.job", RemoteJobID: "55", Status: status}
	require.NoError(t, h.store.Add(r))
	return r
}

func TestDownload_Success(t *testing.T) {
	h := newHarness(t)
	h.fake.PullFiles = map[string]string{"out/result.txt": "42"}
	finishedRun(t, h, "r1", models.StatusFinished)

	run, err := h.ctrl.Download("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloading, run.Status)
	h.ctrl.Wait()

	assert.Equal(t, models.StatusDownloaded, h.status(t, "r1"))
	dest := filepath.Join(h.dl, "wing_3", "r1")
	assert.Equal(t, []remotetest.Transfer{{From: "runs/r1", To: dest, Recursive: true}}, h.fake.Pulls())
	data, err := os.ReadFile(filepath.Join(dest, "out", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	dir, err := h.ctrl.Browse("r1")
	require.NoError(t, err)
	assert.Equal(t, dest, dir)
}

func TestDownload_Failure(t *testing.T) {
	h := newHarness(t)
	h.fake.PullErr = errors.New("connection lost")
	finishedRun(t, h, "r1", models.StatusFinished)

	_, err := h.ctrl.Download("r1")
	require.NoError(t, err)
	h.ctrl.Wait()
	assert.Equal(t, models.StatusDownloadFailed, h.status(t, "r1"))

	// retry from download-failed
	h.fake.Set(func(s *remotetest.Session) { s.PullErr = nil })
	_, err = h.ctrl.Download("r1")
	require.NoError(t, err)
	h.ctrl.Wait()
	assert.Equal(t, models.StatusDownloaded, h.status(t, "r1"))
}

func TestDownload_NotAllowed(t *testing.T) {
	h := newHarness(t)
	finishedRun(t, h, "r1", models.StatusRunning)

	_, err := h.ctrl.Download("r1")
	assert.ErrorIs(t, err, ErrActionNotAllowed)
	assert.Equal(t, models.StatusRunning, h.status(t, "r1"))

	_, err = h.ctrl.Download("nope")
	assert.ErrorIs(t, err, state.ErrRunNotFound)

	_, err = h.ctrl.Browse("r1")
	assert.ErrorIs(t, err, ErrActionNotAllowed)
}

func TestDownload_OnePipelinePerRun(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.fake.Gate = gate
	finishedRun(t, h, "r1", models.StatusDownloaded)

	_, err := h.ctrl.Download("r1")
	require.NoError(t, err)
	assert.True(t, h.ctrl.Busy("r1"))

	// downloading does not allow download, and the queue holds the run
	_, err = h.ctrl.Download("r1")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunBusy) || errors.Is(err, ErrActionNotAllowed))

	close(gate)
	h.ctrl.Wait()
	assert.Len(t, h.fake.Pulls(), 1)
	assert.Equal(t, models.StatusDownloaded, h.status(t, "r1"))
}

func TestCancel_WithoutJobID(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Add(models.Run{ID: "r1", Status: models.StatusUploadFailed}))

	run, err := h.ctrl.Cancel(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploadFailed, run.Status)
	assert.Empty(t, h.fake.Commands())
}

func TestCancel_IsUnconditional(t *testing.T) {
	h := newHarness(t)
	h.fake.Handler = func(cmd string) (remote.Result, bool, error) {
		if strings.HasPrefix(cmd, "scancel") {
			return remote.Result{ExitCode: 1, Stderr: "Invalid job id"}, true, nil
		}
		return remote.Result{}, false, nil
	}
	finishedRun(t, h, "r1", models.StatusRunning)

	run, err := h.ctrl.Cancel(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, run.Status)
	assert.Equal(t, []string{"scancel 55"}, h.fake.Commands())

	_, err = h.ctrl.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, state.ErrRunNotFound)
}

func TestRemoveAndRepeat(t *testing.T) {
	h := newHarness(t)
	dir := caseDir(t, "job.job")

	first, err := h.ctrl.Submit("wing", dir)
	require.NoError(t, err)
	h.ctrl.Wait()

	second, err := h.ctrl.Repeat(first.ID)
	require.NoError(t, err)
	h.ctrl.Wait()
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, first.LocalDir, second.LocalDir)

	require.NoError(t, h.ctrl.Remove(first.ID))
	assert.ErrorIs(t, h.ctrl.Remove(first.ID), state.ErrRunNotFound)

	reloaded := state.NewStore(h.store.Path(), nil)
	require.NoError(t, reloaded.Load())
	_, err = reloaded.Get(first.ID)
	assert.ErrorIs(t, err, state.ErrRunNotFound)
	_, err = reloaded.Get(second.ID)
	assert.NoError(t, err)
}

func TestRemove_DuringUpload(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.fake.Gate = gate

	run, err := h.ctrl.Submit("wing", caseDir(t, "job.job"))
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Remove(run.ID))

	close(gate)
	h.ctrl.Wait()
	assert.Zero(t, h.store.Len(), "a removed run is not recreated by its pipeline")
	assert.Equal(t, []string{"mkdir -p runs/run-1"}, h.fake.Commands(), "a removed run is never submitted")
}

func TestRemove_DuringSbatchCancelsJob(t *testing.T) {
	h := newHarness(t)
	h.fake.Handler = func(cmd string) (remote.Result, bool, error) {
		if strings.Contains(cmd, "sbatch") {
			assert.NoError(t, h.ctrl.Remove("run-1"))
		}
		return remote.Result{}, false, nil
	}

	_, err := h.ctrl.Submit("wing", caseDir(t, "job.job"))
	require.NoError(t, err)
	h.ctrl.Wait()

	assert.Zero(t, h.store.Len())
	assert.Equal(t, []string{"mkdir -p runs/run-1", "cd runs/run-1 && sbatch job.job", "scancel 1234"}, h.fake.Commands())
}

func TestCancel_RefusedWhenNotOffered(t *testing.T) {
	for _, st := range []models.Status{models.StatusFinished, models.StatusDownloaded, models.StatusDownloadFailed} {
		t.Run(string(st), func(t *testing.T) {
			h := newHarness(t)
			finishedRun(t, h, "r1", st)

			_, err := h.ctrl.Cancel(context.Background(), "r1")
			assert.ErrorIs(t, err, ErrActionNotAllowed)
			assert.Equal(t, st, h.status(t, "r1"))
			assert.Empty(t, h.fake.Commands())
		})
	}
}

func TestCancel_SubmittedRun(t *testing.T) {
	h := newHarness(t)
	finishedRun(t, h, "r1", models.StatusSubmitted)

	run, err := h.ctrl.Cancel(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, run.Status)
	assert.Equal(t, []string{"scancel 55"}, h.fake.Commands())
}
