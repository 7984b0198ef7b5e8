// Package lifecycle drives runs through upload, submission and download.
//
// Every step persists its status change before the next one starts. Step
// failures become run statuses; they are logged and never returned to the
// caller that started the pipeline.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/models"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/state"
	"github.com/shawl-hpc/shawl/internal/transfer"
	"github.com/shawl-hpc/shawl/internal/validation"
)

var (
	ErrRunBusy          = errors.New("run has an active pipeline")
	ErrActionNotAllowed = errors.New("action not allowed for run status")
	ErrInvalidInput     = errors.New("invalid input")
)

// Scheduler is the subset of remote.Scheduler the controller needs.
type Scheduler interface {
	Submit(ctx context.Context, workdir, jobFile string) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Mkdir(ctx context.Context, dir string) error
}

// Options configures where runs go.
type Options struct {
	RunsDir     string // remote parent of run workspaces
	DownloadDir string // local base for results
	JobPattern  string
}

// Controller owns the run pipelines.
type Controller struct {
	store   *state.Store
	session remote.Session
	sched   Scheduler
	queue   *transfer.Queue
	opts    Options
	logger  *logging.Logger

	newID func() string
	now   func() time.Time
}

// NewController creates a controller.
func NewController(store *state.Store, session remote.Session, sched Scheduler, queue *transfer.Queue, opts Options, logger *logging.Logger) *Controller {
	return &Controller{
		store:   store,
		session: session,
		sched:   sched,
		queue:   queue,
		opts:    opts,
		logger:  logger,
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) runLogger(r models.Run) *logging.Logger {
	return c.logger.Child(map[string]string{"run_id": r.ID, "run_name": r.Name})
}

// setStatus persists a transition and logs it. A run removed while its
// pipeline was running is not an error.
func (c *Controller) setStatus(log *logging.Logger, id string, to models.Status, fn func(r *models.Run)) bool {
	var from models.Status
	_, err := c.store.Update(id, func(r *models.Run) {
		from = r.Status
		r.Status = to
		if fn != nil {
			fn(r)
		}
	})
	if err != nil {
		if errors.Is(err, state.ErrRunNotFound) {
			log.Warn().Str("to", string(to)).Msg("Run removed during pipeline")
		} else {
			log.Error().Err(err).Str("to", string(to)).Msg("Failed to persist run status")
		}
		return false
	}
	log.Info().Str("from", string(from)).Str("to", string(to)).Msg("Run status changed")
	return true
}

// Submit creates a run for localDir and starts its upload in the background.
// The returned run is either job-file-missing (nothing was sent anywhere) or
// uploading.
func (c *Controller) Submit(name, localDir string) (models.Run, error) {
	if err := validation.ValidateRunName(name); err != nil {
		return models.Run{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(localDir) == "" {
		return models.Run{}, fmt.Errorf("%w: local directory cannot be empty", ErrInvalidInput)
	}

	jobFile, err := FindJobFile(localDir, c.opts.JobPattern)
	if err != nil {
		return models.Run{}, err
	}

	run := models.Run{
		ID:        c.newID(),
		Name:      name,
		LocalDir:  localDir,
		JobFile:   jobFile,
		CreatedAt: c.now(),
		Status:    models.StatusUploading,
	}
	if jobFile == "" {
		run.JobFile = models.JobFileNotFound
		run.Status = models.StatusJobFileMissing
	}
	if err := c.store.Add(run); err != nil {
		return models.Run{}, fmt.Errorf("failed to create run: %w", err)
	}

	log := c.runLogger(run)
	if run.Status == models.StatusJobFileMissing {
		log.Warn().Str("local_dir", localDir).Str("pattern", c.opts.JobPattern).Msg("No job file found")
		return run, nil
	}
	log.Info().Str("local_dir", localDir).Str("job_file", jobFile).Msg("Run created")

	_, err = c.queue.Submit(run.ID, transfer.TaskTypeUpload, nil, func(ctx context.Context) error {
		return c.upload(ctx, run)
	})
	if err != nil {
		// The run id is fresh so the queue can only refuse after shutdown.
		c.setStatus(log, run.ID, models.StatusUploadFailed, nil)
		run.Status = models.StatusUploadFailed
		return run, nil
	}
	return run, nil
}

func (c *Controller) upload(ctx context.Context, run models.Run) error {
	log := c.runLogger(run)
	workspace := remote.WorkspaceDir(c.opts.RunsDir, run.ID)

	fail := func(status models.Status, step string, err error) error {
		log.Error().Err(err).Str("step", step).Msg("Pipeline step failed")
		c.setStatus(log, run.ID, status, nil)
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := remote.EnsureConnected(ctx, c.session); err != nil {
		return fail(models.StatusUploadFailed, "connect", err)
	}
	if err := c.sched.Mkdir(ctx, workspace); err != nil {
		return fail(models.StatusUploadFailed, "mkdir", err)
	}
	if err := c.session.Push(ctx, run.LocalDir, workspace, true); err != nil {
		return fail(models.StatusUploadFailed, "push", err)
	}
	log.Info().Str("workspace", workspace).Msg("Upload complete")

	// A run removed during the upload must not reach the queue.
	if _, err := c.store.Get(run.ID); errors.Is(err, state.ErrRunNotFound) {
		log.Warn().Msg("Run removed during upload, not submitting")
		return nil
	}

	jobID, err := c.sched.Submit(ctx, workspace, run.JobFile)
	if err != nil {
		return fail(models.StatusSubmitFailed, "sbatch", err)
	}

	jobLog := log.Child(map[string]string{"remote_job_id": jobID})
	if !c.setStatus(jobLog, run.ID, models.StatusSubmitted, func(r *models.Run) {
		r.RemoteJobID = jobID
	}) {
		if _, err := c.store.Get(run.ID); errors.Is(err, state.ErrRunNotFound) {
			// removed while sbatch ran; nothing would track the job
			if err := c.sched.Cancel(ctx, jobID); err != nil {
				jobLog.Warn().Err(err).Msg("scancel of untracked job failed")
			}
		}
	}
	return nil
}

// ResultDir is where a run's results are downloaded.
func (c *Controller) ResultDir(r models.Run) string {
	return filepath.Join(c.opts.DownloadDir, validation.SanitizeDirectoryName(r.Name), r.ID)
}

// Download starts pulling a run's workspace. The run is set to downloading
// before Download returns.
func (c *Controller) Download(id string) (models.Run, error) {
	run, err := c.store.Get(id)
	if err != nil {
		return models.Run{}, err
	}
	if !run.Actions().Allows(models.ActionDownload) {
		return run, fmt.Errorf("%w: cannot download a run that is %s", ErrActionNotAllowed, run.Status)
	}

	log := c.runLogger(run)
	dest := c.ResultDir(run)
	_, err = c.queue.Submit(id, transfer.TaskTypeDownload,
		func() error {
			// re-read under the reservation so a concurrent pipeline can't slip in
			current, err := c.store.Get(id)
			if err != nil {
				return err
			}
			if !current.Actions().Allows(models.ActionDownload) {
				return fmt.Errorf("%w: cannot download a run that is %s", ErrActionNotAllowed, current.Status)
			}
			if !c.setStatus(log, id, models.StatusDownloading, nil) {
				return fmt.Errorf("failed to mark run %s downloading", id)
			}
			run, err = c.store.Get(id)
			return err
		},
		func(ctx context.Context) error {
			return c.download(ctx, run, dest)
		})
	if err != nil {
		if errors.Is(err, transfer.ErrBusy) {
			return run, fmt.Errorf("%w: %s", ErrRunBusy, id)
		}
		return run, err
	}
	return run, nil
}

func (c *Controller) download(ctx context.Context, run models.Run, dest string) error {
	log := c.runLogger(run)
	workspace := remote.WorkspaceDir(c.opts.RunsDir, run.ID)

	fail := func(step string, err error) error {
		log.Error().Err(err).Str("step", step).Msg("Pipeline step failed")
		c.setStatus(log, run.ID, models.StatusDownloadFailed, nil)
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := remote.EnsureConnected(ctx, c.session); err != nil {
		return fail("connect", err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fail("mkdir", err)
	}
	if err := c.session.Pull(ctx, workspace, dest, true); err != nil {
		return fail("pull", err)
	}
	log.Info().Str("dest", dest).Msg("Download complete")
	c.setStatus(log, run.ID, models.StatusDownloaded, nil)
	return nil
}

// Cancel asks the scheduler to cancel the run's job and marks it cancelled
// whatever the scheduler answers. A run without a job id is returned
// unchanged; a run whose status does not offer cancel is refused.
func (c *Controller) Cancel(ctx context.Context, id string) (models.Run, error) {
	run, err := c.store.Get(id)
	if err != nil {
		return models.Run{}, err
	}
	if run.RemoteJobID == "" {
		return run, nil
	}
	if !run.Actions().Allows(models.ActionCancel) {
		return run, fmt.Errorf("%w: cannot cancel a run that is %s", ErrActionNotAllowed, run.Status)
	}
	if c.queue.IsActive(id) {
		return run, fmt.Errorf("%w: %s", ErrRunBusy, id)
	}

	log := c.runLogger(run).Child(map[string]string{"remote_job_id": run.RemoteJobID})
	if err := remote.EnsureConnected(ctx, c.session); err != nil {
		log.Warn().Err(err).Msg("Cancel sent without a live session")
	}
	if err := c.sched.Cancel(ctx, run.RemoteJobID); err != nil {
		log.Warn().Err(err).Msg("scancel failed")
	}

	// Recorded as intent; the scheduler outcome is not verified.
	if !c.setStatus(log, id, models.StatusCancelled, nil) {
		return run, fmt.Errorf("failed to mark run %s cancelled", id)
	}
	return c.store.Get(id)
}

// Remove deletes the run from the store.
func (c *Controller) Remove(id string) error {
	run, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if err := c.store.Remove(id); err != nil {
		return err
	}
	c.runLogger(run).Info().Str("status", string(run.Status)).Msg("Run removed")
	return nil
}

// Repeat submits a new run with the same name and local directory.
func (c *Controller) Repeat(id string) (models.Run, error) {
	run, err := c.store.Get(id)
	if err != nil {
		return models.Run{}, err
	}
	c.runLogger(run).Info().Msg("Repeating run")
	return c.Submit(run.Name, run.LocalDir)
}

// Browse returns the local result directory of a downloaded run.
func (c *Controller) Browse(id string) (string, error) {
	run, err := c.store.Get(id)
	if err != nil {
		return "", err
	}
	if !run.Actions().Allows(models.ActionBrowse) {
		return "", fmt.Errorf("%w: no results downloaded for run %s", ErrActionNotAllowed, id)
	}
	return c.ResultDir(run), nil
}

// Busy reports whether the run has an active pipeline.
func (c *Controller) Busy(id string) bool {
	return c.queue.IsActive(id)
}

// Idle reports whether no pipeline is queued or running.
func (c *Controller) Idle() bool {
	st := c.queue.GetStats()
	return st.Queued+st.Active == 0
}

// Wait blocks until all background pipelines have finished.
func (c *Controller) Wait() {
	c.queue.Wait()
}

// Shutdown waits for pipelines until ctx is done, then cancels them.
// Runs interrupted this way are repaired by recovery on the next start.
func (c *Controller) Shutdown(ctx context.Context) {
	c.queue.Shutdown(ctx)
}
