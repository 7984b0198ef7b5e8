// Package batch runs one job end to end without the server: upload, submit,
// wait for the queue to drain, download.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shawl-hpc/shawl/internal/config"
	"github.com/shawl-hpc/shawl/internal/constants"
	"github.com/shawl-hpc/shawl/internal/lifecycle"
	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/models"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/validation"
)

var (
	// ErrWaitGaveUp means the failure budget ran out while polling the queue.
	ErrWaitGaveUp = errors.New("gave up waiting for job")
	ErrNoJobFile  = errors.New("no job file found")
)

// Scheduler is what the runner needs from remote.Scheduler.
type Scheduler interface {
	Queue(ctx context.Context) (map[string]models.Status, error)
	Submit(ctx context.Context, workdir, jobFile string) (string, error)
	Mkdir(ctx context.Context, dir string) error
}

// Params describes one batch run.
type Params struct {
	LocalPath      string
	RemotePath     string
	JobPattern     string
	PollInterval   time.Duration
	FailureRetries int
}

// Validate reports missing parameters. Nothing remote happens before it passes.
func (p Params) Validate() error {
	var missing []string
	if strings.TrimSpace(p.LocalPath) == "" {
		missing = append(missing, "local_path")
	}
	if strings.TrimSpace(p.RemotePath) == "" {
		missing = append(missing, "remote_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", config.ErrMissingParameter, strings.Join(missing, ", "))
	}
	return nil
}

func (p Params) withDefaults() Params {
	p.LocalPath = strings.TrimRight(strings.TrimSpace(p.LocalPath), "/")
	p.RemotePath = strings.TrimRight(strings.TrimSpace(p.RemotePath), "/")
	if p.JobPattern == "" {
		p.JobPattern = constants.DefaultJobPattern
	}
	if p.PollInterval <= 0 {
		p.PollInterval = constants.DefaultPollInterval
	}
	if p.FailureRetries <= 0 {
		p.FailureRetries = constants.DefaultFailureRetries
	}
	return p
}

// Runner executes batch runs.
type Runner struct {
	session remote.Session
	sched   Scheduler
	logger  *logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner.
func NewRunner(session remote.Session, sched Scheduler, logger *logging.Logger) *Runner {
	return &Runner{session: session, sched: sched, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run uploads, submits, waits and downloads. It returns the job id. Running
// out of wait budget is logged and the download still happens.
func (r *Runner) Run(ctx context.Context, p Params) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	p = p.withDefaults()
	if err := validation.ValidateLocalDir(p.LocalPath); err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrMissingParameter, err)
	}

	jobFile, err := lifecycle.FindJobFile(p.LocalPath, p.JobPattern)
	if err != nil {
		return "", err
	}
	if jobFile == "" {
		return "", fmt.Errorf("%w in %s matching %s", ErrNoJobFile, p.LocalPath, p.JobPattern)
	}

	if err := remote.EnsureConnected(ctx, r.session); err != nil {
		return "", err
	}

	r.logger.Info().Str("local", p.LocalPath).Str("remote", p.RemotePath).Msg("Uploading files")
	if err := r.sched.Mkdir(ctx, p.RemotePath); err != nil {
		return "", fmt.Errorf("failed to create remote directory: %w", err)
	}
	if err := r.session.Push(ctx, p.LocalPath, p.RemotePath, true); err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}

	r.logger.Info().Str("job_file", jobFile).Msg("Submitting job")
	jobID, err := r.sched.Submit(ctx, p.RemotePath, jobFile)
	if err != nil {
		return "", fmt.Errorf("submit failed: %w", err)
	}
	r.logger.Info().Str("remote_job_id", jobID).Msg("Job submitted")

	r.logger.Info().Dur("interval", p.PollInterval).Msg("Waiting for job to finish")
	if err := r.WaitForJob(ctx, jobID, p.PollInterval, p.FailureRetries); err != nil {
		if !errors.Is(err, ErrWaitGaveUp) {
			return jobID, err
		}
		r.logger.Error().Err(err).Str("remote_job_id", jobID).Msg("Queue unreachable, downloading anyway")
	}

	r.logger.Info().Str("remote", p.RemotePath).Str("local", p.LocalPath).Msg("Downloading files")
	if err := remote.EnsureConnected(ctx, r.session); err != nil {
		return jobID, err
	}
	if err := r.session.Pull(ctx, p.RemotePath, p.LocalPath, true); err != nil {
		return jobID, fmt.Errorf("download failed: %w", err)
	}
	return jobID, nil
}

// WaitForJob polls the queue until jobID is no longer listed. Each failed
// poll spends one retry; a successful poll restores the full budget. When
// the budget is spent it returns ErrWaitGaveUp.
func (r *Runner) WaitForJob(ctx context.Context, jobID string, interval time.Duration, retries int) error {
	left := retries
	for {
		queue, err := r.sched.Queue(ctx)
		if err == nil {
			if _, listed := queue[jobID]; !listed {
				return nil
			}
			left = retries
			r.logger.Debug().Str("remote_job_id", jobID).Str("status", string(queue[jobID])).Msg("Job still queued")
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Int("retries_left", left).Msg("Queue check failed")
			if left <= 0 {
				return fmt.Errorf("%w %s after %d failed checks", ErrWaitGaveUp, jobID, retries+1)
			}
			left--
			if recErr := remote.EnsureConnected(ctx, r.session); recErr != nil {
				r.logger.Debug().Err(recErr).Msg("Reconnect failed")
			}
		}
		if err := r.sleep(ctx, interval); err != nil {
			return err
		}
	}
}
