// Package reconcile merges the remote queue into the run store.
package reconcile

import (
	"context"
	"fmt"

	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/models"
	"github.com/shawl-hpc/shawl/internal/state"
)

// QueueSource returns the remote queue keyed by job id.
// *remote.Scheduler satisfies it.
type QueueSource interface {
	Queue(ctx context.Context) (map[string]models.Status, error)
}

// Next returns the status a run should have given the remote queue, and
// whether it differs from the current one. Protected runs never change.
// A listed job takes the queue status; an unlisted one is finished.
func Next(r models.Run, queue map[string]models.Status) (models.Status, bool) {
	if r.Status.IsProtected() {
		return r.Status, false
	}
	next := models.StatusFinished
	if st, ok := queue[r.RemoteJobID]; ok && r.RemoteJobID != "" {
		next = st
	}
	return next, next != r.Status
}

// Engine pulls the queue and applies it to the store.
type Engine struct {
	store  *state.Store
	source QueueSource
	logger *logging.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(store *state.Store, source QueueSource, logger *logging.Logger) *Engine {
	return &Engine{store: store, source: source, logger: logger}
}

// Apply merges queue into the store and persists once. Returns the number of
// runs whose status changed.
func (e *Engine) Apply(queue map[string]models.Status) (int, error) {
	return e.apply(queue, nil)
}

// apply merges queue, trusting an absent job id only for runs that already
// carried it when the queue was read. known maps run_id to that job id; a nil
// known trusts every run.
func (e *Engine) apply(queue map[string]models.Status, known map[string]string) (int, error) {
	return e.store.Mutate(func(r *models.Run) bool {
		next, changed := Next(*r, queue)
		if !changed {
			return false
		}
		if _, listed := queue[r.RemoteJobID]; !listed && known != nil && known[r.ID] != r.RemoteJobID {
			// submitted after the snapshot; the next read will list it
			e.logger.Debug().Str("run_id", r.ID).Str("remote_job_id", r.RemoteJobID).Msg("Job newer than queue snapshot")
			return false
		}
		e.logger.Info().
			Str("run_id", r.ID).
			Str("run_name", r.Name).
			Str("remote_job_id", r.RemoteJobID).
			Str("from", string(r.Status)).
			Str("to", string(next)).
			Msg("Run status reconciled")
		r.Status = next
		return true
	})
}

// Reconcile queries the queue and applies it. If the queue cannot be read
// the store is left untouched and the error returned.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	known := make(map[string]string)
	for _, r := range e.store.Runs() {
		known[r.ID] = r.RemoteJobID
	}

	queue, err := e.source.Queue(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue query failed: %w", err)
	}
	e.logger.Debug().Int("jobs", len(queue)).Msg("Remote queue read")
	n, err := e.apply(queue, known)
	if err != nil {
		return 0, fmt.Errorf("failed to persist reconciled runs: %w", err)
	}
	return n, nil
}
