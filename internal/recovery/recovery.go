// Package recovery repairs runs left in a transfer state by a previous process.
package recovery

import (
	"fmt"

	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/models"
	"github.com/shawl-hpc/shawl/internal/state"
)

// Recover rewrites every interrupted run to its failure status and persists.
// It must run before any pipeline touches the store. Returns the number of
// runs repaired.
func Recover(store *state.Store, logger *logging.Logger) (int, error) {
	n, err := store.Mutate(func(r *models.Run) bool {
		if !r.Status.IsInFlight() {
			return false
		}
		next := r.Status.Interrupted()
		logger.Warn().
			Str("run_id", r.ID).
			Str("run_name", r.Name).
			Str("from", string(r.Status)).
			Str("to", string(next)).
			Msg("Recovered interrupted run")
		r.Status = next
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to persist recovered runs: %w", err)
	}
	if n > 0 {
		logger.Info().Int("count", n).Msg("State recovery complete")
	}
	return n, nil
}
