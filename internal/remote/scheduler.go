package remote

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/models"
)

// Scheduler issues SLURM commands over a Session.
type Scheduler struct {
	session Session
	logger  *logging.Logger
}

// NewScheduler creates a scheduler bound to session.
func NewScheduler(session Session, logger *logging.Logger) *Scheduler {
	return &Scheduler{session: session, logger: logger}
}

// run executes command and turns a nonzero exit into a *CommandError.
func (sc *Scheduler) run(ctx context.Context, name, command string) (Result, error) {
	sc.logger.Debug().Str("cmd", command).Msg("Remote command")
	res, err := sc.session.Execute(ctx, command)
	if err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Command: name, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res, nil
}

// WhoAmI returns the remote login name.
func (sc *Scheduler) WhoAmI(ctx context.Context) (string, error) {
	res, err := sc.run(ctx, "whoami", "whoami")
	if err != nil {
		return "", err
	}
	user := strings.TrimSpace(res.Stdout)
	if user == "" {
		return "", fmt.Errorf("whoami returned no user")
	}
	return user, nil
}

// QueueCommand builds the squeue invocation for user.
func QueueCommand(user string) string {
	return fmt.Sprintf("squeue --noheader -u %s -o %s", shellescape.Quote(user), shellescape.Quote("%i %t"))
}

// Queue returns every job the remote identity has in the queue, keyed by job id.
func (sc *Scheduler) Queue(ctx context.Context) (map[string]models.Status, error) {
	user, err := sc.WhoAmI(ctx)
	if err != nil {
		return nil, err
	}
	res, err := sc.run(ctx, "squeue", QueueCommand(user))
	if err != nil {
		return nil, err
	}
	return ParseQueue(res.Stdout), nil
}

// ParseQueue parses "<job id> <state code>" lines. Blank or malformed lines
// are skipped.
func ParseQueue(out string) map[string]models.Status {
	queue := make(map[string]models.Status)
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		queue[f[0]] = models.ParseRemoteStatus(f[1])
	}
	return queue
}

// SubmitCommand builds the sbatch invocation run inside workdir.
func SubmitCommand(workdir, jobFile string) string {
	return fmt.Sprintf("cd %s && sbatch %s", shellescape.Quote(workdir), shellescape.Quote(jobFile))
}

// Submit runs sbatch on jobFile inside workdir and returns the job id.
func (sc *Scheduler) Submit(ctx context.Context, workdir, jobFile string) (string, error) {
	res, err := sc.run(ctx, "sbatch", SubmitCommand(workdir, jobFile))
	if err != nil {
		return "", err
	}
	id := ParseJobID(res.Stdout)
	if id == "" {
		return "", ErrNoJobID
	}
	return id, nil
}

// ParseJobID returns the last whitespace-separated token of sbatch output
// ("Submitted batch job 1234" -> "1234").
func ParseJobID(out string) string {
	f := strings.Fields(out)
	if len(f) == 0 {
		return ""
	}
	return f[len(f)-1]
}

// Cancel runs scancel for jobID.
func (sc *Scheduler) Cancel(ctx context.Context, jobID string) error {
	_, err := sc.run(ctx, "scancel", "scancel "+shellescape.Quote(jobID))
	return err
}

// Mkdir creates dir and its parents.
func (sc *Scheduler) Mkdir(ctx context.Context, dir string) error {
	_, err := sc.run(ctx, "mkdir", "mkdir -p "+shellescape.Quote(dir))
	return err
}

// WorkspaceDir returns the remote workspace of a run.
func WorkspaceDir(runsDir, runID string) string {
	return path.Join(runsDir, runID)
}
