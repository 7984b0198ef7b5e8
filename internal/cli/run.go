package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shawl-hpc/shawl/internal/batch"
	"github.com/shawl-hpc/shawl/internal/config"
	"github.com/shawl-hpc/shawl/internal/pathutil"
	"github.com/shawl-hpc/shawl/internal/progress"
	"github.com/shawl-hpc/shawl/internal/remote"
)

type runFlags struct {
	host           string
	username       string
	password       string
	tokenFile      string
	localPath      string
	remotePath     string
	jobPattern     string
	pollInterval   time.Duration
	failureRetries int
	noProgress     bool
}

// applyRunFlags overlays the flags the user set on the config file values.
func applyRunFlags(cmd *cobra.Command, f *runFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Remote.Host = f.host
	}
	if changed("username") {
		cfg.Remote.Username = f.username
	}
	if changed("local-path") {
		cfg.Batch.LocalPath = f.localPath
	}
	if changed("remote-path") {
		cfg.Batch.RemotePath = f.remotePath
	}
	if changed("job-pattern") {
		cfg.Runs.JobPattern = f.jobPattern
	}
	if changed("poll-interval") {
		cfg.Batch.PollIntervalSeconds = int(f.pollInterval / time.Second)
	}
	if changed("failure-retries") {
		cfg.Batch.FailureRetries = f.failureRetries
	}
}

// newRunCmd creates the 'run' command.
func newRunCmd() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upload, submit, wait for and download one job",
		Long: `Run one job end to end without the server.

The local directory is copied to the remote path, the first file matching
the job pattern is submitted with sbatch, and the queue is polled until the
job is gone. The remote path is then copied back over the local directory.

Values come from flags first, then from the [remote] and [batch] sections
of the config file. The password is taken from --password, the token file
written by 'shawl configure', or SHAWL_PASSWORD, in that order.`,
		Example: `  shawl run --host login.hpc.example.org --username alice \
      --local-path ./wing --remote-path cases/wing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			ctx := GetContext(cmd)

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, f, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.RequireBatch(); err != nil {
				return err
			}

			box, err := tokenBox(cfg)
			if err != nil {
				return err
			}
			tokenPath := f.tokenFile
			if tokenPath == "" {
				tokenPath = config.DefaultTokenPath()
			}
			password, source := config.ResolvePassword(f.password, config.ExpandHome(tokenPath), box)
			if password == "" {
				return fmt.Errorf("%w: password (use --password, 'shawl configure' or SHAWL_PASSWORD)", config.ErrMissingParameter)
			}
			log.Debug().Str("source", source).Msg("Password resolved")

			localPath, err := pathutil.ResolveAbsolutePath(cfg.Batch.LocalPath)
			if err != nil {
				return fmt.Errorf("invalid local path: %w", err)
			}

			session := newSSHSession(cfg.Remote.Host, cfg.Remote.Username, password, log)
			defer session.Close()
			if !f.noProgress && term.IsTerminal(int(os.Stderr.Fd())) {
				session.SetProgress(func(string) progress.Reporter {
					return progress.NewCLIProgressTo(cmd.ErrOrStderr())
				})
			}

			runner := batch.NewRunner(session, remote.NewScheduler(session, log), log)
			jobID, err := runner.Run(ctx, batch.Params{
				LocalPath:      localPath,
				RemotePath:     cfg.Batch.RemotePath,
				JobPattern:     cfg.Runs.JobPattern,
				PollInterval:   cfg.PollInterval(),
				FailureRetries: cfg.Batch.FailureRetries,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s finished, results in %s\n", jobID, localPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.host, "host", "", "Login node (host or host:port)")
	cmd.Flags().StringVarP(&f.username, "username", "u", "", "Remote user name")
	cmd.Flags().StringVar(&f.password, "password", "", "Remote password (overrides token file and SHAWL_PASSWORD)")
	cmd.Flags().StringVar(&f.tokenFile, "token-file", "", "File holding the password (default ~/.config/shawl/token)")
	cmd.Flags().StringVarP(&f.localPath, "local-path", "l", "", "Local case directory")
	cmd.Flags().StringVarP(&f.remotePath, "remote-path", "r", "", "Remote directory for the case")
	cmd.Flags().StringVar(&f.jobPattern, "job-pattern", "", "Glob selecting the job file (default *.job)")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 0, "Queue polling interval (default 60s)")
	cmd.Flags().IntVar(&f.failureRetries, "failure-retries", 0, "Consecutive failed polls tolerated (default 1440)")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "Disable transfer progress bars")

	return cmd
}
