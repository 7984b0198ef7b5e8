package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shawl-hpc/shawl/internal/models"
)

// newRunsCmd creates the 'runs' command group. These commands read the state
// file directly and never contact the cluster.
func newRunsCmd() *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored runs without connecting",
		Long: `Offline access to the runs in the state file. Statuses are shown as
last stored; start 'shawl serve' to refresh them from the queue.

Do not modify runs while the server is running.`,
	}
	runsCmd.AddCommand(newRunsListCmd())
	runsCmd.AddCommand(newRunsRemoveCmd())
	return runsCmd
}

func newRunsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, GetLogger())
			if err != nil {
				return err
			}

			runs := store.Runs()
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tNAME\tJOB\tSTATUS\tCREATED\tACTIONS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Name, orDash(r.RemoteJobID), r.Status,
					r.CreatedAt.Local().Format("2006-01-02 15:04"), formatActions(r.Actions()))
			}
			return tw.Flush()
		},
	}
}

func newRunsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <run-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a run from the state file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, GetLogger())
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			GetLogger().Info().Str("run_id", args[0]).Msg("Run removed")
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatActions marks the default action with brackets.
func formatActions(a models.ActionSet) string {
	parts := make([]string, 0, len(a.All))
	for _, act := range a.All {
		if act == a.Default {
			parts = append(parts, "["+string(act)+"]")
		} else {
			parts = append(parts, string(act))
		}
	}
	return strings.Join(parts, " ")
}
