package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/crmops/leadmerge/internal/journal"
)

var (
	reportJournal string
	reportRunID   string
	reportFailed  bool
	reportLimit   int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect the merge journal",
	Long: `Display recorded runs and merge attempts from the local journal.

Every run of the walk is journaled, including dry runs; failed merges carry
the store's error text so pairs can be retried manually.

Examples:
  leadmerge report                         # list recent runs
  leadmerge report --run <id>              # all attempts of one run
  leadmerge report --run <id> --failed     # only the failed pairs`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := reportJournal
		if path == "" {
			path = journal.DefaultPath()
		}
		jnl, err := journal.Open(path)
		if err != nil {
			return err
		}
		defer jnl.Close()

		if reportRunID != "" {
			return printAttempts(cmd, jnl)
		}
		return printRuns(cmd, jnl)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportJournal, "journal", "", "merge journal path (default ~/.leadmerge/journal.db)")
	reportCmd.Flags().StringVar(&reportRunID, "run", "", "show merge attempts for this run id")
	reportCmd.Flags().BoolVar(&reportFailed, "failed", false, "only show failed merge attempts")
	reportCmd.Flags().IntVarP(&reportLimit, "limit", "n", 20, "number of runs to list")
	rootCmd.AddCommand(reportCmd)
}

func printRuns(cmd *cobra.Command, jnl *journal.Journal) error {
	runs, err := jnl.Runs(cmd.Context(), reportLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tFIELD\tMODE\tSTARTED\tVISITED\tGROUPS\tMERGED\tFAILURES")
	for _, r := range runs {
		mode := "confirmed"
		if r.DryRun {
			mode = "dry-run"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.Field, mode, r.StartedAt.Format("2006-01-02 15:04:05"),
			r.LeadsVisited, r.GroupsFound, r.SourcesMerged, r.Failures)
	}
	return w.Flush()
}

func printAttempts(cmd *cobra.Command, jnl *journal.Journal) error {
	attempts, err := jnl.Attempts(cmd.Context(), reportRunID, reportFailed)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("No matching merge attempts.")
		return nil
	}

	for _, a := range attempts {
		switch {
		case a.DryRun:
			color.Yellow("PLANNED  %s -> %s (%s -> %s)", a.SourceID, a.DestinationID, a.SourceName, a.DestinationName)
		case a.OK:
			color.Green("MERGED   %s -> %s (%s -> %s)", a.SourceID, a.DestinationID, a.SourceName, a.DestinationName)
		default:
			color.Red("FAILED   %s -> %s: %s", a.SourceID, a.DestinationID, a.Error)
		}
	}
	return nil
}
