package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/crmops/leadmerge/internal/closeio"
	"github.com/crmops/leadmerge/internal/config"
	"github.com/crmops/leadmerge/internal/dedupe"
	"github.com/crmops/leadmerge/internal/journal"
	"github.com/crmops/leadmerge/internal/progress"
)

var (
	flagAPIKey      string
	flagField       string
	flagVerbose     bool
	flagDevelopment bool
	flagConfirmed   bool
	flagJournal     string
	flagNoJournal   bool
)

var rootCmd = &cobra.Command{
	Use:   "leadmerge",
	Short: "Detect duplicate leads and merge them",
	Long: `Detect duplicate leads and merge them.

Walks every lead in your organization oldest-first and searches for other
leads like it, so a full run can take a long time on large datasets.

Duplicate criteria:
  - company: case-insensitive exact match on company name
  - email:   case-insensitive exact match on any contact's email address
  - phone:   exact match on any contact's phone number

Destination lead priority:
  - leads with opportunities over ones without
  - leads which were created first

Without --confirmed nothing is mutated: the full detection and selection
logic runs and every merge that would happen is reported and journaled as a
plan.

Beware of:
  - Leads with very many contacts can exceed the store's search query
    capacity (~1000 arguments); those leads are reported and skipped, never
    searched with a truncated query.
  - Merging A into B while another process merges B into A can destroy both
    records. This tool skips leads already consumed within a page, but
    nothing protects against concurrent external mutation.

Examples:
  leadmerge -k api_key_here                 # dry run, company matching
  leadmerge -k api_key_here -f email        # dry run, email matching
  leadmerge -k api_key_here --confirmed     # actually merge
  leadmerge report --failed                 # inspect failed merges`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMerge(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagAPIKey, "api-key", "k", "", "API key (or set "+config.EnvAPIKey+")")
	rootCmd.Flags().StringVarP(&flagField, "field", "f", "company", "field to compare uniqueness: company, email or phone")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "increase logging verbosity")
	rootCmd.Flags().BoolVar(&flagDevelopment, "development", false, "use a development (testing) server rather than production")
	rootCmd.Flags().BoolVar(&flagConfirmed, "confirmed", false, "without this flag, no action will be taken (dry run)")
	rootCmd.Flags().StringVar(&flagJournal, "journal", "", "merge journal path (default ~/.leadmerge/journal.db)")
	rootCmd.Flags().BoolVar(&flagNoJournal, "no-journal", false, "disable the merge journal")
}

func runMerge(ctx context.Context) error {
	settings, err := config.Load(config.Options{
		APIKey:      flagAPIKey,
		Field:       flagField,
		Verbose:     flagVerbose,
		Development: flagDevelopment,
		Confirmed:   flagConfirmed,
		JournalPath: flagJournal,
		NoJournal:   flagNoJournal,
	})
	if err != nil {
		return err
	}

	logger := newLogger(settings.Verbose)

	client, err := closeio.New(closeio.Config{
		APIKey:            settings.APIKey,
		BaseURL:           settings.BaseURL,
		RequestsPerSecond: settings.RequestsPerSecond,
		Log:               logger,
	})
	if err != nil {
		return err
	}

	var recorder dedupe.Recorder
	var jnl *journal.Journal
	var runID string
	if settings.JournalPath != "" {
		jnl, err = journal.Open(settings.JournalPath)
		if err != nil {
			return err
		}
		defer jnl.Close()

		runID, err = jnl.BeginRun(ctx, settings.Field.String(), !settings.Confirmed)
		if err != nil {
			return err
		}
		recorder = &journalRecorder{journal: jnl, runID: runID}
	}

	finder := dedupe.NewFinder(client, logger)
	merger := dedupe.NewMerger(client, recorder, logger, settings.Confirmed)
	bar := progress.New(os.Stdout, "Analyzing leads:")
	walker, err := dedupe.NewWalker(client, finder, merger, bar, logger, settings.Field)
	if err != nil {
		return err
	}

	if !settings.Confirmed {
		color.Yellow("Dry run: no leads will be merged. Re-run with --confirmed to apply.")
	}

	stats, runErr := walker.Run(ctx)

	if jnl != nil {
		if err := jnl.FinishRun(ctx, runID, stats.LeadsVisited, stats.Groups, stats.SourcesMerged, stats.Failures); err != nil {
			logger.Warn("journal finish failed", "run", runID, "error", err)
		}
	}

	printSummary(os.Stdout, stats, settings.Confirmed, runID)
	if runErr != nil {
		return runErr
	}
	return nil
}

func printSummary(out io.Writer, stats *dedupe.Stats, confirmed bool, runID string) {
	fmt.Fprintln(out)
	color.New(color.FgGreen).Fprintln(out, "*** Merging Complete ***")
	fmt.Fprintf(out, "Total leads at start:  %d\n", stats.TotalLeads)
	fmt.Fprintf(out, "Leads visited:         %d\n", stats.LeadsVisited)
	fmt.Fprintf(out, "Duplicate groups:      %d\n", stats.Groups)
	if confirmed {
		fmt.Fprintf(out, "Leads merged:          %d\n", stats.SourcesMerged)
	} else {
		fmt.Fprintf(out, "Leads that would merge: %d\n", stats.SourcesPlanned)
	}
	if stats.Skipped > 0 {
		fmt.Fprintf(out, "Skipped (already consumed): %d\n", stats.Skipped)
	}
	if stats.Failures > 0 {
		color.New(color.FgRed).Fprintf(out, "Failures: %d\n", stats.Failures)
		if runID != "" {
			fmt.Fprintf(out, "Inspect them with: leadmerge report --run %s --failed\n", runID)
		}
	}
}

// newLogger builds the run's single structured logger. Components receive
// it by reference; there is no package-level logger anywhere.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// journalRecorder adapts the journal to the merger's Recorder interface,
// pinning every attempt to the current run.
type journalRecorder struct {
	journal *journal.Journal
	runID   string
}

func (r *journalRecorder) RecordMerge(ctx context.Context, result dedupe.MergeResult) error {
	attempt := journal.Attempt{
		RunID:           r.runID,
		SourceID:        result.SourceID,
		SourceName:      result.SourceName,
		DestinationID:   result.DestinationID,
		DestinationName: result.DestinationName,
		DryRun:          result.DryRun,
		OK:              result.Merged(),
	}
	if result.Err != nil {
		attempt.Error = result.Err.Error()
	}
	return r.journal.RecordMerge(ctx, attempt)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
