package dedupe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crmops/leadmerge/internal/closeio"
	"github.com/crmops/leadmerge/internal/types"
)

// DuplicateFinder finds the duplicates of one lead.
type DuplicateFinder interface {
	FindDuplicates(ctx context.Context, lead *types.Lead, field types.ComparatorField) ([]types.Lead, error)
}

// GroupMerger collapses a duplicate group into its destination lead.
type GroupMerger interface {
	Merge(ctx context.Context, destination types.Lead, sources []types.Lead) []MergeResult
}

// ProgressSink receives walk progress. Start is called once with the
// store's initial total; Increment once per lead slot processed. The total
// may turn out to be wrong in either direction as the dataset mutates.
type ProgressSink interface {
	Start(total int)
	Increment()
	Finish()
}

// Stats summarizes one full walk.
type Stats struct {
	// TotalLeads is the store's total at the start of the walk.
	TotalLeads int
	// LeadsVisited counts leads that went through duplicate detection.
	LeadsVisited int
	// Skipped counts leads skipped via the page's subsumed set.
	Skipped int
	// Groups counts duplicate groups found (merge events).
	Groups int
	// SourcesMerged counts source leads actually merged away. Dry-run
	// plans do not count.
	SourcesMerged int
	// SourcesPlanned counts source leads that would merge in dry-run mode.
	SourcesPlanned int
	// Failures counts per-lead errors: finder preconditions, oversized
	// queries, failed searches and failed merge pairs.
	Failures int
}

// Walker iterates the entire lead collection oldest-first, running
// duplicate detection on every lead and merging the groups it finds.
//
// The walker owns two pieces of state: the pagination offset, and a
// per-page set of lead IDs already consumed as duplicates. A lead in the
// subsumed set is skipped when the cursor reaches it, because its remote
// deletion has not necessarily been observed by the iteration yet.
type Walker struct {
	api      LeadSearcher
	finder   DuplicateFinder
	merger   GroupMerger
	progress ProgressSink
	log      *slog.Logger
	field    types.ComparatorField
}

// NewWalker creates a Walker. progress may be nil.
func NewWalker(api LeadSearcher, finder DuplicateFinder, merger GroupMerger, progress ProgressSink, log *slog.Logger, field types.ComparatorField) (*Walker, error) {
	if !field.IsValid() {
		return nil, fmt.Errorf("invalid comparator field: %q", field)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Walker{
		api:      api,
		finder:   finder,
		merger:   merger,
		progress: progress,
		log:      log,
		field:    field,
	}, nil
}

// Run walks every page until the store reports no more results. Page fetch
// failures abort the run; per-lead failures are counted and the walk
// continues.
func (w *Walker) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	offset := 0
	first := true

	for {
		resp, err := w.api.Search(ctx, closeio.WalkQuery, offset, nil)
		if err != nil {
			w.finishProgress(first)
			return stats, fmt.Errorf("fetching lead page at offset %d: %w", offset, err)
		}
		if first {
			stats.TotalLeads = resp.TotalResults
			if w.progress != nil {
				w.progress.Start(resp.TotalResults)
			}
			first = false
		}

		removed := w.processPage(ctx, resp.Data, stats)

		if !resp.HasMore || len(resp.Data) == 0 {
			break
		}
		// Merged source leads no longer exist, which shifts every
		// subsequent page backward; advance by the survivors only. The
		// destination lead is still in the store and must not be counted.
		advance := len(resp.Data) - removed
		if advance < 0 {
			advance = 0
		}
		offset += advance
		w.log.Debug("advancing page", "offset", offset, "page_size", len(resp.Data), "removed", removed)
	}

	w.finishProgress(first)
	return stats, nil
}

// processPage runs duplicate detection and merging over one page and
// returns the number of leads removed from the store during it.
func (w *Walker) processPage(ctx context.Context, page []types.Lead, stats *Stats) int {
	subsumed := make(map[string]struct{})
	removed := 0

	for i := range page {
		lead := page[i]

		if _, ok := subsumed[lead.ID]; ok {
			w.log.Debug("skipping subsumed lead", "lead", lead.ID)
			stats.Skipped++
			w.step()
			continue
		}

		duplicates, err := w.finder.FindDuplicates(ctx, &lead, w.field)
		if err != nil {
			stats.Failures++
			w.log.Error("duplicate detection failed", "lead", lead.ID, "error", err)
			w.step()
			continue
		}
		stats.LeadsVisited++

		if len(duplicates) > 0 {
			group := make([]types.Lead, 0, len(duplicates)+1)
			group = append(group, lead)
			group = append(group, duplicates...)

			destination, sources := SelectDestination(group)
			// Every group member is consumed for the rest of the page,
			// destination included: selection can pick a lead the cursor
			// has not reached yet, and a lead belongs to at most one live
			// group per page.
			for _, s := range sources {
				subsumed[s.ID] = struct{}{}
			}
			subsumed[destination.ID] = struct{}{}

			sourceIDs := make([]string, len(sources))
			for i, s := range sources {
				sourceIDs[i] = s.ID
			}
			w.log.Info("duplicate group found",
				"lead", lead.ID, "display_name", lead.DisplayName,
				"destination", destination.ID, "sources", sourceIDs)

			stats.Groups++
			for _, result := range w.merger.Merge(ctx, destination, sources) {
				switch {
				case result.Err != nil:
					stats.Failures++
				case result.DryRun:
					stats.SourcesPlanned++
				default:
					stats.SourcesMerged++
					removed++
				}
			}
		}
		w.step()
	}
	return removed
}

func (w *Walker) step() {
	if w.progress != nil {
		w.progress.Increment()
	}
}

func (w *Walker) finishProgress(neverStarted bool) {
	if w.progress != nil && !neverStarted {
		w.progress.Finish()
	}
}
