package dedupe

import (
	"context"
	"log/slog"
	"sort"

	"github.com/crmops/leadmerge/internal/closeio"
	"github.com/crmops/leadmerge/internal/types"
)

// LeadMergeAPI is the write side of the remote lead store.
type LeadMergeAPI interface {
	MergeLeads(ctx context.Context, sourceID, destinationID string) (*closeio.MergeResponse, error)
}

// Recorder receives every merge attempt, including dry-run plans, for
// durable bookkeeping. Implementations must tolerate being called once per
// source lead.
type Recorder interface {
	RecordMerge(ctx context.Context, result MergeResult) error
}

// MergeResult is the outcome of one source→destination merge attempt.
type MergeResult struct {
	SourceID        string
	SourceName      string
	DestinationID   string
	DestinationName string
	// DryRun marks a planned merge that was never sent to the store.
	DryRun bool
	// Err is the per-pair failure, nil on success. One pair failing does
	// not stop the remaining pairs in the group.
	Err      error
	Response *closeio.MergeResponse
}

// Merged reports whether the source lead was actually removed from the
// store: the request was sent and succeeded.
func (r MergeResult) Merged() bool {
	return !r.DryRun && r.Err == nil
}

// Merger executes merges for a duplicate group, gated by the confirmation
// flag. Without confirmation it is a pure planner: zero remote mutation
// calls are made regardless of group size.
type Merger struct {
	api       LeadMergeAPI
	recorder  Recorder
	log       *slog.Logger
	confirmed bool
}

// NewMerger creates a Merger. recorder may be nil when no journal is wanted.
// confirmed must be true for any remote mutation to happen.
func NewMerger(api LeadMergeAPI, recorder Recorder, log *slog.Logger, confirmed bool) *Merger {
	if log == nil {
		log = slog.Default()
	}
	return &Merger{api: api, recorder: recorder, log: log, confirmed: confirmed}
}

// SelectDestination chooses the surviving lead of a duplicate group and
// returns it along with the source leads to merge into it, preserving the
// input order of the sources.
//
// Priority: a lead with at least one opportunity beats a lead without;
// among equals the earliest-created lead wins, with the lexicographically
// smallest ID as a deterministic final tie-break. Visiting order alone is
// not trusted to pick the survivor, because the oldest lead in a group is
// not necessarily the one holding opportunities.
func SelectDestination(group []types.Lead) (destination types.Lead, sources []types.Lead) {
	if len(group) == 0 {
		return types.Lead{}, nil
	}

	ranked := make([]types.Lead, len(group))
	copy(ranked, group)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := &ranked[i], &ranked[j]
		if a.HasOpportunities() != b.HasOpportunities() {
			return a.HasOpportunities()
		}
		if !a.DateCreated.Equal(b.DateCreated) {
			return a.DateCreated.Before(b.DateCreated)
		}
		return a.ID < b.ID
	})
	destination = ranked[0]

	sources = make([]types.Lead, 0, len(group)-1)
	for _, l := range group {
		if l.ID != destination.ID {
			sources = append(sources, l)
		}
	}
	return destination, sources
}

// Merge collapses every source lead into the destination, one request per
// pair, sequentially. Each pair gets its own result; a failed pair is
// reported and the rest of the group still runs. In dry-run mode no store
// call is made and every result is marked DryRun.
func (m *Merger) Merge(ctx context.Context, destination types.Lead, sources []types.Lead) []MergeResult {
	results := make([]MergeResult, 0, len(sources))

	for _, source := range sources {
		result := MergeResult{
			SourceID:        source.ID,
			SourceName:      source.DisplayName,
			DestinationID:   destination.ID,
			DestinationName: destination.DisplayName,
			DryRun:          !m.confirmed,
		}

		if m.confirmed {
			resp, err := m.api.MergeLeads(ctx, source.ID, destination.ID)
			result.Response = resp
			result.Err = err
			if err != nil {
				m.log.Error("merge failed",
					"source", source.ID, "destination", destination.ID, "error", err)
			} else {
				m.log.Info("merged lead",
					"source", source.ID, "source_name", source.DisplayName,
					"destination", destination.ID, "destination_name", destination.DisplayName,
					"response", resp.String())
			}
		} else {
			m.log.Info("dry run: would merge lead",
				"source", source.ID, "source_name", source.DisplayName,
				"destination", destination.ID, "destination_name", destination.DisplayName)
		}

		if m.recorder != nil {
			if err := m.recorder.RecordMerge(ctx, result); err != nil {
				m.log.Warn("journal write failed",
					"source", source.ID, "destination", destination.ID, "error", err)
			}
		}
		results = append(results, result)
	}
	return results
}
