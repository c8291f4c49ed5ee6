package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crmops/leadmerge/internal/closeio"
	"github.com/crmops/leadmerge/internal/types"
)

// LeadSearcher is the read side of the remote lead store.
type LeadSearcher interface {
	Search(ctx context.Context, query string, skip int, fields []string) (*closeio.SearchResponse, error)
}

// Finder detects duplicates of a single lead by querying the remote store
// and filtering candidates down to exact matches. It holds no state between
// calls; every invocation is a fresh query plus filter.
type Finder struct {
	api LeadSearcher
	log *slog.Logger
}

// NewFinder creates a Finder backed by the given store client.
func NewFinder(api LeadSearcher, log *slog.Logger) *Finder {
	if log == nil {
		log = slog.Default()
	}
	return &Finder{api: api, log: log}
}

// FindDuplicates returns the leads that duplicate the given lead on the
// given comparator field, in creation-time-ascending order, excluding the
// lead itself.
//
// Company matching compares normalized company names for exact equality.
// Email/phone matching treats a candidate as a duplicate if ANY element
// value is shared across the two leads' contacts; the remaining elements
// may differ arbitrarily.
//
// A lead whose element list exceeds the store's query capacity yields an
// error wrapping closeio.ErrQueryTooLarge; the caller reports it against
// the lead rather than truncating the search.
func (f *Finder) FindDuplicates(ctx context.Context, lead *types.Lead, field types.ComparatorField) ([]types.Lead, error) {
	if lead == nil {
		return nil, fmt.Errorf("nil lead")
	}
	if err := lead.ValidateForComparison(field); err != nil {
		return nil, err
	}

	var searchValues []string
	var subjectElems map[string]struct{}
	if field == types.FieldCompany {
		if strings.TrimSpace(lead.Name) == "" {
			// a lead with no company name matches nothing
			return nil, nil
		}
		searchValues = []string{lead.Name}
	} else {
		searchValues = lead.ElementValues(field)
		subjectElems = lead.ElementSet(field)
	}
	if len(searchValues) == 0 {
		return nil, nil
	}

	query, err := closeio.BuildFieldQuery(field, searchValues)
	if err != nil {
		return nil, fmt.Errorf("lead %s: %w", lead.ID, err)
	}
	f.log.Debug("duplicate search", "lead", lead.ID, "field", field, "values", len(searchValues))

	var duplicates []types.Lead
	skip := 0
	for {
		resp, err := f.api.Search(ctx, query, skip, nil)
		if err != nil {
			return nil, fmt.Errorf("searching duplicates of lead %s: %w", lead.ID, err)
		}
		f.log.Debug("fetched candidate page",
			"lead", lead.ID, "skip", skip, "page", len(resp.Data), "total", resp.TotalResults)

		for _, candidate := range resp.Data {
			if candidate.ID == lead.ID {
				continue
			}
			if f.matches(lead, &candidate, field, subjectElems) {
				duplicates = append(duplicates, candidate)
			}
		}

		if !resp.HasMore || len(resp.Data) == 0 {
			break
		}
		skip += len(resp.Data)
	}
	return duplicates, nil
}

// matches applies the exact-match filter to one candidate. The remote
// search is a recall step; this is the precision step.
func (f *Finder) matches(lead, candidate *types.Lead, field types.ComparatorField, subjectElems map[string]struct{}) bool {
	if field == types.FieldCompany {
		return lead.CompanyKey() == candidate.CompanyKey()
	}
	candidateElems := candidate.ElementSet(field)
	if f.log.Enabled(context.Background(), slog.LevelDebug) {
		f.log.Debug("candidate elements",
			"candidate", candidate.ID, "field", field, "count", len(candidateElems))
	}
	return types.ElementsIntersect(subjectElems, candidateElems)
}
