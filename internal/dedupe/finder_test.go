package dedupe

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmops/leadmerge/internal/closeio"
	"github.com/crmops/leadmerge/internal/types"
)

// fakeSearcher returns scripted pages in call order and records the queries
// and skips it saw. The remote search is only a recall step, so returning
// every lead regardless of query still exercises the finder's filtering.
type fakeSearcher struct {
	pages   []*closeio.SearchResponse
	queries []string
	skips   []int
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, skip int, fields []string) (*closeio.SearchResponse, error) {
	f.queries = append(f.queries, query)
	f.skips = append(f.skips, skip)
	if f.err != nil {
		return nil, f.err
	}
	call := len(f.queries) - 1
	if call >= len(f.pages) {
		return &closeio.SearchResponse{}, nil
	}
	return f.pages[call], nil
}

func singlePage(leads ...types.Lead) []*closeio.SearchResponse {
	return []*closeio.SearchResponse{
		{Data: leads, TotalResults: len(leads), HasMore: false},
	}
}

func companyLead(id, name string, created string) types.Lead {
	ts, _ := time.Parse("2006-01-02", created)
	return types.Lead{ID: id, DisplayName: name, Name: name, Contacts: []types.Contact{}, DateCreated: ts}
}

func emailLead(id string, emails ...string) types.Lead {
	entries := make([]types.Email, len(emails))
	for i, e := range emails {
		entries[i] = types.Email{Email: e}
	}
	return types.Lead{
		ID:       id,
		Contacts: []types.Contact{{Emails: entries}},
	}
}

func TestFindDuplicatesCompany(t *testing.T) {
	a := companyLead("lead_a", "Acme Inc", "2020-01-01")
	b := companyLead("lead_b", "ACME INC ", "2020-02-01")
	other := companyLead("lead_c", "Acme Industries", "2020-03-01")

	t.Run("case and whitespace folded match, self excluded", func(t *testing.T) {
		api := &fakeSearcher{pages: singlePage(a, b, other)}
		f := NewFinder(api, nil)

		dups, err := f.FindDuplicates(context.Background(), &a, types.FieldCompany)
		require.NoError(t, err)
		require.Len(t, dups, 1)
		assert.Equal(t, "lead_b", dups[0].ID)

		require.Len(t, api.queries, 1)
		assert.Equal(t, `company in ("Acme Inc") sort:date_created`, api.queries[0])
	})

	t.Run("symmetry", func(t *testing.T) {
		api := &fakeSearcher{pages: singlePage(a, b, other)}
		f := NewFinder(api, nil)

		dups, err := f.FindDuplicates(context.Background(), &b, types.FieldCompany)
		require.NoError(t, err)
		require.Len(t, dups, 1)
		assert.Equal(t, "lead_a", dups[0].ID, "if A duplicates B then B duplicates A")
	})

	t.Run("near-match company name is not a duplicate", func(t *testing.T) {
		api := &fakeSearcher{pages: singlePage(a, other)}
		f := NewFinder(api, nil)

		dups, err := f.FindDuplicates(context.Background(), &a, types.FieldCompany)
		require.NoError(t, err)
		assert.Empty(t, dups)
	})

	t.Run("empty company name queries nothing", func(t *testing.T) {
		api := &fakeSearcher{}
		f := NewFinder(api, nil)
		blank := companyLead("lead_x", "  ", "2020-01-01")

		dups, err := f.FindDuplicates(context.Background(), &blank, types.FieldCompany)
		require.NoError(t, err)
		assert.Empty(t, dups)
		assert.Empty(t, api.queries, "no remote call without a search value")
	})
}

func TestFindDuplicatesEmailAnyMatch(t *testing.T) {
	c := emailLead("lead_c", "a@x.com")
	d := emailLead("lead_d", "a@x.com", "b@x.com")
	unrelated := emailLead("lead_e", "z@y.com")

	t.Run("single shared element is enough", func(t *testing.T) {
		api := &fakeSearcher{pages: singlePage(c, d, unrelated)}
		f := NewFinder(api, nil)

		dups, err := f.FindDuplicates(context.Background(), &c, types.FieldEmail)
		require.NoError(t, err)
		require.Len(t, dups, 1)
		assert.Equal(t, "lead_d", dups[0].ID)
	})

	t.Run("mutual via intersection", func(t *testing.T) {
		api := &fakeSearcher{pages: singlePage(c, d, unrelated)}
		f := NewFinder(api, nil)

		dups, err := f.FindDuplicates(context.Background(), &d, types.FieldEmail)
		require.NoError(t, err)
		require.Len(t, dups, 1)
		assert.Equal(t, "lead_c", dups[0].ID)

		assert.Equal(t, `email in ("a@x.com", "b@x.com") sort:date_created`, api.queries[0],
			"every element value participates in the search")
	})

	t.Run("zero shared elements is never a duplicate", func(t *testing.T) {
		api := &fakeSearcher{pages: singlePage(c, unrelated)}
		f := NewFinder(api, nil)

		dups, err := f.FindDuplicates(context.Background(), &c, types.FieldEmail)
		require.NoError(t, err)
		assert.Empty(t, dups)
	})

	t.Run("no contacts is a precondition failure", func(t *testing.T) {
		api := &fakeSearcher{}
		f := NewFinder(api, nil)
		broken := types.Lead{ID: "lead_nc", Name: "Acme"}

		_, err := f.FindDuplicates(context.Background(), &broken, types.FieldEmail)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no contacts field")
		assert.Empty(t, api.queries, "aborts before querying, no guessed defaults")
	})
}

func TestFindDuplicatesIdempotent(t *testing.T) {
	c := emailLead("lead_c", "a@x.com")
	d := emailLead("lead_d", "a@x.com", "b@x.com")

	f := NewFinder(&fakeSearcher{pages: []*closeio.SearchResponse{
		{Data: []types.Lead{c, d}, HasMore: false},
		{Data: []types.Lead{c, d}, HasMore: false},
	}}, nil)

	first, err := f.FindDuplicates(context.Background(), &c, types.FieldEmail)
	require.NoError(t, err)
	second, err := f.FindDuplicates(context.Background(), &c, types.FieldEmail)
	require.NoError(t, err)
	assert.Equal(t, first, second, "unchanged dataset yields the same duplicate set")
}

func TestFindDuplicatesPaginates(t *testing.T) {
	subject := companyLead("lead_a", "Acme Inc", "2020-01-01")
	p1 := companyLead("lead_b", "acme inc", "2020-02-01")
	p2 := companyLead("lead_c", "Acme Inc", "2020-03-01")

	api := &fakeSearcher{pages: []*closeio.SearchResponse{
		{Data: []types.Lead{subject, p1}, TotalResults: 3, HasMore: true},
		{Data: []types.Lead{p2}, TotalResults: 3, HasMore: false},
	}}
	f := NewFinder(api, nil)

	dups, err := f.FindDuplicates(context.Background(), &subject, types.FieldCompany)
	require.NoError(t, err)
	require.Len(t, dups, 2)
	assert.Equal(t, "lead_b", dups[0].ID)
	assert.Equal(t, "lead_c", dups[1].ID)
	assert.Equal(t, []int{0, 2}, api.skips, "skip advances by the fetched page length")
}

func TestFindDuplicatesQueryTooLarge(t *testing.T) {
	emails := make([]string, closeio.MaxQueryValues+1)
	for i := range emails {
		emails[i] = fmt.Sprintf("c%d@example.com", i)
	}
	oversized := emailLead("lead_big", emails...)

	api := &fakeSearcher{}
	f := NewFinder(api, nil)

	_, err := f.FindDuplicates(context.Background(), &oversized, types.FieldEmail)
	require.Error(t, err)
	assert.ErrorIs(t, err, closeio.ErrQueryTooLarge)
	assert.Contains(t, err.Error(), "lead_big", "capacity errors name the lead")
	assert.Empty(t, api.queries, "never sends a truncated query")
}

func TestFindDuplicatesSearchError(t *testing.T) {
	subject := companyLead("lead_a", "Acme Inc", "2020-01-01")
	api := &fakeSearcher{err: fmt.Errorf("boom")}
	f := NewFinder(api, nil)

	_, err := f.FindDuplicates(context.Background(), &subject, types.FieldCompany)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lead_a")
}
