package closeio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/crmops/leadmerge/internal/types"
)

// MaxQueryValues is the practical ceiling on the number of values a single
// `field in (...)` search query may carry. The store starts rejecting
// queries as the argument count approaches 1000, so a lead whose contacts
// hold more email/phone elements than this cannot be searched in one query.
const MaxQueryValues = 1000

// WalkQuery is the query used to iterate the full lead collection. Sorting
// by creation time ascending guarantees the oldest lead in any duplicate
// pair is always visited first.
const WalkQuery = "sort:date_created"

// ErrQueryTooLarge is returned when a lead's search-value list exceeds
// MaxQueryValues. This is a capacity error the caller must report against
// the lead; values are never silently truncated to fit.
var ErrQueryTooLarge = errors.New("search value list exceeds store query capacity")

// escapeQueryValue makes a raw value safe to embed inside a double-quoted
// query term.
func escapeQueryValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

// BuildFieldQuery renders a duplicate-search query of the form
//
//	company in ("Acme Inc") sort:date_created
//	email in ("a@x.com", "b@x.com") sort:date_created
//
// for the given comparator field and search values. Values are quoted and
// escaped. The sort directive keeps results in creation-time-ascending
// order so the earliest lead is a stable destination candidate.
func BuildFieldQuery(field types.ComparatorField, values []string) (string, error) {
	if !field.IsValid() {
		return "", fmt.Errorf("invalid comparator field: %q", field)
	}
	if len(values) == 0 {
		return "", fmt.Errorf("no search values for %s query", field)
	}
	if len(values) > MaxQueryValues {
		return "", fmt.Errorf("%w: %d %s values (limit %d)", ErrQueryTooLarge, len(values), field, MaxQueryValues)
	}

	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + escapeQueryValue(v) + `"`
	}
	return fmt.Sprintf("%s in (%s) %s", field, strings.Join(quoted, ", "), WalkQuery), nil
}
