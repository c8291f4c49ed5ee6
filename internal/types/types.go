package types

import (
	"fmt"
	"strings"
	"time"
)

// Lead represents a CRM record for a prospective or existing customer
// organization, as returned by the remote lead store.
//
// Leads are mutable remote entities: merging destroys the source lead and
// may alter the destination lead's contact and opportunity sets. The client
// has no lifecycle beyond read-then-act.
type Lead struct {
	ID            string        `json:"id"`
	DisplayName   string        `json:"display_name"`
	Name          string        `json:"name"` // company name
	StatusLabel   string        `json:"status_label"`
	Contacts      []Contact     `json:"contacts"`
	Opportunities []Opportunity `json:"opportunities"`
	DateCreated   time.Time     `json:"date_created"`
}

// Contact is a person associated with a lead. A contact belongs to exactly
// one lead at query time.
type Contact struct {
	Name   string  `json:"name"`
	Emails []Email `json:"emails"`
	Phones []Phone `json:"phones"`
}

// Email is a single email entry on a contact.
type Email struct {
	Email string `json:"email"`
	Type  string `json:"type,omitempty"`
}

// Phone is a single phone entry on a contact.
type Phone struct {
	Phone string `json:"phone"`
	Type  string `json:"type,omitempty"`
}

// Opportunity is a sales-pipeline object attached to a lead. Its presence
// is used as a merge-priority signal; none of its fields participate in
// duplicate detection.
type Opportunity struct {
	ID    string `json:"id"`
	Value int64  `json:"value,omitempty"`
}

// HasOpportunities reports whether the lead has at least one opportunity
// attached. Leads with opportunities win destination selection over leads
// without, regardless of age.
func (l *Lead) HasOpportunities() bool {
	return len(l.Opportunities) > 0
}

// CompanyKey returns the normalized company name used for duplicate
// comparison: whitespace-trimmed and case-folded. Two leads are company
// duplicates iff their company keys are equal and non-empty.
func (l *Lead) CompanyKey() string {
	return strings.ToLower(strings.TrimSpace(l.Name))
}

// Validate checks that the lead carries the fields every code path relies on.
func (l *Lead) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("lead is missing an id")
	}
	return nil
}

// ValidateForComparison checks the preconditions for duplicate detection on
// the given comparator field. Element-level fields require the contacts list
// to be present; a lead fetched without contacts is a precondition failure,
// not an empty match set.
func (l *Lead) ValidateForComparison(field ComparatorField) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if !field.IsValid() {
		return fmt.Errorf("invalid comparator field: %q", field)
	}
	if field != FieldCompany && l.Contacts == nil {
		return fmt.Errorf("lead %s has no contacts field (required for %s comparison)", l.ID, field)
	}
	return nil
}

// ComparatorField selects which attribute is used to test two leads for
// duplication.
type ComparatorField string

const (
	// FieldCompany matches on the lead's company name (lead-level).
	FieldCompany ComparatorField = "company"
	// FieldEmail matches on any contact email address (element-level).
	FieldEmail ComparatorField = "email"
	// FieldPhone matches on any contact phone number (element-level).
	FieldPhone ComparatorField = "phone"
)

// IsValid checks if the comparator field value is valid.
func (f ComparatorField) IsValid() bool {
	switch f {
	case FieldCompany, FieldEmail, FieldPhone:
		return true
	}
	return false
}

func (f ComparatorField) String() string {
	return string(f)
}

// normalizeElement maps a raw element value to its comparison form. Email
// matching is case-insensitive; phone numbers compare byte-for-byte.
func (f ComparatorField) normalizeElement(v string) string {
	if f == FieldEmail {
		return strings.ToLower(v)
	}
	return v
}

// contactElements returns the raw values of this comparator field within a
// single contact. Dispatch is an explicit switch on the enum; the field
// never becomes part of a formatted accessor name.
func (f ComparatorField) contactElements(c Contact) []string {
	switch f {
	case FieldEmail:
		vals := make([]string, 0, len(c.Emails))
		for _, e := range c.Emails {
			vals = append(vals, e.Email)
		}
		return vals
	case FieldPhone:
		vals := make([]string, 0, len(c.Phones))
		for _, p := range c.Phones {
			vals = append(vals, p.Phone)
		}
		return vals
	}
	return nil
}

// ElementValues returns every email or phone value across all of the lead's
// contacts, in contact order with exact duplicates removed. These are the
// raw values used to build the remote search query.
func (l *Lead) ElementValues(field ComparatorField) []string {
	var values []string
	seen := make(map[string]struct{})
	for _, c := range l.Contacts {
		for _, v := range field.contactElements(c) {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			values = append(values, v)
		}
	}
	return values
}

// ElementSet returns the normalized comparison set of the lead's email or
// phone values across all contacts. Two leads are duplicates on an
// element-level field iff their element sets intersect.
func (l *Lead) ElementSet(field ComparatorField) map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range l.Contacts {
		for _, v := range field.contactElements(c) {
			if v == "" {
				continue
			}
			set[field.normalizeElement(v)] = struct{}{}
		}
	}
	return set
}

// ElementsIntersect reports whether the two leads share at least one
// email/phone element for the given field. A single shared element is
// enough; the rest of the sets may differ arbitrarily.
func ElementsIntersect(a, b map[string]struct{}) bool {
	// iterate over the smaller set
	if len(b) < len(a) {
		a, b = b, a
	}
	for v := range a {
		if _, ok := b[v]; ok {
			return true
		}
	}
	return false
}
