package store

import "strings"

// Filter is the single predicate structure shared by every listing and
// position query. All clauses are conjunctive; zero values mean "no clause".
// Each backend compiles a Filter in exactly one place, so a listing and the
// rank count that resolves a position can never disagree on membership.
type Filter struct {
	OwnerID    string
	DiaryID    string
	Search     string   // substring of content OR exact tag
	Tags       []string // every tag must be present
	Date       string   // exact entry date, YYYY-MM-DD
	Visibility string   // public | private
}

// Matches reports whether e satisfies the filter. It mirrors the SQL the
// backends compile and exists for membership checks that already hold the
// row, such as deciding whether a resolved entry is visible under the
// caller's filter.
func (f Filter) Matches(e Entry) bool {
	if f.OwnerID != "" && e.OwnerID != f.OwnerID {
		return false
	}
	if f.DiaryID != "" && e.DiaryID != f.DiaryID {
		return false
	}
	if f.Date != "" && e.EntryDate != f.Date {
		return false
	}
	if f.Visibility != "" && e.Visibility != f.Visibility {
		return false
	}
	if f.Search != "" {
		if !strings.Contains(strings.ToLower(e.Content), strings.ToLower(f.Search)) && !hasTag(e.Tags, f.Search) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !hasTag(e.Tags, tag) {
			return false
		}
	}
	return true
}

// escapeLike makes a search term safe to splice into a LIKE pattern with
// ESCAPE '\'. Matches treats the term literally, so the compiled SQL must
// too, or the two sides of the predicate would disagree on terms containing
// % or _.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
