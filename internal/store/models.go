package store

import "time"

// Entry is a single journal record. Ordinal is its 1-based position within
// the (OwnerID, EntryDate) group; the group's ordinals are kept dense, with
// no gaps and no duplicates, by the mutation paths in internal/app.
type Entry struct {
	ID         string
	OwnerID    string
	DiaryID    string
	EntryDate  string // YYYY-MM-DD
	Ordinal    int
	Content    string
	Tags       []string
	Visibility string // public | private
	CreatedAt  time.Time
}

// Attachment is file metadata for an object stored alongside an entry.
// The bytes themselves live in the object store under ObjectKey.
type Attachment struct {
	ID          string
	EntryID     string
	OwnerID     string
	ObjectKey   string
	FileName    string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}

// GroupCheck summarizes the ordinals of one (owner, date) group for
// invariant verification.
type GroupCheck struct {
	OwnerID          string
	EntryDate        string
	Count            int
	MinOrdinal       int
	MaxOrdinal       int
	DistinctOrdinals int
}

// Dense reports whether the group's ordinals are exactly 1..Count.
func (g GroupCheck) Dense() bool {
	return g.MinOrdinal == 1 && g.MaxOrdinal == g.Count && g.DistinctOrdinals == g.Count
}

// Stats are whole-store counts used by the admin CLI.
type Stats struct {
	Entries       int
	Owners        int
	DistinctDates int
}
