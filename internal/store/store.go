// Package store persists journal entries in an ordered, queryable,
// transactional record store. Two backends implement the same contract:
// Postgres for server deployments and SQLite for embedded use and tests.
package store

import "context"

// Tx is the set of row-level operations available inside a transaction.
// Reads that must agree with each other (a count and the page it describes,
// a rank and the slice it points into) run against the same Tx.
type Tx interface {
	// Filtered reads. All of them compile the Filter with the same code.
	CountEntries(ctx context.Context, f Filter) (int, error)
	ListEntries(ctx context.Context, f Filter, limit, offset int) ([]Entry, error)
	// RankBefore counts matching entries that sort strictly before
	// (date, ordinal) under the canonical (entry_date DESC, ordinal ASC)
	// order. Pass ordinal 0 to rank before the whole date.
	RankBefore(ctx context.Context, f Filter, date string, ordinal int) (int, error)
	// MinDate returns the smallest matching entry date within [from, until),
	// or "" when none match. Empty bounds are open.
	MinDate(ctx context.Context, f Filter, from, until string) (string, error)

	DistinctTags(ctx context.Context, ownerID, diaryID string) ([]string, error)
	// DistinctDates lists the owner's entry dates descending, optionally
	// limited to one diary.
	DistinctDates(ctx context.Context, ownerID, diaryID string) ([]string, error)

	GetEntry(ctx context.Context, ownerID, id string) (Entry, error)
	GetEntryByDateOrdinal(ctx context.Context, ownerID, date string, ordinal int) (Entry, error)
	GroupSize(ctx context.Context, ownerID, date string) (int, error)
	// GroupEntries returns the group ordered by current ordinal ascending,
	// the order renumbering reassigns 1..N in.
	GroupEntries(ctx context.Context, ownerID, date string) ([]Entry, error)

	InsertEntry(ctx context.Context, e Entry) error
	// UpdateEntry rewrites content, tags, visibility, entry_date and ordinal
	// of the row identified by (OwnerID, ID). Callers must hold the group
	// locks of both the old and new position.
	UpdateEntry(ctx context.Context, e Entry) error
	// UpdateEntryFields rewrites content, tags and visibility only, leaving
	// entry_date and ordinal untouched. Safe without the group lock: it can
	// never reintroduce an ordinal a concurrent renumber moved away from.
	UpdateEntryFields(ctx context.Context, e Entry) error
	SetOrdinal(ctx context.Context, id string, ordinal int) error
	DeleteEntry(ctx context.Context, ownerID, id string) error
	DeleteEntries(ctx context.Context, f Filter) (int, error)

	InsertAttachment(ctx context.Context, a Attachment) error
	GetAttachment(ctx context.Context, ownerID, id string) (Attachment, error)
	ListAttachments(ctx context.Context, ownerID, entryID string) ([]Attachment, error)
	DeleteAttachment(ctx context.Context, ownerID, id string) error

	// OrdinalViolations lists groups whose ordinals are not dense 1..N.
	// An empty ownerID scans every owner.
	OrdinalViolations(ctx context.Context, ownerID string) ([]GroupCheck, error)
	Stats(ctx context.Context) (Stats, error)
}

// Store runs functions inside a transaction. InTx commits on nil error and
// rolls back otherwise, so a mutation and the renumbering it triggers land
// atomically. InReadTx is for multi-statement reads that need one snapshot.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	InReadTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
