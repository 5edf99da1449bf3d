package store

import "errors"

var (
	// ErrNotFound is returned when an entry or attachment does not exist or
	// belongs to another owner.
	ErrNotFound = errors.New("store: not found")

	// ErrOrdinalConflict is returned when an insert or move loses the
	// count-then-write race and hits the unique index on
	// (owner_id, entry_date, ordinal). Callers retry the whole sequence.
	ErrOrdinalConflict = errors.New("store: duplicate ordinal in group")
)
