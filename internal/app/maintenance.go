package app

import (
	"context"
	"fmt"

	"daybook/api/internal/grouplock"
	"daybook/api/internal/store"
)

// VerifyOrdinals scans for groups whose ordinals are not dense 1..N. A nil
// slice means every group checks out. Empty ownerID scans all owners.
func (s *Service) VerifyOrdinals(ctx context.Context, ownerID string) ([]store.GroupCheck, error) {
	var violations []store.GroupCheck
	err := s.store.InReadTx(ctx, func(tx store.Tx) error {
		var err error
		violations, err = tx.OrdinalViolations(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, mapStoreErr(err, "entry not found")
	}
	return violations, nil
}

// RepairGroup renumbers one (owner, date) group back to dense 1..N. Safe to
// run on a healthy group.
func (s *Service) RepairGroup(ctx context.Context, ownerID, date string) error {
	if ownerID == "" {
		return validationError("ownerId is required", nil)
	}
	if err := validateDate(date); err != nil {
		return err
	}

	release, err := s.locks.Lock(ctx, grouplock.GroupKey(ownerID, date))
	if err != nil {
		return storeError(fmt.Errorf("acquire group lock: %w", err))
	}
	defer release()

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return repairGroupOrdinals(ctx, tx, ownerID, date)
	})
	if err != nil {
		return mapStoreErr(err, "entry not found")
	}
	return nil
}

// repairGroupOrdinals renumbers in two phases. Unlike the delete path, a
// corrupted group can need upward reassignments, which would collide with
// rows not yet visited; parking everything above the occupied range first
// keeps the unique index happy throughout.
func repairGroupOrdinals(ctx context.Context, tx store.Tx, ownerID, date string) error {
	entries, err := tx.GroupEntries(ctx, ownerID, date)
	if err != nil {
		return err
	}
	dense := true
	for i, entry := range entries {
		if entry.Ordinal != i+1 {
			dense = false
			break
		}
	}
	if dense {
		return nil
	}

	offset := len(entries)
	for _, entry := range entries {
		if entry.Ordinal > offset {
			offset = entry.Ordinal
		}
	}
	for i, entry := range entries {
		if err := tx.SetOrdinal(ctx, entry.ID, offset+i+1); err != nil {
			return err
		}
	}
	for i, entry := range entries {
		if err := tx.SetOrdinal(ctx, entry.ID, i+1); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns whole-store counts.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	err := s.store.InReadTx(ctx, func(tx store.Tx) error {
		var err error
		stats, err = tx.Stats(ctx)
		return err
	})
	if err != nil {
		return store.Stats{}, mapStoreErr(err, "entry not found")
	}
	return stats, nil
}
