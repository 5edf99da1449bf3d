package app

import (
	"context"

	"daybook/api/internal/store"
)

type ListEntriesInput struct {
	OwnerID  string
	Filter   EntryFilter
	Page     int // 1-based, values < 1 clamp to 1
	PageSize int // values < 1 use the configured default
}

type ListEntriesResult struct {
	Entries    []store.Entry
	Total      int
	Page       int
	PageSize   int
	TotalPages int
	// DistinctTags covers the owner's whole diary, not just the current
	// filter, so tag pickers stay stable while filtering.
	DistinctTags []string
}

// ListEntries returns one page of the filtered, canonically ordered listing.
// The count, the page slice and the tag list come from a single read
// transaction so they describe the same snapshot.
func (s *Service) ListEntries(ctx context.Context, in ListEntriesInput) (ListEntriesResult, error) {
	if in.OwnerID == "" {
		return ListEntriesResult{}, validationError("ownerId is required", nil)
	}
	if err := s.validateFilter(in.Filter); err != nil {
		return ListEntriesResult{}, err
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	pageSize := in.PageSize
	if pageSize < 1 {
		pageSize = s.defaultPageSize
	}
	f := in.Filter.storeFilter(in.OwnerID)

	result := ListEntriesResult{Page: page, PageSize: pageSize}
	err := s.store.InReadTx(ctx, func(tx store.Tx) error {
		total, err := tx.CountEntries(ctx, f)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, f, pageSize, (page-1)*pageSize)
		if err != nil {
			return err
		}
		tags, err := tx.DistinctTags(ctx, in.OwnerID, in.Filter.DiaryID)
		if err != nil {
			return err
		}
		result.Total = total
		result.Entries = entries
		result.DistinctTags = tags
		return nil
	})
	if err != nil {
		return ListEntriesResult{}, mapStoreErr(err, "entry not found")
	}
	result.TotalPages = totalPages(result.Total, pageSize)
	return result, nil
}

// GetEntry fetches a single entry by id.
func (s *Service) GetEntry(ctx context.Context, ownerID, id string) (store.Entry, error) {
	if ownerID == "" || id == "" {
		return store.Entry{}, validationError("ownerId and id are required", nil)
	}
	entry, err := s.getEntry(ctx, ownerID, id)
	if err != nil {
		return store.Entry{}, mapStoreErr(err, "entry not found")
	}
	return entry, nil
}

// ListDistinctDates returns every date the owner has written on, newest
// first.
func (s *Service) ListDistinctDates(ctx context.Context, ownerID string) ([]string, error) {
	if ownerID == "" {
		return nil, validationError("ownerId is required", nil)
	}
	var dates []string
	err := s.store.InReadTx(ctx, func(tx store.Tx) error {
		var err error
		dates, err = tx.DistinctDates(ctx, ownerID, "")
		return err
	})
	if err != nil {
		return nil, mapStoreErr(err, "entry not found")
	}
	return dates, nil
}

func totalPages(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
