package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"daybook/api/internal/store"
)

// ResolveResult locates one entry inside the filtered, canonically ordered
// listing. Page is where the caller should navigate to see the entry.
type ResolveResult struct {
	Found   bool
	Page    int
	EntryID string
	Date    string
	Ordinal int
}

// PeriodResult extends ResolveResult with the period navigation data the
// year/month picker renders.
type PeriodResult struct {
	ResolveResult
	AvailableYears  []int
	AvailableMonths []int
}

// ResolveFirst finds the chronologically first matching entry of a period
// (a year, a year+month, or all time when year is zero) and the page it sits
// on. The date scan, the rank and the entry lookup share one snapshot.
func (s *Service) ResolveFirst(ctx context.Context, ownerID string, filter EntryFilter, year, month, pageSize int) (PeriodResult, error) {
	if ownerID == "" {
		return PeriodResult{}, validationError("ownerId is required", nil)
	}
	if err := s.validateFilter(filter); err != nil {
		return PeriodResult{}, err
	}
	if month != 0 && (month < 1 || month > 12) {
		return PeriodResult{}, validationError("month must be 1-12", nil)
	}
	if month != 0 && year == 0 {
		return PeriodResult{}, validationError("month requires a year", nil)
	}
	if pageSize < 1 {
		pageSize = s.defaultPageSize
	}

	f := filter.storeFilter(ownerID)
	from, until := periodRange(year, month)

	var result PeriodResult
	err := s.store.InReadTx(ctx, func(tx store.Tx) error {
		dates, err := tx.DistinctDates(ctx, ownerID, "")
		if err != nil {
			return err
		}
		result.AvailableYears, result.AvailableMonths = periodNav(dates, year)

		minDate, err := tx.MinDate(ctx, f, from, until)
		if err != nil {
			return err
		}
		if minDate == "" {
			return nil
		}

		rank, err := tx.RankBefore(ctx, f, minDate, 0)
		if err != nil {
			return err
		}

		dayFilter := f
		dayFilter.Date = minDate
		firstOfDay, err := tx.ListEntries(ctx, dayFilter, 1, 0)
		if err != nil {
			return err
		}
		if len(firstOfDay) == 0 {
			return fmt.Errorf("no entry on resolved date %s", minDate)
		}

		result.Found = true
		result.Page = rank/pageSize + 1
		result.EntryID = firstOfDay[0].ID
		result.Date = minDate
		result.Ordinal = firstOfDay[0].Ordinal
		return nil
	})
	if err != nil {
		return PeriodResult{}, mapStoreErr(err, "entry not found")
	}
	return result, nil
}

// ResolveByDateOrdinal finds the page holding the entry at (date, ordinal).
func (s *Service) ResolveByDateOrdinal(ctx context.Context, ownerID string, filter EntryFilter, date string, ordinal, pageSize int) (ResolveResult, error) {
	if ownerID == "" {
		return ResolveResult{}, validationError("ownerId is required", nil)
	}
	if err := validateDate(date); err != nil {
		return ResolveResult{}, err
	}
	if ordinal < 1 {
		return ResolveResult{}, validationError("ordinal must be positive", nil)
	}
	if err := s.validateFilter(filter); err != nil {
		return ResolveResult{}, err
	}

	return s.rankEntry(ctx, filter.storeFilter(ownerID), pageSize, func(tx store.Tx) (store.Entry, error) {
		return tx.GetEntryByDateOrdinal(ctx, ownerID, date, ordinal)
	})
}

// ResolveByID finds the page holding the entry with the given id.
func (s *Service) ResolveByID(ctx context.Context, ownerID string, filter EntryFilter, id string, pageSize int) (ResolveResult, error) {
	if ownerID == "" || id == "" {
		return ResolveResult{}, validationError("ownerId and id are required", nil)
	}
	if err := s.validateFilter(filter); err != nil {
		return ResolveResult{}, err
	}

	return s.rankEntry(ctx, filter.storeFilter(ownerID), pageSize, func(tx store.Tx) (store.Entry, error) {
		return tx.GetEntry(ctx, ownerID, id)
	})
}

// rankEntry loads the target entry and counts what sorts before it under the
// same filter. A missing entry or one excluded by the filter resolves as not
// found rather than an error or a page it does not appear on.
func (s *Service) rankEntry(ctx context.Context, f store.Filter, pageSize int, fetch func(tx store.Tx) (store.Entry, error)) (ResolveResult, error) {
	if pageSize < 1 {
		pageSize = s.defaultPageSize
	}

	var result ResolveResult
	err := s.store.InReadTx(ctx, func(tx store.Tx) error {
		entry, err := fetch(tx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !f.Matches(entry) {
			return nil
		}
		rank, err := tx.RankBefore(ctx, f, entry.EntryDate, entry.Ordinal)
		if err != nil {
			return err
		}
		result = ResolveResult{
			Found:   true,
			Page:    rank/pageSize + 1,
			EntryID: entry.ID,
			Date:    entry.EntryDate,
			Ordinal: entry.Ordinal,
		}
		return nil
	})
	if err != nil {
		return ResolveResult{}, mapStoreErr(err, "entry not found")
	}
	return result, nil
}

// periodRange converts a year or year+month into a half-open [from, until)
// date range. Zero year means all time.
func periodRange(year, month int) (from, until string) {
	if year == 0 {
		return "", ""
	}
	if month == 0 {
		return fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-01-01", year+1)
	}
	from = fmt.Sprintf("%04d-%02d-01", year, month)
	if month == 12 {
		until = fmt.Sprintf("%04d-01-01", year+1)
	} else {
		until = fmt.Sprintf("%04d-%02d-01", year, month+1)
	}
	return from, until
}

// periodNav derives the picker data from the owner's distinct dates (newest
// first): every year with entries, and the months of the requested year, or
// of the latest year when no year was requested.
func periodNav(dates []string, year int) (years, months []int) {
	seenYear := map[int]bool{}
	seenMonth := map[int]bool{}
	monthYear := year

	for _, date := range dates {
		if len(date) < 7 {
			continue
		}
		y, err := strconv.Atoi(date[:4])
		if err != nil {
			continue
		}
		if !seenYear[y] {
			seenYear[y] = true
			years = append(years, y)
		}
		if monthYear == 0 {
			monthYear = y
		}
		if y != monthYear {
			continue
		}
		m, err := strconv.Atoi(date[5:7])
		if err != nil || m < 1 || m > 12 {
			continue
		}
		seenMonth[m] = true
	}

	for m := 1; m <= 12; m++ {
		if seenMonth[m] {
			months = append(months, m)
		}
	}
	return years, months
}
