// Package app implements the journaling core: ordinal maintenance for
// per-date entry groups, filtered listing, and position resolution.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"daybook/api/internal/blob"
	"daybook/api/internal/config"
	"daybook/api/internal/grouplock"
	"daybook/api/internal/store"
	"daybook/api/internal/util"
)

const (
	maxContentLength = 50000
	maxTagCount      = 20
	maxTagLength     = 50
	dateLayout       = "2006-01-02"

	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

var allowedVisibility = map[string]struct{}{
	VisibilityPublic:  {},
	VisibilityPrivate: {},
}

type Service struct {
	store store.Store
	locks grouplock.Locker
	blobs *blob.Service

	retries         int
	defaultPageSize int
	now             func() time.Time
}

func New(cfg config.Config, dataStore store.Store, locks grouplock.Locker) *Service {
	return NewWithBlobStore(cfg, dataStore, locks, nil)
}

func NewWithBlobStore(cfg config.Config, dataStore store.Store, locks grouplock.Locker, blobs *blob.Service) *Service {
	retries := cfg.CreateRetries
	if retries < 1 {
		retries = 3
	}
	pageSize := cfg.DefaultPageSize
	if pageSize < 1 {
		pageSize = 10
	}
	return &Service{
		store:           dataStore,
		locks:           locks,
		blobs:           blobs,
		retries:         retries,
		defaultPageSize: pageSize,
		now:             time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return storeError(err)
	}
	return nil
}

// EntryFilter is the caller-facing filter shared by listing and position
// queries. Both convert it through storeFilter, so a resolve and the listing
// the caller pages to afterwards always use the same predicate.
type EntryFilter struct {
	DiaryID    string
	Search     string
	Tags       []string
	Date       string
	Visibility string
}

func (f EntryFilter) storeFilter(ownerID string) store.Filter {
	return store.Filter{
		OwnerID:    ownerID,
		DiaryID:    f.DiaryID,
		Search:     f.Search,
		Tags:       f.Tags,
		Date:       f.Date,
		Visibility: f.Visibility,
	}
}

type CreateEntryInput struct {
	OwnerID    string
	DiaryID    string
	Content    string
	Tags       []string
	Date       string // empty = today (UTC)
	Visibility string // empty = private
}

// CreateEntry appends the entry to its date group: the new ordinal is the
// group size plus one, read and written under the group lock. A lost race
// surfaces as an ordinal conflict and the whole sequence is retried.
func (s *Service) CreateEntry(ctx context.Context, in CreateEntryInput) (store.Entry, error) {
	if in.OwnerID == "" {
		return store.Entry{}, validationError("ownerId is required", nil)
	}
	if err := validateContent(in.Content); err != nil {
		return store.Entry{}, err
	}
	if err := validateTags(in.Tags); err != nil {
		return store.Entry{}, err
	}
	visibility := in.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	if err := validateVisibility(visibility); err != nil {
		return store.Entry{}, err
	}
	date := in.Date
	if date == "" {
		date = s.now().UTC().Format(dateLayout)
	} else if err := validateDate(date); err != nil {
		return store.Entry{}, err
	}

	entry := store.Entry{
		ID:         util.NewID("ent"),
		OwnerID:    in.OwnerID,
		DiaryID:    in.DiaryID,
		EntryDate:  date,
		Content:    in.Content,
		Tags:       in.Tags,
		Visibility: visibility,
		CreatedAt:  s.now().UTC(),
	}

	release, err := s.locks.Lock(ctx, grouplock.GroupKey(entry.OwnerID, entry.EntryDate))
	if err != nil {
		return store.Entry{}, storeError(fmt.Errorf("acquire group lock: %w", err))
	}
	defer release()

	for attempt := 0; ; attempt++ {
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			size, sizeErr := tx.GroupSize(ctx, entry.OwnerID, entry.EntryDate)
			if sizeErr != nil {
				return sizeErr
			}
			entry.Ordinal = size + 1
			return tx.InsertEntry(ctx, entry)
		})
		if !errors.Is(err, store.ErrOrdinalConflict) || attempt+1 >= s.retries {
			break
		}
	}
	if err != nil {
		return store.Entry{}, mapStoreErr(err, "entry not found")
	}
	return entry, nil
}

type UpdateEntryInput struct {
	OwnerID    string
	ID         string
	Content    string
	Tags       []string
	Date       string
	Visibility string // empty = keep current
}

// UpdateEntry rewrites the entry's fields. When the date changes, the entry
// is appended to the destination group and the vacated group is renumbered,
// all in one transaction under both groups' locks.
func (s *Service) UpdateEntry(ctx context.Context, in UpdateEntryInput) (store.Entry, error) {
	if in.OwnerID == "" || in.ID == "" {
		return store.Entry{}, validationError("ownerId and id are required", nil)
	}
	if err := validateContent(in.Content); err != nil {
		return store.Entry{}, err
	}
	if err := validateTags(in.Tags); err != nil {
		return store.Entry{}, err
	}
	if err := validateDate(in.Date); err != nil {
		return store.Entry{}, err
	}
	if in.Visibility != "" {
		if err := validateVisibility(in.Visibility); err != nil {
			return store.Entry{}, err
		}
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		current, err := s.getEntry(ctx, in.OwnerID, in.ID)
		if err != nil {
			return store.Entry{}, mapStoreErr(err, "entry not found")
		}

		if in.Date == current.EntryDate {
			// In-place update. The write never touches entry_date or ordinal,
			// so a renumber committed by a locked mutation in between cannot
			// be undone by it.
			var updated store.Entry
			var stale bool
			err = s.store.InTx(ctx, func(tx store.Tx) error {
				fresh, err := tx.GetEntry(ctx, in.OwnerID, in.ID)
				if err != nil {
					return err
				}
				if fresh.EntryDate != in.Date {
					stale = true
					return nil
				}
				fresh.Content = in.Content
				fresh.Tags = in.Tags
				if in.Visibility != "" {
					fresh.Visibility = in.Visibility
				}
				updated = fresh
				return tx.UpdateEntryFields(ctx, fresh)
			})
			if err != nil {
				return store.Entry{}, mapStoreErr(err, "entry not found")
			}
			if !stale {
				return updated, nil
			}
			continue
		}

		moved, stale, err := s.moveEntry(ctx, in, current)
		if err != nil {
			return store.Entry{}, mapStoreErr(err, "entry not found")
		}
		if !stale {
			return moved, nil
		}
		// The entry changed groups between the read and the lock; retry
		// against its new group.
	}
	return store.Entry{}, conflictError("entry moved concurrently, retries exhausted")
}

func (s *Service) moveEntry(ctx context.Context, in UpdateEntryInput, current store.Entry) (store.Entry, bool, error) {
	release, err := s.locks.Lock(ctx,
		grouplock.GroupKey(in.OwnerID, current.EntryDate),
		grouplock.GroupKey(in.OwnerID, in.Date),
	)
	if err != nil {
		return store.Entry{}, false, fmt.Errorf("acquire group locks: %w", err)
	}
	defer release()

	var moved store.Entry
	var stale bool
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		fresh, err := tx.GetEntry(ctx, in.OwnerID, in.ID)
		if err != nil {
			return err
		}
		if fresh.EntryDate != current.EntryDate {
			stale = true
			return nil
		}

		size, err := tx.GroupSize(ctx, in.OwnerID, in.Date)
		if err != nil {
			return err
		}
		moved = fresh
		moved.Content = in.Content
		moved.Tags = in.Tags
		if in.Visibility != "" {
			moved.Visibility = in.Visibility
		}
		moved.EntryDate = in.Date
		moved.Ordinal = size + 1
		if err := tx.UpdateEntry(ctx, moved); err != nil {
			return err
		}
		return renumberGroup(ctx, tx, in.OwnerID, fresh.EntryDate)
	})
	return moved, stale, err
}

// UpdateVisibility flips an entry between public and private.
func (s *Service) UpdateVisibility(ctx context.Context, ownerID, id, visibility string) (store.Entry, error) {
	if ownerID == "" || id == "" {
		return store.Entry{}, validationError("ownerId and id are required", nil)
	}
	if err := validateVisibility(visibility); err != nil {
		return store.Entry{}, err
	}

	var updated store.Entry
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		entry, err := tx.GetEntry(ctx, ownerID, id)
		if err != nil {
			return err
		}
		entry.Visibility = visibility
		if err := tx.UpdateEntryFields(ctx, entry); err != nil {
			return err
		}
		updated = entry
		return nil
	})
	if err != nil {
		return store.Entry{}, mapStoreErr(err, "entry not found")
	}
	return updated, nil
}

// DeleteEntry removes the entry and renumbers the vacated group in the same
// transaction. Attachment objects are removed best-effort after commit; the
// metadata rows cascade with the entry.
func (s *Service) DeleteEntry(ctx context.Context, ownerID, id string) error {
	if ownerID == "" || id == "" {
		return validationError("ownerId and id are required", nil)
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		current, err := s.getEntry(ctx, ownerID, id)
		if err != nil {
			return mapStoreErr(err, "entry not found")
		}

		release, err := s.locks.Lock(ctx, grouplock.GroupKey(ownerID, current.EntryDate))
		if err != nil {
			return storeError(fmt.Errorf("acquire group lock: %w", err))
		}

		var objectKeys []string
		var stale bool
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			fresh, err := tx.GetEntry(ctx, ownerID, id)
			if err != nil {
				return err
			}
			if fresh.EntryDate != current.EntryDate {
				stale = true
				return nil
			}
			attachments, err := tx.ListAttachments(ctx, ownerID, id)
			if err != nil {
				return err
			}
			for _, a := range attachments {
				objectKeys = append(objectKeys, a.ObjectKey)
			}
			if err := tx.DeleteEntry(ctx, ownerID, id); err != nil {
				return err
			}
			return renumberGroup(ctx, tx, ownerID, fresh.EntryDate)
		})
		release()
		if err != nil {
			return mapStoreErr(err, "entry not found")
		}
		if stale {
			continue
		}
		s.removeObjects(ctx, objectKeys)
		return nil
	}
	return conflictError("entry moved concurrently, retries exhausted")
}

// DeleteAllEntries wipes an owner's entries, optionally limited to one
// diary. Every touched date group is locked before the transaction, like any
// other mutation, so a concurrent create cannot append against a group count
// the purge is about to invalidate. A diary-scoped purge can leave gaps in
// date groups shared with other diaries; those groups are renumbered in the
// same transaction.
func (s *Service) DeleteAllEntries(ctx context.Context, ownerID, diaryID string) (int, error) {
	if ownerID == "" {
		return 0, validationError("ownerId is required", nil)
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		var dates []string
		err := s.store.InReadTx(ctx, func(tx store.Tx) error {
			var err error
			dates, err = tx.DistinctDates(ctx, ownerID, diaryID)
			return err
		})
		if err != nil {
			return 0, mapStoreErr(err, "entry not found")
		}
		if len(dates) == 0 {
			return 0, nil
		}

		locked := make(map[string]bool, len(dates))
		keys := make([]string, len(dates))
		for i, date := range dates {
			locked[date] = true
			keys[i] = grouplock.GroupKey(ownerID, date)
		}
		release, err := s.locks.Lock(ctx, keys...)
		if err != nil {
			return 0, storeError(fmt.Errorf("acquire group locks: %w", err))
		}

		var deleted int
		var stale bool
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			fresh, err := tx.DistinctDates(ctx, ownerID, diaryID)
			if err != nil {
				return err
			}
			for _, date := range fresh {
				// A date appeared since the pre-read; its group is not held.
				if !locked[date] {
					stale = true
					return nil
				}
			}
			n, err := tx.DeleteEntries(ctx, store.Filter{OwnerID: ownerID, DiaryID: diaryID})
			if err != nil {
				return err
			}
			deleted = n
			if diaryID == "" {
				return nil
			}
			gapped, err := tx.OrdinalViolations(ctx, ownerID)
			if err != nil {
				return err
			}
			for _, group := range gapped {
				if !locked[group.EntryDate] {
					continue
				}
				if err := renumberGroup(ctx, tx, group.OwnerID, group.EntryDate); err != nil {
					return err
				}
			}
			return nil
		})
		release()
		if err != nil {
			return 0, mapStoreErr(err, "entry not found")
		}
		if stale {
			continue
		}
		return deleted, nil
	}
	return 0, conflictError("entries changed concurrently, retries exhausted")
}

func (s *Service) getEntry(ctx context.Context, ownerID, id string) (store.Entry, error) {
	var entry store.Entry
	err := s.store.InReadTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = tx.GetEntry(ctx, ownerID, id)
		return err
	})
	return entry, err
}

// renumberGroup reassigns 1..N across the group's remaining entries in
// current ordinal order. A full re-enumeration is correct no matter how many
// rows were removed or how far the ordinals drifted; ordinals only ever
// shift down, so the unique index never trips mid-pass.
func renumberGroup(ctx context.Context, tx store.Tx, ownerID, date string) error {
	entries, err := tx.GroupEntries(ctx, ownerID, date)
	if err != nil {
		return err
	}
	for i, entry := range entries {
		if entry.Ordinal == i+1 {
			continue
		}
		if err := tx.SetOrdinal(ctx, entry.ID, i+1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) removeObjects(ctx context.Context, keys []string) {
	if s.blobs == nil || len(keys) == 0 {
		return
	}
	for _, key := range keys {
		if err := s.blobs.Remove(ctx, key); err != nil {
			log.Printf("WARNING: orphaned attachment object %s: %v", key, err)
		}
	}
}

func validateContent(content string) *DomainError {
	if content == "" {
		return validationError("content must not be empty", nil)
	}
	if len(content) > maxContentLength {
		return validationError("content too long", map[string]int{"max": maxContentLength})
	}
	return nil
}

func validateTags(tags []string) *DomainError {
	if len(tags) > maxTagCount {
		return validationError("too many tags", map[string]int{"max": maxTagCount})
	}
	for _, tag := range tags {
		if tag == "" {
			return validationError("tags must not be empty", nil)
		}
		if len(tag) > maxTagLength {
			return validationError("tag too long", map[string]int{"max": maxTagLength})
		}
	}
	return nil
}

func validateVisibility(visibility string) *DomainError {
	if _, ok := allowedVisibility[visibility]; !ok {
		return validationError("visibility must be public or private", nil)
	}
	return nil
}

func validateDate(date string) *DomainError {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return validationError("date must be YYYY-MM-DD", nil)
	}
	return nil
}

func (s *Service) validateFilter(f EntryFilter) *DomainError {
	if f.Date != "" {
		if err := validateDate(f.Date); err != nil {
			return err
		}
	}
	if f.Visibility != "" {
		if err := validateVisibility(f.Visibility); err != nil {
			return err
		}
	}
	return nil
}
