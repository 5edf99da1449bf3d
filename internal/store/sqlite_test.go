package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := NewSQLiteStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedEntry(t *testing.T, s *SQLiteStore, e Entry) Entry {
	t.Helper()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	}
	if e.Visibility == "" {
		e.Visibility = "private"
	}
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertEntry(context.Background(), e)
	})
	if err != nil {
		t.Fatalf("seed entry %s: %v", e.ID, err)
	}
	return e
}

func TestInsertDuplicateOrdinalIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, s, Entry{ID: "e1", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 1, Content: "first"})

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.InsertEntry(ctx, Entry{
			ID: "e2", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 1,
			Content: "same slot", Visibility: "private",
			CreatedAt: time.Now().UTC(),
		})
	})
	if !errors.Is(err, ErrOrdinalConflict) {
		t.Fatalf("expected ErrOrdinalConflict, got %v", err)
	}

	// Same ordinal on a different date is a different group.
	seedEntry(t, s, Entry{ID: "e3", OwnerID: "u1", EntryDate: "2025-03-11", Ordinal: 1, Content: "other day"})
	// Same slot for a different owner is fine too.
	seedEntry(t, s, Entry{ID: "e4", OwnerID: "u2", EntryDate: "2025-03-10", Ordinal: 1, Content: "other owner"})
}

func TestFilterCompilation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, s, Entry{
		ID: "e1", OwnerID: "u1", DiaryID: "work", EntryDate: "2025-03-10", Ordinal: 1,
		Content: "Standup notes", Tags: []string{"work", "meetings"}, Visibility: "private",
	})
	seedEntry(t, s, Entry{
		ID: "e2", OwnerID: "u1", DiaryID: "life", EntryDate: "2025-03-10", Ordinal: 2,
		Content: "Evening walk", Tags: []string{"health"}, Visibility: "public",
	})
	seedEntry(t, s, Entry{
		ID: "e3", OwnerID: "u1", DiaryID: "life", EntryDate: "2025-03-11", Ordinal: 1,
		Content: "walking again", Tags: []string{"health", "weather"}, Visibility: "private",
	})
	seedEntry(t, s, Entry{
		ID: "e4", OwnerID: "u2", EntryDate: "2025-03-10", Ordinal: 1,
		Content: "someone else walks", Visibility: "public",
	})
	// LIKE metacharacters in content; search terms must match them literally.
	seedEntry(t, s, Entry{
		ID: "e5", OwnerID: "u3", EntryDate: "2025-03-10", Ordinal: 1,
		Content: "progress 100% done", Visibility: "private",
	})
	seedEntry(t, s, Entry{
		ID: "e6", OwnerID: "u3", EntryDate: "2025-03-10", Ordinal: 2,
		Content: "progress 100x done", Visibility: "private",
	})
	seedEntry(t, s, Entry{
		ID: "e7", OwnerID: "u3", EntryDate: "2025-03-11", Ordinal: 1,
		Content: "kept file a_c.txt", Visibility: "private",
	})
	seedEntry(t, s, Entry{
		ID: "e8", OwnerID: "u3", EntryDate: "2025-03-11", Ordinal: 2,
		Content: "kept file abc.txt", Visibility: "private",
	})

	cases := []struct {
		name string
		f    Filter
		want []string
	}{
		{"owner only", Filter{OwnerID: "u1"}, []string{"e3", "e1", "e2"}},
		{"diary", Filter{OwnerID: "u1", DiaryID: "life"}, []string{"e3", "e2"}},
		{"date", Filter{OwnerID: "u1", Date: "2025-03-10"}, []string{"e1", "e2"}},
		{"visibility", Filter{OwnerID: "u1", Visibility: "public"}, []string{"e2"}},
		{"search content case-insensitive", Filter{OwnerID: "u1", Search: "WALK"}, []string{"e3", "e2"}},
		{"search exact tag", Filter{OwnerID: "u1", Search: "weather"}, []string{"e3"}},
		{"single tag", Filter{OwnerID: "u1", Tags: []string{"health"}}, []string{"e3", "e2"}},
		{"all tags required", Filter{OwnerID: "u1", Tags: []string{"health", "weather"}}, []string{"e3"}},
		{"combined", Filter{OwnerID: "u1", DiaryID: "life", Visibility: "private", Tags: []string{"health"}}, []string{"e3"}},
		{"no match", Filter{OwnerID: "u1", Tags: []string{"health"}, Date: "2025-03-12"}, []string{}},
		{"search literal percent", Filter{OwnerID: "u3", Search: "100%"}, []string{"e5"}},
		{"search literal underscore", Filter{OwnerID: "u3", Search: "a_c"}, []string{"e7"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.InReadTx(ctx, func(tx Tx) error {
				count, err := tx.CountEntries(ctx, tc.f)
				if err != nil {
					return err
				}
				if count != len(tc.want) {
					t.Fatalf("count = %d, want %d", count, len(tc.want))
				}
				entries, err := tx.ListEntries(ctx, tc.f, 100, 0)
				if err != nil {
					return err
				}
				if len(entries) != len(tc.want) {
					t.Fatalf("list returned %d entries, want %d", len(entries), len(tc.want))
				}
				for i, want := range tc.want {
					if entries[i].ID != want {
						t.Fatalf("position %d: got %s, want %s", i, entries[i].ID, want)
					}
					// SQL membership must agree with the Go-side mirror.
					if !tc.f.Matches(entries[i]) {
						t.Fatalf("Filter.Matches rejects %s which SQL accepted", entries[i].ID)
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("read tx: %v", err)
			}
		})
	}
}

func TestRankBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Canonical listing order:
	//   (2025-03-12, 1), (2025-03-10, 1), (2025-03-10, 2), (2025-03-10, 3)
	seedEntry(t, s, Entry{ID: "a", OwnerID: "u1", EntryDate: "2025-03-12", Ordinal: 1, Content: "x"})
	seedEntry(t, s, Entry{ID: "b", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 1, Content: "x"})
	seedEntry(t, s, Entry{ID: "c", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 2, Content: "x"})
	seedEntry(t, s, Entry{ID: "d", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 3, Content: "x"})

	cases := []struct {
		date    string
		ordinal int
		want    int
	}{
		{"2025-03-12", 1, 0},
		{"2025-03-10", 1, 1},
		{"2025-03-10", 2, 2},
		{"2025-03-10", 3, 3},
		{"2025-03-10", 0, 1}, // rank of the whole date
		{"2025-03-11", 0, 1}, // date with no entries still ranks consistently
	}
	err := s.InReadTx(ctx, func(tx Tx) error {
		for _, tc := range cases {
			rank, err := tx.RankBefore(ctx, Filter{OwnerID: "u1"}, tc.date, tc.ordinal)
			if err != nil {
				return err
			}
			if rank != tc.want {
				t.Fatalf("RankBefore(%s, %d) = %d, want %d", tc.date, tc.ordinal, rank, tc.want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
}

func TestMinDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, s, Entry{ID: "a", OwnerID: "u1", EntryDate: "2024-11-30", Ordinal: 1, Content: "x"})
	seedEntry(t, s, Entry{ID: "b", OwnerID: "u1", EntryDate: "2024-12-05", Ordinal: 1, Content: "x"})
	seedEntry(t, s, Entry{ID: "c", OwnerID: "u1", EntryDate: "2025-01-03", Ordinal: 1, Content: "x"})

	cases := []struct {
		from, until, want string
	}{
		{"", "", "2024-11-30"},
		{"2024-12-01", "2025-01-01", "2024-12-05"},
		{"2024-12-01", "", "2024-12-05"},
		{"", "2024-12-01", "2024-11-30"},
		{"2025-02-01", "", ""},
	}
	err := s.InReadTx(ctx, func(tx Tx) error {
		for _, tc := range cases {
			got, err := tx.MinDate(ctx, Filter{OwnerID: "u1"}, tc.from, tc.until)
			if err != nil {
				return err
			}
			if got != tc.want {
				t.Fatalf("MinDate(%q, %q) = %q, want %q", tc.from, tc.until, got, tc.want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
}

func TestDistinctTagsAndDates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, s, Entry{ID: "a", OwnerID: "u1", DiaryID: "work", EntryDate: "2025-03-10", Ordinal: 1, Content: "x", Tags: []string{"beta", "alpha"}})
	seedEntry(t, s, Entry{ID: "b", OwnerID: "u1", DiaryID: "life", EntryDate: "2025-03-12", Ordinal: 1, Content: "x", Tags: []string{"alpha", "gamma"}})
	seedEntry(t, s, Entry{ID: "c", OwnerID: "u2", EntryDate: "2025-03-10", Ordinal: 1, Content: "x", Tags: []string{"other"}})

	err := s.InReadTx(ctx, func(tx Tx) error {
		tags, err := tx.DistinctTags(ctx, "u1", "")
		if err != nil {
			return err
		}
		want := []string{"alpha", "beta", "gamma"}
		if fmt.Sprint(tags) != fmt.Sprint(want) {
			t.Fatalf("tags = %v, want %v", tags, want)
		}

		tags, err = tx.DistinctTags(ctx, "u1", "work")
		if err != nil {
			return err
		}
		want = []string{"alpha", "beta"}
		if fmt.Sprint(tags) != fmt.Sprint(want) {
			t.Fatalf("diary tags = %v, want %v", tags, want)
		}

		dates, err := tx.DistinctDates(ctx, "u1", "")
		if err != nil {
			return err
		}
		wantDates := []string{"2025-03-12", "2025-03-10"}
		if fmt.Sprint(dates) != fmt.Sprint(wantDates) {
			t.Fatalf("dates = %v, want %v", dates, wantDates)
		}

		dates, err = tx.DistinctDates(ctx, "u1", "work")
		if err != nil {
			return err
		}
		wantDates = []string{"2025-03-10"}
		if fmt.Sprint(dates) != fmt.Sprint(wantDates) {
			t.Fatalf("diary dates = %v, want %v", dates, wantDates)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
}

func TestTagsRoundTripThroughJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, s, Entry{ID: "a", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 1, Content: "x", Tags: []string{"with space", `qu"ote`}})
	seedEntry(t, s, Entry{ID: "b", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 2, Content: "x"})

	err := s.InReadTx(ctx, func(tx Tx) error {
		a, err := tx.GetEntry(ctx, "u1", "a")
		if err != nil {
			return err
		}
		if len(a.Tags) != 2 || a.Tags[0] != "with space" || a.Tags[1] != `qu"ote` {
			t.Fatalf("tags = %v", a.Tags)
		}
		b, err := tx.GetEntry(ctx, "u1", "b")
		if err != nil {
			return err
		}
		if len(b.Tags) != 0 {
			t.Fatalf("nil tags must come back empty, got %v", b.Tags)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
}

func TestUpdateEntryFieldsLeavesPositionAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, s, Entry{ID: "e1", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 2, Content: "old"})

	// Stale position values on the struct must not reach the row.
	err := s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateEntryFields(ctx, Entry{
			ID: "e1", OwnerID: "u1", EntryDate: "2024-01-01", Ordinal: 99,
			Content: "new", Tags: []string{"edited"}, Visibility: "public",
		})
	})
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}

	err = s.InReadTx(ctx, func(tx Tx) error {
		got, err := tx.GetEntry(ctx, "u1", "e1")
		if err != nil {
			return err
		}
		if got.EntryDate != "2025-03-10" || got.Ordinal != 2 {
			t.Fatalf("position changed to (%s, %d)", got.EntryDate, got.Ordinal)
		}
		if got.Content != "new" || got.Visibility != "public" || len(got.Tags) != 1 {
			t.Fatalf("fields not rewritten: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
}

func TestWriteOpsReportMissingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.GetEntry(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get: expected ErrNotFound, got %v", err)
		}
		if _, err := tx.GetEntryByDateOrdinal(ctx, "u1", "2025-03-10", 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get by position: expected ErrNotFound, got %v", err)
		}
		if err := tx.DeleteEntry(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("delete: expected ErrNotFound, got %v", err)
		}
		if err := tx.SetOrdinal(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("set ordinal: expected ErrNotFound, got %v", err)
		}
		if err := tx.UpdateEntry(ctx, Entry{ID: "missing", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 1, Content: "x", Visibility: "private"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update: expected ErrNotFound, got %v", err)
		}
		if err := tx.UpdateEntryFields(ctx, Entry{ID: "missing", OwnerID: "u1", Content: "x", Visibility: "private"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update fields: expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestOrdinalViolationsAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, s, Entry{ID: "a", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 1, Content: "x"})
	seedEntry(t, s, Entry{ID: "b", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 2, Content: "x"})
	// Gap: ordinals start at 2.
	seedEntry(t, s, Entry{ID: "c", OwnerID: "u1", EntryDate: "2025-03-11", Ordinal: 2, Content: "x"})
	// Different owner, healthy.
	seedEntry(t, s, Entry{ID: "d", OwnerID: "u2", EntryDate: "2025-03-10", Ordinal: 1, Content: "x"})

	err := s.InReadTx(ctx, func(tx Tx) error {
		violations, err := tx.OrdinalViolations(ctx, "")
		if err != nil {
			return err
		}
		if len(violations) != 1 {
			t.Fatalf("expected 1 violation, got %+v", violations)
		}
		v := violations[0]
		if v.OwnerID != "u1" || v.EntryDate != "2025-03-11" || v.Dense() {
			t.Fatalf("unexpected violation: %+v", v)
		}

		violations, err = tx.OrdinalViolations(ctx, "u2")
		if err != nil {
			return err
		}
		if len(violations) != 0 {
			t.Fatalf("u2 should be healthy, got %+v", violations)
		}

		stats, err := tx.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.Entries != 4 || stats.Owners != 2 || stats.DistinctDates != 2 {
			t.Fatalf("stats = %+v", stats)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
}

func TestAttachmentsCascadeWithEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEntry(t, s, Entry{ID: "e1", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 1, Content: "x"})

	attachment := Attachment{
		ID: "att_1", EntryID: "e1", OwnerID: "u1",
		ObjectKey: "entries/u1/2025/03/obj", FileName: "photo.jpg",
		ContentType: "image/jpeg", SizeBytes: 1024,
		CreatedAt: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	err := s.InTx(ctx, func(tx Tx) error {
		return tx.InsertAttachment(ctx, attachment)
	})
	if err != nil {
		t.Fatalf("insert attachment: %v", err)
	}

	err = s.InReadTx(ctx, func(tx Tx) error {
		got, err := tx.GetAttachment(ctx, "u1", "att_1")
		if err != nil {
			return err
		}
		if got.ObjectKey != attachment.ObjectKey || got.SizeBytes != 1024 {
			t.Fatalf("attachment round trip: %+v", got)
		}
		list, err := tx.ListAttachments(ctx, "u1", "e1")
		if err != nil {
			return err
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 attachment, got %d", len(list))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.DeleteEntry(ctx, "u1", "e1")
	})
	if err != nil {
		t.Fatalf("delete entry: %v", err)
	}

	err = s.InReadTx(ctx, func(tx Tx) error {
		if _, err := tx.GetAttachment(ctx, "u1", "att_1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected cascade delete, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
}

func TestTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertEntry(ctx, Entry{
			ID: "e1", OwnerID: "u1", EntryDate: "2025-03-10", Ordinal: 1,
			Content: "x", Visibility: "private", CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	err = s.InReadTx(ctx, func(tx Tx) error {
		if _, err := tx.GetEntry(ctx, "u1", "e1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected rollback, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tx: %v", err)
	}
}
