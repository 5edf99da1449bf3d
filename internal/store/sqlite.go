package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// sqliteSchema mirrors db/migrations for the embedded backend. Dates are
// TEXT in YYYY-MM-DD form, so lexicographic comparison is chronological.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	diary_id TEXT NOT NULL DEFAULT '',
	entry_date TEXT NOT NULL,
	ordinal INTEGER NOT NULL CHECK (ordinal >= 1),
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	visibility TEXT NOT NULL DEFAULT 'private' CHECK (visibility IN ('public', 'private')),
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_group_ordinal ON entries (owner_id, entry_date, ordinal);
CREATE INDEX IF NOT EXISTS idx_entries_owner_date ON entries (owner_id, entry_date DESC, ordinal ASC);
CREATE TABLE IF NOT EXISTS entry_attachments (
	id TEXT PRIMARY KEY,
	entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
	owner_id TEXT NOT NULL,
	object_key TEXT NOT NULL,
	file_name TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_entry ON entry_attachments (entry_id);
`

// SQLiteStore implements Store on an embedded SQLite database. It is the
// default backend for single-node deployments and the store the test suite
// runs against.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.runTx(ctx, fn)
}

// InReadTx uses a plain transaction: go-sqlite3 has no read-only mode, and
// the single-connection pool already gives one snapshot per transaction.
func (s *SQLiteStore) InReadTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.runTx(ctx, fn)
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(&sqliteTx{tx: tx})
	return err
}

type sqliteTx struct {
	tx *sql.Tx
}

const sqliteEntryColumns = `id, owner_id, diary_id, entry_date, ordinal, content, tags, visibility, created_at`

// sqliteWhere compiles the filter into a WHERE fragment with ? placeholders.
// LIKE is case-insensitive for ASCII in SQLite, matching ILIKE on the
// Postgres side.
func sqliteWhere(f Filter, args *[]any) string {
	var clauses []string
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		*args = append(*args, f.OwnerID)
	}
	if f.DiaryID != "" {
		clauses = append(clauses, "diary_id = ?")
		*args = append(*args, f.DiaryID)
	}
	if f.Date != "" {
		clauses = append(clauses, "entry_date = ?")
		*args = append(*args, f.Date)
	}
	if f.Visibility != "" {
		clauses = append(clauses, "visibility = ?")
		*args = append(*args, f.Visibility)
	}
	if f.Search != "" {
		// The LIKE pattern is escaped so % and _ in the term match literally,
		// same as Filter.Matches; the tag comparison is plain equality.
		clauses = append(clauses,
			`(content LIKE '%' || ? || '%' ESCAPE '\' OR EXISTS (SELECT 1 FROM json_each(entries.tags) WHERE json_each.value = ?))`)
		*args = append(*args, escapeLike(f.Search), f.Search)
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(entries.tags) WHERE json_each.value = ?)")
		*args = append(*args, tag)
	}
	if len(clauses) == 0 {
		return "1=1"
	}
	return strings.Join(clauses, " AND ")
}

func (t *sqliteTx) CountEntries(ctx context.Context, f Filter) (int, error) {
	var args []any
	where := sqliteWhere(f, &args)
	var count int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

func (t *sqliteTx) ListEntries(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	var args []any
	where := sqliteWhere(f, &args)
	args = append(args, limit, offset)

	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM entries WHERE `+where+` ORDER BY entry_date DESC, ordinal ASC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		item, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

func (t *sqliteTx) RankBefore(ctx context.Context, f Filter, date string, ordinal int) (int, error) {
	var args []any
	where := sqliteWhere(f, &args)
	args = append(args, date, date, ordinal)

	var rank int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE `+where+` AND (entry_date > ? OR (entry_date = ? AND ordinal < ?))`,
		args...).Scan(&rank)
	if err != nil {
		return 0, fmt.Errorf("rank before: %w", err)
	}
	return rank, nil
}

func (t *sqliteTx) MinDate(ctx context.Context, f Filter, from, until string) (string, error) {
	var args []any
	where := sqliteWhere(f, &args)
	if from != "" {
		where += " AND entry_date >= ?"
		args = append(args, from)
	}
	if until != "" {
		where += " AND entry_date < ?"
		args = append(args, until)
	}

	var min sql.NullString
	err := t.tx.QueryRowContext(ctx, `SELECT MIN(entry_date) FROM entries WHERE `+where, args...).Scan(&min)
	if err != nil {
		return "", fmt.Errorf("min entry date: %w", err)
	}
	return min.String, nil
}

func (t *sqliteTx) DistinctTags(ctx context.Context, ownerID, diaryID string) ([]string, error) {
	query := `
		SELECT DISTINCT json_each.value
		FROM entries, json_each(entries.tags)
		WHERE owner_id = ?
	`
	args := []any{ownerID}
	if diaryID != "" {
		query += ` AND diary_id = ?`
		args = append(args, diaryID)
	}
	query += ` ORDER BY 1 ASC`

	return t.stringList(ctx, "distinct tags", query, args...)
}

func (t *sqliteTx) DistinctDates(ctx context.Context, ownerID, diaryID string) ([]string, error) {
	query := `SELECT DISTINCT entry_date FROM entries WHERE owner_id = ?`
	args := []any{ownerID}
	if diaryID != "" {
		query += ` AND diary_id = ?`
		args = append(args, diaryID)
	}
	query += ` ORDER BY 1 DESC`

	return t.stringList(ctx, "distinct dates", query, args...)
}

func (t *sqliteTx) stringList(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		items = append(items, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return items, nil
}

func (t *sqliteTx) GetEntry(ctx context.Context, ownerID, id string) (Entry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM entries WHERE owner_id = ? AND id = ?`, ownerID, id)
	item, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return item, nil
}

func (t *sqliteTx) GetEntryByDateOrdinal(ctx context.Context, ownerID, date string, ordinal int) (Entry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM entries WHERE owner_id = ? AND entry_date = ? AND ordinal = ?`,
		ownerID, date, ordinal)
	item, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry by position: %w", err)
	}
	return item, nil
}

func (t *sqliteTx) GroupSize(ctx context.Context, ownerID, date string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE owner_id = ? AND entry_date = ?`, ownerID, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("group size: %w", err)
	}
	return count, nil
}

func (t *sqliteTx) GroupEntries(ctx context.Context, ownerID, date string) ([]Entry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM entries WHERE owner_id = ? AND entry_date = ? ORDER BY ordinal ASC`,
		ownerID, date)
	if err != nil {
		return nil, fmt.Errorf("group entries: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		item, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan group entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group entries: %w", err)
	}
	return items, nil
}

func (t *sqliteTx) InsertEntry(ctx context.Context, e Entry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entries (id, owner_id, diary_id, entry_date, ordinal, content, tags, visibility, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OwnerID, e.DiaryID, e.EntryDate, e.Ordinal, e.Content, tags, e.Visibility, e.CreatedAt)
	return sqliteWriteErr("insert entry", err)
}

func (t *sqliteTx) UpdateEntry(ctx context.Context, e Entry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE entries
		SET content = ?, tags = ?, visibility = ?, entry_date = ?, ordinal = ?
		WHERE owner_id = ? AND id = ?
	`, e.Content, tags, e.Visibility, e.EntryDate, e.Ordinal, e.OwnerID, e.ID)
	if err := sqliteWriteErr("update entry", err); err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) UpdateEntryFields(ctx context.Context, e Entry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE entries
		SET content = ?, tags = ?, visibility = ?
		WHERE owner_id = ? AND id = ?
	`, e.Content, tags, e.Visibility, e.OwnerID, e.ID)
	if err != nil {
		return fmt.Errorf("update entry fields: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry fields rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) SetOrdinal(ctx context.Context, id string, ordinal int) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE entries SET ordinal = ? WHERE id = ?`, ordinal, id)
	if err := sqliteWriteErr("set ordinal", err); err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set ordinal rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) DeleteEntry(ctx context.Context, ownerID, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM entries WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entry rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) DeleteEntries(ctx context.Context, f Filter) (int, error) {
	var args []any
	where := sqliteWhere(f, &args)
	result, err := t.tx.ExecContext(ctx, `DELETE FROM entries WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete entries rows: %w", err)
	}
	return int(affected), nil
}

func (t *sqliteTx) InsertAttachment(ctx context.Context, a Attachment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entry_attachments (id, entry_id, owner_id, object_key, file_name, content_type, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.EntryID, a.OwnerID, a.ObjectKey, a.FileName, a.ContentType, a.SizeBytes, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetAttachment(ctx context.Context, ownerID, id string) (Attachment, error) {
	var item Attachment
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, entry_id, owner_id, object_key, file_name, content_type, size_bytes, created_at
		FROM entry_attachments
		WHERE owner_id = ? AND id = ?
	`, ownerID, id).Scan(
		&item.ID, &item.EntryID, &item.OwnerID, &item.ObjectKey,
		&item.FileName, &item.ContentType, &item.SizeBytes, &item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return item, nil
}

func (t *sqliteTx) ListAttachments(ctx context.Context, ownerID, entryID string) ([]Attachment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, entry_id, owner_id, object_key, file_name, content_type, size_bytes, created_at
		FROM entry_attachments
		WHERE owner_id = ? AND entry_id = ?
		ORDER BY created_at ASC
	`, ownerID, entryID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(
			&item.ID, &item.EntryID, &item.OwnerID, &item.ObjectKey,
			&item.FileName, &item.ContentType, &item.SizeBytes, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (t *sqliteTx) DeleteAttachment(ctx context.Context, ownerID, id string) error {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM entry_attachments WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete attachment rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) OrdinalViolations(ctx context.Context, ownerID string) ([]GroupCheck, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT owner_id, entry_date, COUNT(*), MIN(ordinal), MAX(ordinal), COUNT(DISTINCT ordinal)
		FROM entries
		WHERE (? = '' OR owner_id = ?)
		GROUP BY owner_id, entry_date
		HAVING NOT (MIN(ordinal) = 1 AND MAX(ordinal) = COUNT(*) AND COUNT(DISTINCT ordinal) = COUNT(*))
		ORDER BY owner_id ASC, entry_date ASC
	`, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ordinal violations: %w", err)
	}
	defer rows.Close()

	items := make([]GroupCheck, 0)
	for rows.Next() {
		var item GroupCheck
		if err := rows.Scan(&item.OwnerID, &item.EntryDate, &item.Count, &item.MinOrdinal, &item.MaxOrdinal, &item.DistinctOrdinals); err != nil {
			return nil, fmt.Errorf("scan ordinal violation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ordinal violations: %w", err)
	}
	return items, nil
}

func (t *sqliteTx) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT owner_id), COUNT(DISTINCT entry_date) FROM entries
	`).Scan(&stats.Entries, &stats.Owners, &stats.DistinctDates)
	if err != nil {
		return Stats{}, fmt.Errorf("store stats: %w", err)
	}
	return stats, nil
}

func sqliteWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrOrdinalConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}
