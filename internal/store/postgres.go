package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore implements Store on top of a Postgres database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.runTx(ctx, nil, fn)
}

func (s *PostgresStore) InReadTx(ctx context.Context, fn func(tx Tx) error) error {
	// Repeatable read keeps a count and the fetch it paginates on the same
	// snapshot.
	return s.runTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *PostgresStore) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, opts)
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
	err = fn(&pgTx{tx: tx})
	return err
}

type pgTx struct {
	tx *sql.Tx
}

const pgEntryColumns = `id, owner_id, diary_id, entry_date::text, ordinal, content, tags::text, visibility, created_at`

// pgWhere compiles the filter into a WHERE fragment, appending bind values
// to args. Every filtered query in this backend goes through here.
func pgWhere(f Filter, args *[]any) string {
	var clauses []string
	bind := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id = "+bind(f.OwnerID))
	}
	if f.DiaryID != "" {
		clauses = append(clauses, "diary_id = "+bind(f.DiaryID))
	}
	if f.Date != "" {
		clauses = append(clauses, "entry_date = "+bind(f.Date)+"::date")
	}
	if f.Visibility != "" {
		clauses = append(clauses, "visibility = "+bind(f.Visibility))
	}
	if f.Search != "" {
		// The LIKE pattern is escaped so % and _ in the term match literally,
		// same as Filter.Matches; the tag comparison is plain equality.
		p := bind(escapeLike(f.Search))
		tag := bind(f.Search)
		clauses = append(clauses, `(content ILIKE '%' || `+p+` || '%' ESCAPE '\' OR jsonb_exists(tags, `+tag+`))`)
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "jsonb_exists(tags, "+bind(tag)+")")
	}
	if len(clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(clauses, " AND ")
}

func (t *pgTx) CountEntries(ctx context.Context, f Filter) (int, error) {
	var args []any
	where := pgWhere(f, &args)
	var count int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

func (t *pgTx) ListEntries(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	var args []any
	where := pgWhere(f, &args)
	query := fmt.Sprintf(
		`SELECT %s FROM entries WHERE %s ORDER BY entry_date DESC, ordinal ASC LIMIT $%d OFFSET $%d`,
		pgEntryColumns, where, len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	rows, err := t.tx.QueryContext(ctx, query, args...)
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

func (t *pgTx) RankBefore(ctx context.Context, f Filter, date string, ordinal int) (int, error) {
	var args []any
	where := pgWhere(f, &args)
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM entries WHERE %s AND (entry_date > $%d::date OR (entry_date = $%d::date AND ordinal < $%d))`,
		where, len(args)+1, len(args)+2, len(args)+3,
	)
	args = append(args, date, date, ordinal)

	var rank int
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&rank); err != nil {
		return 0, fmt.Errorf("rank before: %w", err)
	}
	return rank, nil
}

func (t *pgTx) MinDate(ctx context.Context, f Filter, from, until string) (string, error) {
	var args []any
	where := pgWhere(f, &args)
	if from != "" {
		args = append(args, from)
		where += fmt.Sprintf(" AND entry_date >= $%d::date", len(args))
	}
	if until != "" {
		args = append(args, until)
		where += fmt.Sprintf(" AND entry_date < $%d::date", len(args))
	}

	var min sql.NullString
	err := t.tx.QueryRowContext(ctx, `SELECT MIN(entry_date::text) FROM entries WHERE `+where, args...).Scan(&min)
	if err != nil {
		return "", fmt.Errorf("min entry date: %w", err)
	}
	return min.String, nil
}

func (t *pgTx) DistinctTags(ctx context.Context, ownerID, diaryID string) ([]string, error) {
	query := `
		SELECT DISTINCT t.tag
		FROM entries CROSS JOIN LATERAL jsonb_array_elements_text(tags) AS t(tag)
		WHERE owner_id = $1
	`
	args := []any{ownerID}
	if diaryID != "" {
		query += ` AND diary_id = $2`
		args = append(args, diaryID)
	}
	query += ` ORDER BY 1 ASC`

	return t.stringList(ctx, "distinct tags", query, args...)
}

func (t *pgTx) DistinctDates(ctx context.Context, ownerID, diaryID string) ([]string, error) {
	query := `SELECT DISTINCT entry_date::text FROM entries WHERE owner_id = $1`
	args := []any{ownerID}
	if diaryID != "" {
		query += ` AND diary_id = $2`
		args = append(args, diaryID)
	}
	query += ` ORDER BY 1 DESC`

	return t.stringList(ctx, "distinct dates", query, args...)
}

func (t *pgTx) stringList(ctx context.Context, op, query string, args ...any) ([]string, error) {
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

func (t *pgTx) GetEntry(ctx context.Context, ownerID, id string) (Entry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+pgEntryColumns+` FROM entries WHERE owner_id = $1 AND id = $2`, ownerID, id)
	item, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return item, nil
}

func (t *pgTx) GetEntryByDateOrdinal(ctx context.Context, ownerID, date string, ordinal int) (Entry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+pgEntryColumns+` FROM entries WHERE owner_id = $1 AND entry_date = $2::date AND ordinal = $3`,
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

func (t *pgTx) GroupSize(ctx context.Context, ownerID, date string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE owner_id = $1 AND entry_date = $2::date`, ownerID, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("group size: %w", err)
	}
	return count, nil
}

func (t *pgTx) GroupEntries(ctx context.Context, ownerID, date string) ([]Entry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+pgEntryColumns+` FROM entries WHERE owner_id = $1 AND entry_date = $2::date ORDER BY ordinal ASC`,
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

func (t *pgTx) InsertEntry(ctx context.Context, e Entry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entries (id, owner_id, diary_id, entry_date, ordinal, content, tags, visibility, created_at)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7::jsonb, $8, $9)
	`, e.ID, e.OwnerID, e.DiaryID, e.EntryDate, e.Ordinal, e.Content, tags, e.Visibility, e.CreatedAt)
	return pgWriteErr("insert entry", err)
}

func (t *pgTx) UpdateEntry(ctx context.Context, e Entry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE entries
		SET content = $3, tags = $4::jsonb, visibility = $5, entry_date = $6::date, ordinal = $7
		WHERE owner_id = $1 AND id = $2
	`, e.OwnerID, e.ID, e.Content, tags, e.Visibility, e.EntryDate, e.Ordinal)
	if err := pgWriteErr("update entry", err); err != nil {
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

func (t *pgTx) UpdateEntryFields(ctx context.Context, e Entry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE entries
		SET content = $3, tags = $4::jsonb, visibility = $5
		WHERE owner_id = $1 AND id = $2
	`, e.OwnerID, e.ID, e.Content, tags, e.Visibility)
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

func (t *pgTx) SetOrdinal(ctx context.Context, id string, ordinal int) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE entries SET ordinal = $2 WHERE id = $1`, id, ordinal)
	if err := pgWriteErr("set ordinal", err); err != nil {
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

func (t *pgTx) DeleteEntry(ctx context.Context, ownerID, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM entries WHERE owner_id = $1 AND id = $2`, ownerID, id)
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

func (t *pgTx) DeleteEntries(ctx context.Context, f Filter) (int, error) {
	var args []any
	where := pgWhere(f, &args)
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

func (t *pgTx) InsertAttachment(ctx context.Context, a Attachment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entry_attachments (id, entry_id, owner_id, object_key, file_name, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.EntryID, a.OwnerID, a.ObjectKey, a.FileName, a.ContentType, a.SizeBytes, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (t *pgTx) GetAttachment(ctx context.Context, ownerID, id string) (Attachment, error) {
	var item Attachment
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, entry_id, owner_id, object_key, file_name, content_type, size_bytes, created_at
		FROM entry_attachments
		WHERE owner_id = $1 AND id = $2
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

func (t *pgTx) ListAttachments(ctx context.Context, ownerID, entryID string) ([]Attachment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, entry_id, owner_id, object_key, file_name, content_type, size_bytes, created_at
		FROM entry_attachments
		WHERE owner_id = $1 AND entry_id = $2
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

func (t *pgTx) DeleteAttachment(ctx context.Context, ownerID, id string) error {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM entry_attachments WHERE owner_id = $1 AND id = $2`, ownerID, id)
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

func (t *pgTx) OrdinalViolations(ctx context.Context, ownerID string) ([]GroupCheck, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT owner_id, entry_date::text, COUNT(*)::int, MIN(ordinal), MAX(ordinal), COUNT(DISTINCT ordinal)::int
		FROM entries
		WHERE ($1 = '' OR owner_id = $1)
		GROUP BY owner_id, entry_date
		HAVING NOT (MIN(ordinal) = 1 AND MAX(ordinal) = COUNT(*) AND COUNT(DISTINCT ordinal) = COUNT(*))
		ORDER BY owner_id ASC, entry_date ASC
	`, ownerID)
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

func (t *pgTx) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int, COUNT(DISTINCT owner_id)::int, COUNT(DISTINCT entry_date)::int FROM entries
	`).Scan(&stats.Entries, &stats.Owners, &stats.DistinctDates)
	if err != nil {
		return Stats{}, fmt.Errorf("store stats: %w", err)
	}
	return stats, nil
}

func pgWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrOrdinalConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

// scanEntry decodes one entry row. Both backends select the same column
// order: id, owner, diary, date text, ordinal, content, tags json,
// visibility, created_at.
func scanEntry(scan func(dest ...any) error) (Entry, error) {
	var e Entry
	var tagsRaw []byte
	if err := scan(&e.ID, &e.OwnerID, &e.DiaryID, &e.EntryDate, &e.Ordinal, &e.Content, &tagsRaw, &e.Visibility, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(tagsRaw, &e.Tags); err != nil {
		return Entry{}, fmt.Errorf("decode tags: %w", err)
	}
	return e, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(encoded), nil
}
