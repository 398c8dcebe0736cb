package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/shareq/internal/share"
)

// Fixed-width UTC layout so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const itemColumns = `id, kind, title, text, url, payload_ref, metadata, captured_at, origin,
	status, attempt_count, last_attempt_at, next_attempt_at, last_error_kind, last_error_message,
	enqueued_at, updated_at, completed_at`

// Enqueue durably appends c as a pending item. When the queue already holds
// maxSize items the oldest completed items are evicted to make room; if that
// is not enough the call fails with *CapacityError and nothing changes.
// maxSize <= 0 disables the bound.
func (s *Store) Enqueue(ctx context.Context, c share.Content, maxSize int) (string, error) {
	if c.ID == "" {
		return "", fmt.Errorf("enqueue: content has no id")
	}
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var issued int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM issued_ids WHERE id = ?`, c.ID).Scan(&issued); err != nil {
		return "", fmt.Errorf("checking issued ids: %w", err)
	}
	if issued > 0 {
		return "", fmt.Errorf("enqueue %s: %w", c.ID, ErrDuplicateID)
	}

	if maxSize > 0 {
		var live int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&live); err != nil {
			return "", fmt.Errorf("counting queue items: %w", err)
		}
		if excess := live + 1 - maxSize; excess > 0 {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM queue_items WHERE id IN (
					SELECT id FROM queue_items WHERE status = 'completed'
					ORDER BY completed_at ASC, id ASC LIMIT ?)`, excess)
			if err != nil {
				return "", fmt.Errorf("evicting completed items: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return "", fmt.Errorf("checking evicted rows: %w", err)
			}
			if int(n) < excess {
				return "", &CapacityError{Max: maxSize}
			}
		}
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `INSERT INTO issued_ids (id, issued_at) VALUES (?, ?)`, c.ID, now); err != nil {
		return "", fmt.Errorf("recording issued id: %w", err)
	}

	origin := c.Origin
	if origin == "" {
		origin = share.OriginManual
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_items (id, kind, title, text, url, payload_ref, metadata, captured_at, origin,
			status, attempt_count, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		c.ID, string(c.Kind), c.Title, c.Text, c.URL, c.PayloadRef, metadata,
		formatTime(c.CapturedAt), string(origin), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing enqueue: %w", err)
	}
	return c.ID, nil
}

// LoadAll is called once at startup. Items left syncing by a dead process are
// reset to pending before the full queue is returned in capture order.
func (s *Store) LoadAll(ctx context.Context) ([]QueueItem, error) {
	if _, err := s.ResetSyncing(ctx); err != nil {
		return nil, err
	}
	return s.List(ctx, ListFilter{})
}

// ResetSyncing moves every syncing item back to pending and returns how many
// were reset.
func (s *Store) ResetSyncing(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', updated_at = ? WHERE status = 'syncing'`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("resetting syncing items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking reset rows: %w", err)
	}
	return int(n), nil
}

// Get returns the item with the given id.
func (s *Store) Get(ctx context.Context, id string) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, err
	}
	return item, nil
}

// Update replaces the stored item with the same id.
func (s *Store) Update(ctx context.Context, item QueueItem) error {
	if !item.Status.Valid() {
		return fmt.Errorf("update %s: invalid status %q", item.ID(), item.Status)
	}
	metadata, err := encodeMetadata(item.Content.Metadata)
	if err != nil {
		return err
	}

	var errKind, errMsg sql.NullString
	if item.LastError != nil {
		errKind = sql.NullString{String: item.LastError.Kind, Valid: true}
		errMsg = sql.NullString{String: item.LastError.Message, Valid: true}
	}

	c := item.Content
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET
			kind = ?, title = ?, text = ?, url = ?, payload_ref = ?, metadata = ?, captured_at = ?, origin = ?,
			status = ?, attempt_count = ?, last_attempt_at = ?, next_attempt_at = ?,
			last_error_kind = ?, last_error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(c.Kind), c.Title, c.Text, c.URL, c.PayloadRef, metadata, formatTime(c.CapturedAt), string(c.Origin),
		string(item.Status), item.AttemptCount, nullTime(item.LastAttemptAt), nullTime(item.NextAttemptAt),
		errKind, errMsg, formatTime(time.Now()), nullTime(item.CompletedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating item %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Eligible returns pending items whose backoff has elapsed, oldest capture first.
func (s *Store) Eligible(ctx context.Context, now time.Time) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY captured_at ASC, id ASC`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying eligible items: %w", err)
	}
	return collectItems(rows)
}

// List returns items in capture order.
func (s *Store) List(ctx context.Context, f ListFilter) ([]QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY captured_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return collectItems(rows)
}

// EvictCompleted deletes completed items that finished more than retention
// before now. Issued ids are kept.
func (s *Store) EvictCompleted(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	cutoff := formatTime(now.Add(-retention))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status = 'completed' AND completed_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evicting completed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking evicted rows: %w", err)
	}
	return int(n), nil
}

// Stats counts items by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.Total += n
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusSyncing:
			st.Syncing = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (QueueItem, error) {
	var (
		item                                  QueueItem
		kind, metadata, capturedAt, origin    string
		status, enqueuedAt, updatedAt         string
		lastAttempt, nextAttempt, completedAt sql.NullString
		errKind, errMsg                       sql.NullString
	)
	c := &item.Content
	err := r.Scan(&c.ID, &kind, &c.Title, &c.Text, &c.URL, &c.PayloadRef, &metadata, &capturedAt, &origin,
		&status, &item.AttemptCount, &lastAttempt, &nextAttempt, &errKind, &errMsg,
		&enqueuedAt, &updatedAt, &completedAt)
	if err != nil {
		return QueueItem{}, err
	}

	c.Kind = share.Kind(kind)
	c.Origin = share.Origin(origin)
	item.Status = Status(status)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return QueueItem{}, fmt.Errorf("parsing metadata for %s: %w", c.ID, err)
		}
	}
	if errKind.Valid {
		item.LastError = &ItemError{Kind: errKind.String, Message: errMsg.String}
	}

	if c.CapturedAt, err = parseTime(capturedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing captured_at for %s: %w", c.ID, err)
	}
	if item.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing enqueued_at for %s: %w", c.ID, err)
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing updated_at for %s: %w", c.ID, err)
	}
	if item.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing last_attempt_at for %s: %w", c.ID, err)
	}
	if item.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing next_attempt_at for %s: %w", c.ID, err)
	}
	if item.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing completed_at for %s: %w", c.ID, err)
	}
	return item, nil
}

func collectItems(rows *sql.Rows) ([]QueueItem, error) {
	defer rows.Close()
	var items []QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
