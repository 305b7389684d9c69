package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
)

// Default storage retry policy for SQLITE_BUSY.
const (
	DefaultRetries    = 3
	DefaultRetryDelay = 25 * time.Millisecond
)

// ErrStatusChanged is returned by UpdateStatus when the row exists but is no
// longer in the expected status.
var ErrStatusChanged = errors.New("queue item status changed concurrently")

const itemColumns = `id, type, action, entity_key, payload, priority, attempts, max_attempts,
	conflict_attempts, next_retry, status, last_error, last_error_kind, edited_at, created_at, updated_at`

const readyOrder = `ORDER BY priority ASC, created_at ASC, seq ASC`

// headOfKey holds for a pending row only when no older pending row targets
// the same entity key, so a key's edits leave the queue in enqueue order even
// while the oldest one waits out its backoff.
const headOfKey = `NOT EXISTS (
	SELECT 1 FROM queue_items o
	WHERE o.entity_key = queue_items.entity_key AND o.status = 'pending'
	AND (o.created_at < queue_items.created_at
		OR (o.created_at = queue_items.created_at AND o.seq < queue_items.seq)))`

// Store persists queue items, the entity cache, the conflict window and the
// audit trail. Every write is one statement or one transaction.
type Store struct {
	db         *sql.DB
	retries    int
	retryDelay time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetries sets how often a busy write is retried and the base delay.
func WithRetries(n int, delay time.Duration) StoreOption {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// NewStore creates a Store over an open, migrated database.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, retries: DefaultRetries, retryDelay: DefaultRetryDelay}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Filter narrows List and Count.
type Filter struct {
	Status models.ItemStatus
	Type   models.ItemType
	Limit  int
}

// StatusCounts holds item counts per status.
type StatusCounts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Done     int `json:"done"`
}

// Total returns the number of items across all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.InFlight + c.Failed + c.Done
}

// Fields is a partial update applied by UpdateStatus. Nil fields are left
// unchanged. A non-empty From makes the update conditional on the current status.
type Fields struct {
	From             models.ItemStatus
	Attempts         *int
	ConflictAttempts *int
	NextRetry        *time.Time
	LastError        *string
	LastErrorKind    *string
	UpdatedAt        time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Put inserts item or replaces the row with the same id.
func (s *Store) Put(ctx context.Context, item *models.QueueItem) error {
	return s.withRetry(ctx, "put queue item", func() error {
		return insertItem(ctx, s.db, item)
	})
}

// Get returns the item with id.
func (s *Store) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	var item *models.QueueItem
	err := s.withRetry(ctx, "get queue item", func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
		var err error
		item, err = scanItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("queue item", id)
		}
		return err
	})
	return item, err
}

// GetReady returns up to limit pending items due at now, in priority then FIFO order.
func (s *Store) GetReady(ctx context.Context, limit int, now time.Time) ([]*models.QueueItem, error) {
	var items []*models.QueueItem
	err := s.withRetry(ctx, "get ready items", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM queue_items
			WHERE status = 'pending' AND next_retry <= ? `+readyOrder+` LIMIT ?`,
			toUnix(now), limit)
		if err != nil {
			return err
		}
		items, err = scanItems(rows)
		return err
	})
	return items, err
}

// List returns items matching filter in claim order.
func (s *Store) List(ctx context.Context, filter Filter) ([]*models.QueueItem, error) {
	where, args := filter.where()
	query := `SELECT ` + itemColumns + ` FROM queue_items` + where + ` ` + readyOrder
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var items []*models.QueueItem
	err := s.withRetry(ctx, "list queue items", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		items, err = scanItems(rows)
		return err
	})
	return items, err
}

// Count returns item counts per status, optionally restricted to a type.
func (s *Store) Count(ctx context.Context, filter Filter) (StatusCounts, error) {
	filter.Status = ""
	where, args := filter.where()

	var counts StatusCounts
	err := s.withRetry(ctx, "count queue items", func() error {
		counts = StatusCounts{}
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items`+where+` GROUP BY status`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			switch models.ItemStatus(status) {
			case models.StatusPending:
				counts.Pending = n
			case models.StatusInFlight:
				counts.InFlight = n
			case models.StatusFailed:
				counts.Failed = n
			case models.StatusDone:
				counts.Done = n
			}
		}
		return rows.Err()
	})
	return counts, err
}

// Remove deletes the item. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.withRetry(ctx, "remove queue item", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
		return err
	})
}

// UpdateStatus sets the status of id and applies the non-nil fields.
// It returns a NOT_FOUND error for an unknown id and ErrStatusChanged when
// fields.From is set and does not match.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.ItemStatus, fields Fields) error {
	updatedAt := fields.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), toUnix(updatedAt)}
	if fields.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *fields.Attempts)
	}
	if fields.ConflictAttempts != nil {
		sets = append(sets, "conflict_attempts = ?")
		args = append(args, *fields.ConflictAttempts)
	}
	if fields.NextRetry != nil {
		sets = append(sets, "next_retry = ?")
		args = append(args, toUnix(*fields.NextRetry))
	}
	if fields.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *fields.LastError)
	}
	if fields.LastErrorKind != nil {
		sets = append(sets, "last_error_kind = ?")
		args = append(args, *fields.LastErrorKind)
	}

	query := `UPDATE queue_items SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if fields.From != "" {
		query += ` AND status = ?`
		args = append(args, string(fields.From))
	}

	return s.withRetry(ctx, "update queue item status", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var exists int
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return apperrors.NotFound("queue item", id)
		}
		return ErrStatusChanged
	})
}

// Claim atomically flips up to limit ready items to in_flight and returns
// them. Items whose entity key is already in flight are skipped, as are
// items with an older pending row for the same key, due or not. Each flip is a
// test-and-set on status = 'pending', so concurrent callers never receive
// the same item.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time) ([]*models.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*models.QueueItem
	err := s.withRetry(ctx, "claim queue items", func() error {
		claimed = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM queue_items
			WHERE status = 'pending' AND next_retry <= ?
			AND entity_key NOT IN (SELECT entity_key FROM queue_items WHERE status = 'in_flight')
			AND `+headOfKey+`
			`+readyOrder,
			toUnix(now))
		if err != nil {
			return err
		}

		var candidates []*models.QueueItem
		seen := make(map[string]bool)
		for rows.Next() && len(candidates) < limit {
			item, err := scanItem(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if seen[item.EntityKey] {
				continue
			}
			seen[item.EntityKey] = true
			candidates = append(candidates, item)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, item := range candidates {
			res, err := tx.ExecContext(ctx,
				`UPDATE queue_items SET status = 'in_flight', updated_at = ? WHERE id = ? AND status = 'pending'`,
				toUnix(now), item.ID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 1 {
				item.Status = models.StatusInFlight
				item.UpdatedAt = now
				claimed = append(claimed, item)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseInFlight returns in-flight items to pending without touching their
// attempts. With no ids every in-flight item is released.
func (s *Store) ReleaseInFlight(ctx context.Context, now time.Time, ids ...string) (int64, error) {
	query := `UPDATE queue_items SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`
	args := []any{toUnix(now)}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	var released int64
	err := s.withRetry(ctx, "release in-flight items", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		released, err = res.RowsAffected()
		return err
	})
	return released, err
}

// FindPendingByKey returns the oldest pending item targeting entityKey.
func (s *Store) FindPendingByKey(ctx context.Context, entityKey string) (*models.QueueItem, error) {
	var item *models.QueueItem
	err := s.withRetry(ctx, "find pending item", func() error {
		var err error
		item, err = findPendingByKey(ctx, s.db.QueryRowContext, entityKey)
		return err
	})
	return item, err
}

// Supersede inserts next, first deleting the pending item that targets the
// same entity key, if any. merge is called with the replaced item before
// next is written so the caller can carry fields over. It returns the
// replaced item, or nil when nothing was pending for the key.
func (s *Store) Supersede(ctx context.Context, next *models.QueueItem, merge func(old, next *models.QueueItem)) (*models.QueueItem, error) {
	var replaced *models.QueueItem
	err := s.withRetry(ctx, "supersede queue item", func() error {
		replaced = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		old, err := findPendingByKey(ctx, tx.QueryRowContext, next.EntityKey)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
		case err != nil:
			return err
		default:
			if merge != nil {
				merge(old, next)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, old.ID); err != nil {
				return err
			}
			replaced = old
		}

		if err := insertItem(ctx, tx, next); err != nil {
			return err
		}
		return tx.Commit()
	})
	return replaced, err
}

// Finish deletes the item and appends the audit entry built from it, in one
// transaction. keep bounds the audit trail; zero disables it. It reports
// whether an item was removed; finishing an unknown id is a no-op.
func (s *Store) Finish(ctx context.Context, id string, keep int, audit func(*models.QueueItem) models.AuditEntry) (bool, error) {
	var removed bool
	err := s.withRetry(ctx, "finish queue item", func() error {
		removed = false

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
			return err
		}
		if audit != nil {
			if err := appendAudit(ctx, tx, audit(item), keep); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// NextRetry returns the earliest next_retry among pending items that head
// their entity key.
func (s *Store) NextRetry(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.withRetry(ctx, "next retry", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT MIN(next_retry) FROM queue_items WHERE status = 'pending' AND `+headOfKey).Scan(&next)
	})
	if err != nil || !next.Valid {
		return time.Time{}, false, err
	}
	return fromUnix(next.Int64), true, nil
}

func findPendingByKey(ctx context.Context, query func(context.Context, string, ...any) *sql.Row, entityKey string) (*models.QueueItem, error) {
	row := query(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE entity_key = ? AND status = 'pending'
		ORDER BY created_at ASC, seq ASC LIMIT 1`, entityKey)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("pending item for entity", entityKey)
	}
	return item, err
}

func insertItem(ctx context.Context, ex execer, item *models.QueueItem) error {
	if item.ID == "" {
		return apperrors.Validation("queue item id is required", nil)
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO queue_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			action = excluded.action,
			entity_key = excluded.entity_key,
			payload = excluded.payload,
			priority = excluded.priority,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			conflict_attempts = excluded.conflict_attempts,
			next_retry = excluded.next_retry,
			status = excluded.status,
			last_error = excluded.last_error,
			last_error_kind = excluded.last_error_kind,
			edited_at = excluded.edited_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		item.ID, string(item.Type), string(item.Action), item.EntityKey, []byte(item.Payload),
		item.Priority, item.Attempts, item.MaxAttempts, item.ConflictAttempts,
		toUnix(item.NextRetry), string(item.Status), item.LastError, item.LastErrorKind,
		toUnix(item.EditedAt), toUnix(item.CreatedAt), toUnix(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queue item %s: %w", item.ID, err)
	}
	return nil
}

func scanItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item                                    models.QueueItem
		typ, action, status                     string
		payload                                 []byte
		nextRetry, editedAt, createdAt, updated int64
	)
	err := row.Scan(&item.ID, &typ, &action, &item.EntityKey, &payload, &item.Priority,
		&item.Attempts, &item.MaxAttempts, &item.ConflictAttempts, &nextRetry, &status,
		&item.LastError, &item.LastErrorKind, &editedAt, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	item.Type = models.ItemType(typ)
	item.Action = models.Action(action)
	item.Status = models.ItemStatus(status)
	item.Payload = payload
	item.NextRetry = fromUnix(nextRetry)
	item.EditedAt = fromUnix(editedAt)
	item.CreatedAt = fromUnix(createdAt)
	item.UpdatedAt = fromUnix(updated)
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*models.QueueItem, error) {
	defer rows.Close()
	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Timestamps are stored as Unix nanoseconds; zero means unset.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
