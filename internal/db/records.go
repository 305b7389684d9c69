package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/uuid"
)

// GetEntity returns the cached state of an entity.
func (s *Store) GetEntity(ctx context.Context, entityKey string) (*models.EntityState, error) {
	var state *models.EntityState
	err := s.withRetry(ctx, "get entity", func() error {
		var (
			st        models.EntityState
			data      []byte
			updatedAt int64
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT entity_key, version, data, updated_at FROM entity_cache WHERE entity_key = ?`, entityKey,
		).Scan(&st.EntityKey, &st.Version, &data, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("entity", entityKey)
		}
		if err != nil {
			return err
		}
		st.Data = data
		st.UpdatedAt = fromUnix(updatedAt)
		state = &st
		return nil
	})
	return state, err
}

// PutEntity writes the entity state, replacing any cached copy.
func (s *Store) PutEntity(ctx context.Context, state models.EntityState) error {
	return s.withRetry(ctx, "put entity", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO entity_cache (entity_key, version, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_key) DO UPDATE SET
				version = excluded.version,
				data = excluded.data,
				updated_at = excluded.updated_at`,
			state.EntityKey, state.Version, []byte(state.Data), toUnix(state.UpdatedAt))
		return err
	})
}

// DeleteEntity drops the cached copy of an entity.
func (s *Store) DeleteEntity(ctx context.Context, entityKey string) error {
	return s.withRetry(ctx, "delete entity", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM entity_cache WHERE entity_key = ?`, entityKey)
		return err
	})
}

// AppendConflict records a resolution and trims the log to the newest keep rows.
func (s *Store) AppendConflict(ctx context.Context, rec *models.ConflictRecord, keep int) error {
	if rec.ID == "" {
		rec.ID = uuid.New()
	}
	return s.withRetry(ctx, "append conflict", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO conflict_log (id, item_id, entity_id, local_version, remote_version,
				local_timestamp, remote_timestamp, strategy, winner, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ItemID, rec.EntityID, rec.LocalVersion, rec.RemoteVersion,
			toUnix(rec.LocalTimestamp), toUnix(rec.RemoteTimestamp), rec.Strategy, string(rec.Winner),
			toUnix(rec.ResolvedAt))
		if err != nil {
			return err
		}
		if err := trim(ctx, tx, "conflict_log", keep); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListConflicts returns up to limit conflict records, newest first.
func (s *Store) ListConflicts(ctx context.Context, limit int) ([]*models.ConflictRecord, error) {
	var records []*models.ConflictRecord
	err := s.withRetry(ctx, "list conflicts", func() error {
		records = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, item_id, entity_id, local_version, remote_version, local_timestamp,
				remote_timestamp, strategy, winner, resolved_at
			FROM conflict_log ORDER BY seq DESC LIMIT ?`, limitOrAll(limit))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				rec                      models.ConflictRecord
				winner                   string
				localTS, remoteTS, resAt int64
			)
			if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.EntityID, &rec.LocalVersion, &rec.RemoteVersion,
				&localTS, &remoteTS, &rec.Strategy, &winner, &resAt); err != nil {
				return err
			}
			rec.Winner = models.Side(winner)
			rec.LocalTimestamp = fromUnix(localTS)
			rec.RemoteTimestamp = fromUnix(remoteTS)
			rec.ResolvedAt = fromUnix(resAt)
			records = append(records, &rec)
		}
		return rows.Err()
	})
	return records, err
}

// AppendAudit records an audit entry and trims the trail to the newest keep rows.
func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry, keep int) error {
	return s.withRetry(ctx, "append audit", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := appendAudit(ctx, tx, entry, keep); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListAudit returns up to limit audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := s.withRetry(ctx, "list audit", func() error {
		entries = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT item_id, type, entity_key, action, attempts, outcome, remote_id, recorded_at
			FROM sync_audit ORDER BY seq DESC LIMIT ?`, limitOrAll(limit))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e                    models.AuditEntry
				typ, action, outcome string
				recordedAt           int64
			)
			if err := rows.Scan(&e.ItemID, &typ, &e.EntityKey, &action, &e.Attempts, &outcome, &e.RemoteID, &recordedAt); err != nil {
				return err
			}
			e.Type = models.ItemType(typ)
			e.Action = models.Action(action)
			e.Outcome = models.AuditOutcome(outcome)
			e.RecordedAt = fromUnix(recordedAt)
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

func appendAudit(ctx context.Context, tx *sql.Tx, e models.AuditEntry, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_audit (item_id, type, entity_key, action, attempts, outcome, remote_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ItemID, string(e.Type), e.EntityKey, string(e.Action), e.Attempts, string(e.Outcome), e.RemoteID,
		toUnix(e.RecordedAt))
	if err != nil {
		return err
	}
	return trim(ctx, tx, "sync_audit", keep)
}

// trim keeps the newest keep rows of a seq-ordered table.
func trim(ctx context.Context, tx *sql.Tx, table string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE seq NOT IN (SELECT seq FROM `+table+` ORDER BY seq DESC LIMIT ?)`, keep)
	return err
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
