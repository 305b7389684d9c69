package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// withRetry runs fn, retrying with linear backoff up to s.retries times
// while it fails with a storage-level error. Errors that are not already
// AppErrors are wrapped as storage errors.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if werr := sleep(ctx, time.Duration(attempt)*s.retryDelay); werr != nil {
				return apperrors.Storage(op, werr)
			}
			slog.Warn("storage error, retrying", "op", op, "attempt", attempt, "busy", isBusy(err), "error", err)
		}
		err = fn()
		if !retryable(ctx, err) {
			break
		}
	}
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) || errors.Is(err, ErrStatusChanged) {
		return err
	}
	return apperrors.Storage(op, err)
}

// retryable reports whether another attempt could succeed. Domain errors,
// missing rows, constraint violations and cancellation never change on retry.
func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr),
		errors.Is(err, ErrStatusChanged),
		errors.Is(err, sql.ErrNoRows),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return primaryCode(err) != sqlite3.SQLITE_CONSTRAINT
}

func isBusy(err error) bool {
	switch primaryCode(err) {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// primaryCode returns the SQLite result code with extended bits stripped,
// or -1 when err does not come from the driver.
func primaryCode(err error) int {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return -1
	}
	return serr.Code() & 0xff
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
