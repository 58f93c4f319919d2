package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"deepagent/internal/apperr"
)

// withRetry runs fn, repeating it while it fails with a transient storage
// error. Errors already classified by apperr pass through untouched; any
// other failure surfaces as StoreUnavailable.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		if !isTransient(err) || attempt >= s.busyRetries {
			break
		}
		backoff := s.busyBase << attempt
		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		s.log.Debug("store busy, retrying", "op", op, "attempt", attempt+1, "err", err)
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperr.Unavailable(op, ctx.Err())
		case <-timer.C:
		}
	}
	return apperr.Unavailable(op, err)
}

// isTransient reports lock contention and dropped connections.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_LOCK_WAIT_TIMEOUT, ER_LOCK_DEADLOCK
		return myErr.Number == 1205 || myErr.Number == 1213
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "sqlite_locked")
}
