// internal/database/retry.go
package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/settlement-backend/internal/apperr"
)

// Retrier re-runs storage work on transient failures with exponential backoff.
type Retrier struct {
	db       *gorm.DB
	attempts int
	backoff  time.Duration
}

func NewRetrier(db *gorm.DB, attempts int, backoff time.Duration) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{db: db, attempts: attempts, backoff: backoff}
}

func (r *Retrier) DB() *gorm.DB {
	return r.db
}

// Run executes op until it succeeds, fails permanently, or the attempts run out.
// Exhausted transient failures surface as apperr.ErrStorageUnavailable.
func (r *Retrier) Run(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	rt := retrier.New(retrier.ExponentialBackoff(r.attempts-1, r.backoff), transientClassifier{})

	err := rt.RunCtx(ctx, func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err != nil && IsTransient(err) {
			logrus.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("Transient storage error")
		}
		return err
	})
	if err == nil {
		return nil
	}

	if IsTransient(err) {
		return fmt.Errorf("%w: %w", apperr.ErrStorageUnavailable, err)
	}
	return err
}

// Transaction runs fn inside one database transaction, retrying the whole transaction.
func (r *Retrier) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.Run(ctx, func(ctx context.Context) error {
		return WithTransaction(r.db.WithContext(ctx), fn)
	})
}

type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	if IsTransient(err) {
		return retrier.Retry
	}
	return retrier.Fail
}

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := apperr.As(err); ok {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLState(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientSQLState(string(pqErr.Code))
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	}

	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"57P01": // admin_shutdown
		return true
	}
	return false
}
