package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresPoolConfig sizes the call record pool. Status callbacks and
// pipeline writes arrive in short bursts per call, so few connections suffice.
type PostgresPoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PostgresPoolConfig) withDefaults() PostgresPoolConfig {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 10
	}
	if out.MaxIdleConns <= 0 || out.MaxIdleConns > out.MaxOpenConns {
		out.MaxIdleConns = min(5, out.MaxOpenConns)
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// OpenPostgres opens a pooled handle through the pgx stdlib driver ("pgx").
// dsn must not be logged; it contains secrets.
func OpenPostgres(ctx context.Context, driverName, dsn string, pool PostgresPoolConfig) (*sql.DB, error) {
	pool = pool.withDefaults()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if _, err := HealthCheck(ctx, db, pool.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// PoolHealth is what /healthz reports about the call record database.
type PoolHealth struct {
	PingMillis int64 `json:"ping_ms"`
	Open       int   `json:"open"`
	InUse      int   `json:"in_use"`
	Idle       int   `json:"idle"`
	// WaitCount grows when webhooks queue for a connection.
	WaitCount int64 `json:"wait_count"`
}

// HealthCheck pings the DB within timeout and snapshots pool usage. The
// snapshot is filled in even when the ping fails.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) (PoolHealth, error) {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := db.PingContext(pingCtx)
	st := db.Stats()
	h := PoolHealth{
		PingMillis: time.Since(start).Milliseconds(),
		Open:       st.OpenConnections,
		InUse:      st.InUse,
		Idle:       st.Idle,
		WaitCount:  st.WaitCount,
	}
	if err != nil {
		return h, fmt.Errorf("db ping failed: %w", err)
	}
	return h, nil
}

// TxFunc is the unit of work executed inside a transaction. It may run more
// than once, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

const txAttempts = 3

// WithTx runs fn inside a transaction and commits it. Serialization failures
// and deadlocks between concurrent writes to one call record are retried a
// few times; any other error rolls back and is returned as is. A panic rolls
// back and is re-raised.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(20*time.Millisecond),
			backoff.WithMaxInterval(200*time.Millisecond),
		), txAttempts-1),
		ctx,
	)
	return backoff.Retry(func() error {
		err := runTx(ctx, db, opts, fn)
		if err != nil && !IsRetryableTxError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func runTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
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
	return fn(ctx, tx)
}

// IsRetryableTxError reports whether err is a Postgres serialization failure
// (40001) or deadlock (40P01).
func IsRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
