package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/config"
)

// DBTX is satisfied by both *sqlx.DB and *sqlx.Tx so repositories and the
// notify bridge can run inside or outside a transaction.
type DBTX interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var _ DBTX = (*sqlx.DB)(nil)
var _ DBTX = (*sqlx.Tx)(nil)

type DB struct {
	*sqlx.DB
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// PoolFor sizes the pool for a dispatcher that persists up to concurrency
// notifications at once. The remaining connections serve inbox requests,
// the scheduled jobs and the notify bridge.
func PoolFor(concurrency int) PoolConfig {
	if concurrency < 1 {
		concurrency = 1
	}
	p := PoolConfig{
		MaxOpen:     config.DBMaxOpenConns,
		MaxIdle:     config.DBMaxIdleConns,
		MaxLifetime: config.DBConnMaxLifetime,
	}
	if need := concurrency + config.DBReservedConns; need > p.MaxOpen {
		p.MaxOpen = need
	}
	if concurrency > p.MaxIdle {
		p.MaxIdle = concurrency
	}
	return p
}

// Connect opens the pool and verifies it with a ping bounded by
// config.DBPingTimeout.
func Connect(ctx context.Context, databaseURL string, pool PoolConfig) (*DB, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	log.Debug().
		Int("max_open", pool.MaxOpen).
		Int("max_idle", pool.MaxIdle).
		Dur("max_lifetime", pool.MaxLifetime).
		Msg("database pool configured")

	return &DB{db}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

type TxFunc func(tx *sqlx.Tx) error

// WithTx runs fn in a transaction, rolling back when fn fails or panics.
func (db *DB) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
