// Package database is the relational cache: computers mirrored from the
// directory, vendor warranty rows with a TTL, and the sync audit log.
// Writes against tables whose optional columns vary across deployments
// discover the live column set first and only touch the intersection.
package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const (
	connectAttempts       = 5
	connectInitialBackoff = 2 * time.Second
	connectMaxBackoff     = 30 * time.Second
)

type Database struct {
	pool *pgxpool.Pool
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	columns map[string]map[string]bool // table -> live column set
}

// Connect opens a pgx pool against dsn, retrying with backoff so the
// service survives a database that comes up after it does.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*Database, error) {
	var pool *pgxpool.Pool
	err := retry.Do(func() error {
		var err error
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			return err
		}
		return nil
	}, retry.Attempts(connectAttempts), retry.Delay(connectInitialBackoff), retry.MaxDelay(connectMaxBackoff), retry.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return NewDatabase(pool, log), nil
}

// NewDatabase wraps an existing pool.
func NewDatabase(pool *pgxpool.Pool, log *zap.Logger) *Database {
	return &Database{
		pool:    pool,
		log:     log,
		now:     time.Now,
		columns: make(map[string]map[string]bool),
	}
}

func (db *Database) Close() {
	db.pool.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// tableColumns returns the live column set for a table, discovered once
// per process and cached.
func (db *Database) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if cols, ok := db.columns[table]; ok {
		return cols, nil
	}

	rows, err := db.pool.Query(ctx, selectTableColumns, table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s columns: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("inspect %s columns: %w", table, err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inspect %s columns: %w", table, err)
	}

	db.columns[table] = cols
	return cols, nil
}

// writableColumns filters candidates down to the columns that exist,
// returning names and values in deterministic order.
func writableColumns(candidates map[string]any, existing map[string]bool) ([]string, []any) {
	names := make([]string, 0, len(candidates))
	for name := range candidates {
		if existing[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	values := make([]any, 0, len(names))
	for _, name := range names {
		values = append(values, candidates[name])
	}
	return names, values
}

// placeholders renders "$start, $start+1, ..." for n values.
func placeholders(start, n int) string {
	out := ""
	for i := range n {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("$%d", start+i)
	}
	return out
}

func rollbackOrCommit(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			*err = fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, *err)
		}
		return
	}
	if cmErr := tx.Commit(ctx); cmErr != nil {
		*err = fmt.Errorf("commit failed: %w", cmErr)
	}
}
