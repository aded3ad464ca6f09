package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Supported driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type Querier = sqlx.ExtContext

// PoolConfig tunes the connection pool for server drivers.
type PoolConfig struct {
	// MaxOpenConns limits open connections.
	MaxOpenConns int
	// MaxIdleConns limits idle connections.
	MaxIdleConns int
	// ConnMaxLifetime recycles connections.
	ConnMaxLifetime time.Duration
}

// DB is the shared governance store handle.
type DB struct {
	*sqlx.DB
}

// NormalizeDriver maps driver aliases to registered driver names.
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "pgx", "postgres", "postgresql":
		return DriverPostgres, nil
	case "sqlite", "sqlite3", "":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string, pool PoolConfig) (*DB, error) {
	name, err := NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn is empty")
	}

	conn, err := sqlx.ConnectContext(ctx, name, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}

	db := &DB{DB: conn}
	if name == DriverSQLite {
		// One writer; every statement shares the connection so pragmas stick.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		if err := db.applyPragmas(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	} else {
		if pool.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			conn.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.ConnMaxLifetime > 0 {
			conn.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
	}

	if err := db.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Migrate applies the embedded schema. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Now returns the current time in the precision both drivers round-trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func splitStatements(schema string) []string {
	var out []string
	for _, part := range strings.Split(schema, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
