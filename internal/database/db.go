package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL backend behind the shared repository code.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config selects the backend. A URL with a postgres:// or postgresql://
// prefix switches to PostgreSQL; otherwise Path names the SQLite file.
type Config struct {
	Path string
	URL  string
}

// DB wraps the sql connection with its dialect.
type DB struct {
	SQL     *sql.DB
	dialect Dialect
	logger  zerolog.Logger
}

// New opens the store and verifies connectivity.
func New(cfg Config, logger zerolog.Logger) (*DB, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	if strings.HasPrefix(cfg.URL, "postgres://") || strings.HasPrefix(cfg.URL, "postgresql://") {
		dialect = DialectPostgres
		db, err = sql.Open("pgx", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	} else {
		dialect = DialectSQLite
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serializes writers; one connection avoids lock churn.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info().Str("dialect", string(dialect)).Msg("database connected")

	return &DB{SQL: db, dialect: dialect, logger: logger}, nil
}

// Dialect returns the active backend.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.SQL.Close()
}

// HealthCheck pings the backend.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.SQL.PingContext(ctx)
}

// RunMigrations creates the schema. Statements are idempotent so the daemon
// can run them on every boot.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	for i, migration := range migrations(db.dialect) {
		if _, err := db.SQL.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}

func migrations(dialect Dialect) []string {
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		idCol = "id BIGSERIAL PRIMARY KEY"
	}
	realType := "REAL"
	if dialect == DialectPostgres {
		realType = "DOUBLE PRECISION"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			open_time BIGINT NOT NULL,
			open %[1]s NOT NULL,
			high %[1]s NOT NULL,
			low %[1]s NOT NULL,
			close %[1]s NOT NULL,
			volume %[1]s NOT NULL,
			close_time BIGINT NOT NULL,
			quote_volume %[1]s NOT NULL DEFAULT 0,
			trades BIGINT NOT NULL DEFAULT 0,
			taker_buy_base %[1]s NOT NULL DEFAULT 0,
			taker_buy_quote %[1]s NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, interval, open_time)
		)`, realType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			qty %[1]s NOT NULL,
			entry_price %[1]s NOT NULL,
			opened_at BIGINT NOT NULL,
			state TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, realType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trades (
			%s,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty %[2]s NOT NULL,
			price %[2]s NOT NULL,
			fee %[2]s NOT NULL DEFAULT 0,
			pnl %[2]s NOT NULL DEFAULT 0,
			state_from TEXT NOT NULL DEFAULT '',
			state_to TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL
		)`, idCol, realType),
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS logs (
			%s,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			ts BIGINT NOT NULL
		)`, idCol),
		`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts)`,
	}
}
