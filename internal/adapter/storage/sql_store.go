package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/printshop/internal/adapter/storage/migrations"
	"github.com/rl1809/printshop/internal/core/domain"
)

type dialect struct {
	name       string
	driverName string

	migrationsTable string
	creditUpsert    string
	registerUpsert  string
}

var dialects = map[string]dialect{
	"mysql": {
		name:            "mysql",
		driverName:      "mysql",
		migrationsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) PRIMARY KEY, applied_at DATETIME(6) NOT NULL)`,
		creditUpsert: `
			INSERT INTO stock_entities (id, kind, on_hand, reserved, minimum_threshold, version, created_at, updated_at)
			VALUES (?, ?, ?, 0, 0, 1, ?, ?)
			ON DUPLICATE KEY UPDATE on_hand = on_hand + VALUES(on_hand), version = version + 1, updated_at = VALUES(updated_at)`,
		registerUpsert: `
			INSERT INTO stock_entities (id, kind, on_hand, reserved, minimum_threshold, version, created_at, updated_at)
			VALUES (?, ?, 0, 0, ?, 1, ?, ?)
			ON DUPLICATE KEY UPDATE kind = VALUES(kind), minimum_threshold = VALUES(minimum_threshold),
				version = version + 1, updated_at = VALUES(updated_at)`,
	},
	"postgres": {
		name:            "postgres",
		driverName:      "pgx",
		migrationsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`,
		creditUpsert: `
			INSERT INTO stock_entities (id, kind, on_hand, reserved, minimum_threshold, version, created_at, updated_at)
			VALUES (?, ?, ?, 0, 0, 1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET on_hand = stock_entities.on_hand + EXCLUDED.on_hand,
				version = stock_entities.version + 1, updated_at = EXCLUDED.updated_at`,
		registerUpsert: `
			INSERT INTO stock_entities (id, kind, on_hand, reserved, minimum_threshold, version, created_at, updated_at)
			VALUES (?, ?, 0, 0, ?, 1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, minimum_threshold = EXCLUDED.minimum_threshold,
				version = stock_entities.version + 1, updated_at = EXCLUDED.updated_at`,
	},
}

// SQLStore implements the ledger, order repository and production queue
// on MySQL or PostgreSQL. Queries are written with ? placeholders and
// rebound for the driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

func NewSQLStore(db *sqlx.DB, driver string, now func() time.Time) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if now == nil {
		now = time.Now
	}
	return &SQLStore{db: db, dialect: d, now: func() time.Time { return now().UTC() }}, nil
}

// OpenSQLStore connects to dsn and applies pending migrations.
func OpenSQLStore(ctx context.Context, driver, dsn string, maxOpenConns int) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewSQLStore(db, driver, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := listMigrationFiles(migrations.Files, s.dialect.name)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied int
		err := s.db.GetContext(ctx, &applied, s.db.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), file)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) applyMigration(ctx context.Context, file string) error {
	body, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		// the mysql driver runs one statement per Exec
		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", file, err)
			}
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), file, s.now())
		if err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		return nil
	})
}

func listMigrationFiles(migFS fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(migFS, dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, dir+"/"+e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// notFound maps sql.ErrNoRows onto the domain sentinel.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("query %s %s: %w", what, id, err)
}
