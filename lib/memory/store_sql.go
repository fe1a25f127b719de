package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// sqlDialect holds the schema of a database/sql backend.
type sqlDialect struct {
	backend string
	schema  []string
}

var sqliteDialect = sqlDialect{
	backend: BackendSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at)`,
	},
}

var mysqlDialect = sqlDialect{
	backend: BackendMySQL,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_memories_user (user_id, created_at)
		)`,
	},
}

// sqlStore keeps records in SQLite or MySQL through database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func openSQLStore(ctx context.Context, driver, dsn string, dialect sqlDialect) (*sqlStore, error) {
	if dialect.backend == BackendSQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.backend, err)
	}
	if dialect.backend == BackendSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := &sqlStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dialect.backend, err)
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Insert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, text, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.UserID, r.Text, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, userID string) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, user_id, text, created_at FROM memories WHERE user_id = ? ORDER BY created_at, id`,
		userID)
}

func (s *sqlStore) All(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT id, user_id, text, created_at FROM memories ORDER BY created_at, id`)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Backend() string {
	return s.dialect.backend
}

// Close closes the underlying database.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
