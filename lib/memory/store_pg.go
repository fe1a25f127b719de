package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at);`

// pgStore keeps records in Postgres through a pgx connection pool.
type pgStore struct {
	pool *pgxpool.Pool
}

func openPostgresStore(ctx context.Context, dsn string) (*pgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Insert(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, user_id, text, created_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.UserID, r.Text, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *pgStore) List(ctx context.Context, userID string) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, user_id, text, created_at FROM memories WHERE user_id = $1 ORDER BY created_at, id`,
		userID)
}

func (s *pgStore) All(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT id, user_id, text, created_at FROM memories ORDER BY created_at, id`)
}

func (s *pgStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *pgStore) Backend() string {
	return BackendPostgres
}

// Dispose closes every pooled connection. Calling it twice is an error.
func (s *pgStore) Dispose() error {
	if s.pool == nil {
		return errors.New("postgres engine already disposed")
	}
	s.pool.Close()
	s.pool = nil
	return nil
}
