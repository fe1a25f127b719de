package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/memkeep/memkeep/lib/errors"
	"github.com/memkeep/memkeep/lib/pool"
	"github.com/memkeep/memkeep/lib/resilience"
)

const (
	postgresSessionQuery = `SELECT count(*) FROM pg_stat_activity WHERE state = 'active' OR state = 'idle'`
	mysqlSessionQuery    = `SELECT COUNT(*) FROM information_schema.PROCESSLIST`
)

// NewSessionCounter returns a diagnostic counter of database sessions for
// the storage URL, or nil when the backend has no notion of sessions.
func NewSessionCounter(storageURL string) (pool.SessionCounter, error) {
	if storageURL == "" {
		return nil, nil
	}
	target, err := parseStorageURL(storageURL)
	if err != nil {
		return nil, err
	}

	breaker := resilience.NewBreaker("session-count", resilience.DefaultConfig())
	switch target.backend {
	case BackendPostgres:
		return &sessionCounter{breaker: breaker, query: postgresCount(target.dsn)}, nil
	case BackendMySQL:
		return &sessionCounter{breaker: breaker, query: mysqlCount(target.dsn)}, nil
	default:
		return nil, nil
	}
}

// sessionCounter runs a count query behind a circuit breaker so an
// unreachable database fails fast.
type sessionCounter struct {
	breaker *resilience.Breaker
	query   func(ctx context.Context) (int, error)
}

func (s *sessionCounter) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.query(ctx)
		return err
	})
	if err != nil {
		return -1, fmt.Errorf("%w: %v", apperrors.ErrDiagnosticQuery, err)
	}
	return n, nil
}

// postgresCount opens a dedicated connection so the count does not borrow
// from a client's pool.
func postgresCount(dsn string) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return 0, err
		}
		defer conn.Close(ctx)

		var n int
		if err := conn.QueryRow(ctx, postgresSessionQuery).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}
}

func mysqlCount(dsn string) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return 0, err
		}
		defer db.Close()

		var n int
		if err := db.QueryRowContext(ctx, mysqlSessionQuery).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}
}
