package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/memkeep/memkeep/lib/errors"
)

// DefaultSearchLimit is the number of results returned when a search does
// not ask for a specific count.
const DefaultSearchLimit = 3

// Client is a memory handle: one record store, one vector index and the
// embedder and extractor that feed them. It is created by the factory and
// owned by the pool.
type Client struct {
	records   recordStore
	vectors   vectorIndex
	embedder  *Embedder
	extractor Extractor
	now       func() time.Time
}

// Save stores text as one or more memories of userID and returns them.
func (c *Client) Save(ctx context.Context, text, userID string) ([]Record, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.ErrEmptyText
	}
	userID = normalizeUser(userID)

	facts, err := c.extractor.Extract(ctx, text)
	if err != nil {
		return nil, err
	}

	saved := make([]Record, 0, len(facts))
	for _, fact := range facts {
		r := Record{
			ID:        uuid.NewString(),
			UserID:    userID,
			Text:      fact,
			CreatedAt: c.now(),
		}
		// Index before insert so a listed memory is always searchable.
		if err := c.vectors.Add(ctx, r); err != nil {
			return saved, err
		}
		if err := c.records.Insert(ctx, r); err != nil {
			if rerr := c.vectors.Remove(ctx, r.ID); rerr != nil {
				log.WithError(rerr).WithField("id", r.ID).Warn("orphaned vector after failed insert")
			}
			return saved, err
		}
		saved = append(saved, r)
	}

	log.WithField("user", userID).WithField("count", len(saved)).Debug("memories saved")
	return saved, nil
}

// List returns every memory of userID, oldest first.
func (c *Client) List(ctx context.Context, userID string) ([]Record, error) {
	return c.records.List(ctx, normalizeUser(userID))
}

// Search returns up to limit memories of userID ranked by similarity to
// query. A non-positive limit uses DefaultSearchLimit.
func (c *Client) Search(ctx context.Context, query, userID string, limit int) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return c.vectors.Query(ctx, normalizeUser(userID), query, limit)
}

// Backend names the record store backend.
func (c *Client) Backend() string {
	return c.records.Backend()
}

// VectorClient exposes the vector index for teardown.
func (c *Client) VectorClient() any {
	return c.vectors
}

// DBConnection exposes the database/sql handle, or nil for other backends.
func (c *Client) DBConnection() any {
	if s, ok := c.records.(*sqlStore); ok {
		return s
	}
	return nil
}

// DBEngine exposes the pooled Postgres engine, or nil for other backends.
func (c *Client) DBEngine() any {
	if s, ok := c.records.(*pgStore); ok {
		return s
	}
	return nil
}

// Close releases what the client owns beyond its stores: the embedding
// cache.
func (c *Client) Close() error {
	if c.embedder != nil {
		c.embedder.Close()
	}
	return nil
}

func normalizeUser(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return DefaultUserID
	}
	return userID
}

// SaveSummary formats the confirmation returned for a saved memory,
// truncating long text to 100 characters.
func SaveSummary(text string) string {
	const max = 100
	r := []rune(text)
	if len(r) > max {
		return fmt.Sprintf("Successfully saved memory: %s...", string(r[:max]))
	}
	return fmt.Sprintf("Successfully saved memory: %s", text)
}
