package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-publisher/internal/models"
)

// Store wraps pgxpool for Postgres persistence of publish outcomes and the
// report lookups the worker gates on.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// OutcomeUpdate carries one upsert against the social_posts row for
// (EntityID, Platform). Nil pointer fields never overwrite stored values:
// a failed retry must not erase a previously recorded publish reference.
type OutcomeUpdate struct {
	EntityID     string
	Platform     string
	Status       string
	SocialPostID *string
	LastError    *string
	PermalinkURL *string
	PublishedAt  *time.Time
}

// UpsertOutcome inserts or updates the outcome row. The COALESCE merge keeps
// existing non-null identifiers when the incoming value is null; status and
// last_error always take the new value.
func (s *Store) UpsertOutcome(ctx context.Context, u OutcomeUpdate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO social_posts (entity_id, platform, status, social_post_id, last_error, permalink_url, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (entity_id, platform) DO UPDATE SET
			status         = EXCLUDED.status,
			last_error     = EXCLUDED.last_error,
			social_post_id = COALESCE(EXCLUDED.social_post_id, social_posts.social_post_id),
			permalink_url  = COALESCE(EXCLUDED.permalink_url, social_posts.permalink_url),
			published_at   = COALESCE(EXCLUDED.published_at, social_posts.published_at),
			updated_at     = NOW()
	`, u.EntityID, u.Platform, u.Status, u.SocialPostID, u.LastError, u.PermalinkURL, u.PublishedAt)
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	return nil
}

// GetOutcome fetches the outcome row for (entityID, platform).
func (s *Store) GetOutcome(ctx context.Context, entityID, platform string) (models.SocialPostRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT entity_id, platform, status, social_post_id, last_error, permalink_url, published_at, created_at, updated_at
		FROM social_posts WHERE entity_id = $1 AND platform = $2
	`, entityID, platform)

	var rec models.SocialPostRecord
	var postID, lastErr, permalink pgtype.Text
	var publishedAt pgtype.Timestamptz

	err := row.Scan(&rec.EntityID, &rec.Platform, &rec.Status, &postID, &lastErr, &permalink, &publishedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SocialPostRecord{}, false, nil
	}
	if err != nil {
		return models.SocialPostRecord{}, false, fmt.Errorf("scan outcome: %w", err)
	}
	rec.SocialPostID = textPtr(postID)
	rec.LastError = textPtr(lastErr)
	rec.PermalinkURL = textPtr(permalink)
	if publishedAt.Valid {
		t := publishedAt.Time
		rec.PublishedAt = &t
	}
	return rec, true, nil
}

// CountOutcomes returns the number of rows in the outcome table.
func (s *Store) CountOutcomes(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM social_posts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}

// ReportPublishPolicy resolves the auto-publish flag for a report. found=false
// means the referenced entity does not exist at all, which the worker treats
// as a dead-letter condition rather than a retry.
func (s *Store) ReportPublishPolicy(ctx context.Context, entityID string) (found bool, autoPublish bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT auto_publish FROM reports WHERE id = $1
	`, entityID).Scan(&autoPublish)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("lookup report: %w", err)
	}
	return true, autoPublish, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
