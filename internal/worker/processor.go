package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"social-publisher/internal/config"
	"social-publisher/internal/models"
	"social-publisher/internal/queue"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
)

// Publisher is the remote platform surface a worker publishes through.
// facebook.Client satisfies it; tests substitute a fake.
type Publisher interface {
	CreateTextPost(ctx context.Context, message string) (string, error)
	CreatePhotoPost(ctx context.Context, caption, imageURL string) (string, error)
	UploadPhotoByURL(ctx context.Context, imageURL string) (string, error)
	UploadPhotoBinary(ctx context.Context, filename string, data []byte) (string, error)
	CreateFeedPostWithMedia(ctx context.Context, message string, mediaIDs []string) (string, error)
	DeletePost(ctx context.Context, postID string) error
	ResolvePermalink(ctx context.Context, postID string) (string, error)
	FetchMedia(ctx context.Context, imageURL string) ([]byte, error)
}

// OutcomeStore persists publish outcomes keyed by (entity, platform).
type OutcomeStore interface {
	UpsertOutcome(ctx context.Context, u store.OutcomeUpdate) error
	GetOutcome(ctx context.Context, entityID, platform string) (models.SocialPostRecord, bool, error)
}

// ReportDirectory resolves the auto-publish policy for a report.
type ReportDirectory interface {
	ReportPublishPolicy(ctx context.Context, entityID string) (found bool, autoPublish bool, err error)
}

// Processor drives the worker consumption loop. Several processors may run
// against the same queue: BLPOP hands each job to exactly one consumer.
type Processor struct {
	cfg        config.Config
	queue      *queue.RedisQueue
	outcomes   OutcomeStore
	reports    ReportDirectory
	publishers map[string]Publisher
	validate   *validator.Validate
	log        zerolog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, outcomes OutcomeStore, reports ReportDirectory, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		queue:      q,
		outcomes:   outcomes,
		reports:    reports,
		publishers: make(map[string]Publisher),
		validate:   validator.New(),
		log:        log.With().Str("component", "worker").Logger(),
	}
}

// RegisterPublisher binds a publisher to a platform name. Jobs for platforms
// without a publisher are dead-lettered.
func (p *Processor) RegisterPublisher(platform string, pub Publisher) {
	if platform == "" || pub == nil {
		return
	}
	p.publishers[platform] = pub
}

// Run starts the main worker loop until context cancellation. A failure in
// one iteration never escapes the loop: it is logged and the loop continues
// after a short pause.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error().Err(err).Msg("worker iteration failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (p *Processor) iterate(ctx context.Context) (err error) {
	defer func() {
		// A single poisoned job must not halt the consumer.
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker iteration: %v", r)
		}
	}()

	// Sweep due retries back into the ready queue regardless of whether the
	// dequeue below finds work.
	if _, err := p.queue.PromoteDue(ctx, time.Now(), p.cfg.PromoteBatchSize); err != nil {
		p.log.Warn().Err(err).Msg("promote due retries failed")
	}

	if ready, delayed, dead, err := p.queue.Counts(ctx); err == nil {
		telemetry.ReadyDepthGauge.Set(float64(ready))
		telemetry.DelayedDepthGauge.Set(float64(delayed))
		telemetry.DeadDepthGauge.Set(float64(dead))
	}

	raw, err := p.queue.BlockingDequeue(ctx, p.cfg.DequeueTimeout)
	if err != nil {
		return err
	}
	if raw == "" {
		// Timeout; normal idling.
		return nil
	}

	p.process(ctx, raw)
	return nil
}

// process runs one popped job to completion, retry, or dead-letter.
func (p *Processor) process(ctx context.Context, raw string) {
	var job models.SocialJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		p.deadLetter(ctx, raw, "invalid json")
		return
	}

	if err := p.validate.Struct(job); err != nil {
		p.deadLetter(ctx, raw, fmt.Sprintf("missing required fields: %v", err))
		return
	}

	pub, ok := p.publishers[job.Platform]
	if !ok {
		p.deadLetter(ctx, raw, fmt.Sprintf("unsupported platform %q", job.Platform))
		return
	}

	log := p.log.With().
		Str("platform", job.Platform).
		Str("action", job.Action).
		Str("entity_id", job.Post.EntityID).
		Str("event_id", job.EventID).
		Int("attempts", job.Attempts).
		Logger()

	if job.Action != models.ActionDelete {
		found, autoPublish, err := p.reports.ReportPublishPolicy(ctx, job.Post.EntityID)
		if err != nil {
			// Store hiccups are transient; let the retry machinery handle them.
			p.fail(ctx, raw, job, log, fmt.Errorf("lookup report: %w", err))
			return
		}
		if !found {
			// Referential-integrity guard: a missing report never reappears.
			p.deadLetter(ctx, raw, "entity not found")
			return
		}
		if !autoPublish {
			reason := "auto_publish=false"
			if err := p.outcomes.UpsertOutcome(ctx, store.OutcomeUpdate{
				EntityID:  job.Post.EntityID,
				Platform:  job.Platform,
				Status:    models.StatusSkipped,
				LastError: &reason,
			}); err != nil {
				log.Error().Err(err).Msg("record skipped outcome failed")
			}
			telemetry.PublishSkipped.Inc()
			log.Info().Msg("publish skipped, auto-publish disabled")
			return
		}
	}

	if err := p.outcomes.UpsertOutcome(ctx, store.OutcomeUpdate{
		EntityID: job.Post.EntityID,
		Platform: job.Platform,
		Status:   models.StatusPending,
	}); err != nil {
		log.Error().Err(err).Msg("record pending outcome failed")
	}

	result, err := p.publish(ctx, pub, job)
	if err != nil {
		p.fail(ctx, raw, job, log, err)
		return
	}

	status := models.StatusPublished
	if job.Action == models.ActionDelete {
		status = models.StatusDeleted
	}
	now := time.Now().UTC()
	update := store.OutcomeUpdate{
		EntityID:    job.Post.EntityID,
		Platform:    job.Platform,
		Status:      status,
		PublishedAt: &now,
	}
	if result.PostID != "" {
		update.SocialPostID = &result.PostID
	}
	if result.Permalink != "" {
		update.PermalinkURL = &result.Permalink
	}
	if err := p.outcomes.UpsertOutcome(ctx, update); err != nil {
		log.Error().Err(err).Msg("record publish outcome failed")
	}
	telemetry.PublishSuccess.Inc()
	log.Info().Str("social_post_id", result.PostID).Str("status", status).Msg("publish completed")
}

// fail records the failed outcome and either schedules a retry or
// dead-letters the job once attempts are exhausted.
func (p *Processor) fail(ctx context.Context, raw string, job models.SocialJob, log zerolog.Logger, cause error) {
	status := models.StatusFailed
	if job.Action == models.ActionDelete {
		status = models.StatusDeleteFailed
	}
	msg := cause.Error()
	if err := p.outcomes.UpsertOutcome(ctx, store.OutcomeUpdate{
		EntityID:  job.Post.EntityID,
		Platform:  job.Platform,
		Status:    status,
		LastError: &msg,
	}); err != nil {
		log.Error().Err(err).Msg("record failed outcome failed")
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	nextAttempt := job.Attempts + 1

	retry := job
	retry.Attempts = nextAttempt
	retryRaw, err := json.Marshal(retry)
	if err != nil {
		// Cannot happen for a job we just unmarshalled, but fail closed.
		p.deadLetter(ctx, raw, fmt.Sprintf("reserialize for retry: %v", err))
		return
	}

	if nextAttempt >= maxAttempts {
		p.deadLetter(ctx, string(retryRaw), fmt.Sprintf("max attempts reached (%d): %s", nextAttempt, msg))
		log.Warn().Err(cause).Int("attempts", nextAttempt).Msg("job dead-lettered after exhausting retries")
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffBase, p.cfg.BackoffCap, nextAttempt)
	runAt := time.Now().Add(backoff)
	if err := p.queue.ScheduleRetry(ctx, string(retryRaw), runAt.UnixMilli()); err != nil {
		log.Error().Err(err).Msg("schedule retry failed")
		return
	}
	telemetry.PublishFailures.Inc()
	log.Warn().Err(cause).
		Int("next_attempt", nextAttempt).
		Dur("backoff", backoff).
		Msg("publish failed, retry scheduled")
}

func (p *Processor) deadLetter(ctx context.Context, raw, reason string) {
	if err := p.queue.DeadLetter(ctx, raw, reason); err != nil {
		p.log.Error().Err(err).Str("reason", reason).Msg("dead-letter push failed")
		return
	}
	telemetry.DeadLettered.Inc()
	p.log.Warn().Str("reason", reason).Msg("job dead-lettered")
}

// backoffWithJitter computes min(base*2^attempt, limit) with ±20% random jitter.
func backoffWithJitter(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 3 * time.Second
	}
	if limit <= 0 {
		limit = 10 * time.Minute
	}
	wait := float64(base) * math.Pow(2, float64(attempt))
	if wait > float64(limit) {
		wait = float64(limit)
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(wait * jitter)
}
