package models

import (
	"time"
)

// Supported publish targets. Currently only the Facebook page integration is live.
const (
	PlatformFacebook = "facebook"
)

// Job actions mirror the lifecycle action that triggered them.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// SocialPostStatus enumerates outcome states persisted in Postgres.
const (
	StatusPending      = "PENDING"
	StatusPublished    = "PUBLISHED"
	StatusFailed       = "FAILED"
	StatusDeleted      = "DELETED"
	StatusDeleteFailed = "DELETED_FAILED"
	StatusSkipped      = "SKIPPED"
)

// ImageRef is one entry of a report's ordered image list.
type ImageRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ContactRef is a contact number attached to a report.
type ContactRef struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// PostSnapshot is the point-in-time copy of report fields the publisher needs.
// Image and contact URLs are already absolute by the time a job is enqueued.
type PostSnapshot struct {
	EntityID string       `json:"entity_id" validate:"required"`
	Title    string       `json:"title"`
	Summary  string       `json:"summary"`
	URL      string       `json:"url"`
	Status   string       `json:"status"`
	Images   []ImageRef   `json:"images,omitempty"`
	Contacts []ContactRef `json:"contacts,omitempty"`
}

// JobMeta carries tracing context alongside the job.
type JobMeta struct {
	ActorID    string `json:"actor_id,omitempty"`
	RevisionID string `json:"revision_id,omitempty"`
}

// SocialJob is one serialized unit of publish work for one platform.
// Attempts only ever increases: a retried job is a fresh serialized copy
// with Attempts incremented, re-enqueued once its delay elapses.
type SocialJob struct {
	Platform    string       `json:"platform" validate:"required"`
	Action      string       `json:"action" validate:"required,oneof=create update delete"`
	EventID     string       `json:"event_id"`
	Post        PostSnapshot `json:"post"`
	Meta        JobMeta      `json:"meta"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
}

// DeadLetterEntry is one element of the dead-letter list.
type DeadLetterEntry struct {
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// SocialPostRecord is the durable outcome row, one per (entity, platform).
type SocialPostRecord struct {
	EntityID     string     `json:"entity_id"`
	Platform     string     `json:"platform"`
	Status       string     `json:"status"`
	SocialPostID *string    `json:"social_post_id,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	PermalinkURL *string    `json:"permalink_url,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LifecycleEvent is emitted once per report mutation and consumed synchronously.
// It is never persisted; the snapshot is a point-in-time copy.
type LifecycleEvent struct {
	EventID    string    `json:"event_id"`
	Action     string    `json:"action"`
	ActorID    string    `json:"actor_id"`
	EntityID   string    `json:"entity_id"`
	OccurredAt time.Time `json:"occurred_at"`

	Title       string       `json:"title"`
	Summary     string       `json:"summary"`
	URL         string       `json:"url"`
	Status      string       `json:"status"`
	AutoPublish bool         `json:"auto_publish"`
	Images      []ImageRef   `json:"images,omitempty"`
	Contacts    []ContactRef `json:"contacts,omitempty"`
	RevisionID  string       `json:"revision_id,omitempty"`
}

// Lifecycle actions carried by events.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)
