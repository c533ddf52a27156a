package registrar

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"social-publisher/internal/bus"
	"social-publisher/internal/models"
	"social-publisher/internal/queue"
)

type state int

const (
	stateIdle state = iota
	stateStarting
	stateStarted
)

// Registrar binds one listener per lifecycle action to the bus, translating
// events into per-platform publish jobs. EnsureStarted is safe to call from
// every request path: repeated calls are no-ops while the bound bus instance
// is still the live one, and a replaced bus triggers re-registration.
type Registrar struct {
	queue       *queue.RedisQueue
	platforms   []string
	baseURL     string
	maxAttempts int
	log         zerolog.Logger

	mu    sync.Mutex
	state state
	bound *bus.Bus
}

func New(q *queue.RedisQueue, platforms []string, publicBaseURL string, maxAttempts int, log zerolog.Logger) *Registrar {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Registrar{
		queue:       q,
		platforms:   platforms,
		baseURL:     strings.TrimRight(publicBaseURL, "/"),
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "registrar").Logger(),
	}
}

// EnsureStarted registers lifecycle listeners on b exactly once per bus
// instance. The queue connection is validated first; a failure leaves the
// guard idle so a later call can retry.
func (r *Registrar) EnsureStarted(ctx context.Context, b *bus.Bus) error {
	r.mu.Lock()
	switch r.state {
	case stateStarting:
		r.mu.Unlock()
		return nil
	case stateStarted:
		if r.bound == b {
			r.mu.Unlock()
			return nil
		}
		// The bus was replaced out from under us; bind to the new instance.
		r.log.Warn().Msg("event bus replaced, re-registering listeners")
	}
	r.state = stateStarting
	r.mu.Unlock()

	if err := r.queue.Ping(ctx); err != nil {
		r.mu.Lock()
		r.state = stateIdle
		r.mu.Unlock()
		return err
	}

	b.On(models.EventCreated, r.listener(models.ActionCreate))
	b.On(models.EventUpdated, r.listener(models.ActionUpdate))
	b.On(models.EventDeleted, r.listener(models.ActionDelete))

	r.mu.Lock()
	r.state = stateStarted
	r.bound = b
	r.mu.Unlock()
	r.log.Info().Strs("platforms", r.platforms).Msg("lifecycle listeners registered")
	return nil
}

func (r *Registrar) listener(action string) bus.Listener {
	return func(ctx context.Context, ev models.LifecycleEvent) {
		for _, platform := range r.platforms {
			job := r.BuildJob(platform, action, ev)
			if err := r.queue.Enqueue(ctx, job); err != nil {
				// One platform's enqueue failure must not starve the others.
				r.log.Error().Err(err).
					Str("platform", platform).
					Str("event_id", ev.EventID).
					Str("entity_id", ev.EntityID).
					Msg("enqueue social job failed")
				continue
			}
			r.log.Debug().
				Str("platform", platform).
				Str("action", action).
				Str("entity_id", ev.EntityID).
				Msg("social job enqueued")
		}
	}
}

// BuildJob maps a lifecycle event to one platform job. Image URLs are made
// absolute against the configured public base; contacts with empty values
// are dropped.
func (r *Registrar) BuildJob(platform, action string, ev models.LifecycleEvent) models.SocialJob {
	images := make([]models.ImageRef, 0, len(ev.Images))
	for _, img := range ev.Images {
		images = append(images, models.ImageRef{ID: img.ID, URL: r.absoluteURL(img.URL)})
	}
	contacts := make([]models.ContactRef, 0, len(ev.Contacts))
	for _, c := range ev.Contacts {
		if strings.TrimSpace(c.Value) == "" {
			continue
		}
		contacts = append(contacts, models.ContactRef{ID: c.ID, Value: c.Value})
	}

	return models.SocialJob{
		Platform: platform,
		Action:   action,
		EventID:  ev.EventID,
		Post: models.PostSnapshot{
			EntityID: ev.EntityID,
			Title:    ev.Title,
			Summary:  ev.Summary,
			URL:      r.absoluteURL(ev.URL),
			Status:   ev.Status,
			Images:   images,
			Contacts: contacts,
		},
		Meta: models.JobMeta{
			ActorID:    ev.ActorID,
			RevisionID: ev.RevisionID,
		},
		Attempts:    0,
		MaxAttempts: r.maxAttempts,
	}
}

// absoluteURL resolves relative paths against the public base address.
// Already-absolute URLs pass through unchanged.
func (r *Registrar) absoluteURL(raw string) string {
	if raw == "" {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return raw
	}
	if strings.HasPrefix(raw, "/") {
		return r.baseURL + raw
	}
	return r.baseURL + "/" + raw
}
