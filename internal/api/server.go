package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"social-publisher/internal/bus"
	"social-publisher/internal/config"
	"social-publisher/internal/models"
	"social-publisher/internal/queue"
	"social-publisher/internal/ratelimit"
	"social-publisher/internal/registrar"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
)

const previewSize = 50

// Server wires the operational control surface and the event ingest endpoint.
type Server struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	store     *store.Store
	bus       *bus.Bus
	registrar *registrar.Registrar
	limiter   *ratelimit.TokenBucket
	log       zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, q *queue.RedisQueue, st *store.Store, b *bus.Bus, reg *registrar.Registrar, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		queue:     q,
		store:     st,
		bus:       b,
		registrar: reg,
		limiter:   limiter,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events", s.handleIngestEvent)

	r.Route("/admin/queues", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/", s.handleQueueOverview)
		r.Post("/dlq/requeue", s.handleRequeueDead)
		r.Post("/delayed/pump", s.handlePumpDelayed)
		r.Delete("/ready", s.handleClear(s.queue.ClearReady, "ready"))
		r.Delete("/delayed", s.handleClear(s.queue.ClearDelayed, "delayed"))
		r.Delete("/dlq", s.handleClear(s.queue.ClearDead, "dlq"))
	})
	return r
}

// requireAdmin gates destructive operator actions behind the admin token.
// Reads pass in dev so local inspection stays frictionless.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && s.cfg.Env == "dev" {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
			http.Error(w, "admin token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleIngestEvent accepts a lifecycle event from the moderation layer and
// emits it on the bus. The registrar is started lazily so a cold process and
// a reloaded bus both end up with listeners bound before delivery.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.LifecycleEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	switch ev.Action {
	case models.EventCreated, models.EventUpdated, models.EventDeleted:
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", ev.Action), http.StatusBadRequest)
		return
	}
	if ev.EntityID == "" {
		http.Error(w, "entity_id is required", http.StatusBadRequest)
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	if s.limiter != nil {
		actor := ev.ActorID
		if actor == "" {
			actor = "anonymous"
		}
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:events:"+actor)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if err := s.registrar.EnsureStarted(r.Context(), s.bus); err != nil {
		s.log.Error().Err(err).Msg("registrar start failed")
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	s.bus.Emit(r.Context(), ev.Action, ev)
	telemetry.EventsIngested.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": ev.EventID})
}

type queueOverview struct {
	Counts struct {
		Ready    int64  `json:"ready"`
		Delayed  int64  `json:"delayed"`
		Dead     int64  `json:"dead"`
		Outcomes *int64 `json:"outcomes,omitempty"`
	} `json:"counts"`
	Ready   []json.RawMessage        `json:"ready"`
	Delayed []queue.DelayedItem      `json:"delayed"`
	Dead    []models.DeadLetterEntry `json:"dead"`
	Warning string                   `json:"warning,omitempty"`
}

func (s *Server) handleQueueOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var out queueOverview

	ready, delayed, dead, err := s.queue.Counts(ctx)
	if err != nil {
		http.Error(w, "failed to read queue counts", http.StatusInternalServerError)
		return
	}
	out.Counts.Ready, out.Counts.Delayed, out.Counts.Dead = ready, delayed, dead

	readyRaw, err := s.queue.PeekReady(ctx, previewSize)
	if err != nil {
		http.Error(w, "failed to read ready queue", http.StatusInternalServerError)
		return
	}
	out.Ready = make([]json.RawMessage, 0, len(readyRaw))
	for _, rawJob := range readyRaw {
		if json.Valid([]byte(rawJob)) {
			out.Ready = append(out.Ready, json.RawMessage(rawJob))
		} else {
			quoted, _ := json.Marshal(rawJob)
			out.Ready = append(out.Ready, quoted)
		}
	}

	if out.Delayed, err = s.queue.PeekDelayed(ctx, previewSize); err != nil {
		http.Error(w, "failed to read delayed set", http.StatusInternalServerError)
		return
	}
	if out.Dead, err = s.queue.PeekDead(ctx, previewSize); err != nil {
		http.Error(w, "failed to read dead-letter list", http.StatusInternalServerError)
		return
	}

	// The outcome count degrades independently: queue data is still useful
	// when Postgres is unreachable.
	if s.store != nil {
		if n, err := s.store.CountOutcomes(ctx); err != nil {
			out.Warning = "outcome count unavailable: " + err.Error()
			s.log.Warn().Err(err).Msg("outcome count failed")
		} else {
			out.Counts.Outcomes = &n
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	moved, err := s.queue.RequeueDead(r.Context(), req.Count)
	if err != nil {
		http.Error(w, "requeue failed", http.StatusInternalServerError)
		return
	}
	s.log.Info().Int("moved", moved).Msg("dead-letter entries requeued")
	writeJSON(w, http.StatusOK, map[string]int{"requeued": moved})
}

func (s *Server) handlePumpDelayed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Batch int `json:"batch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Batch <= 0 {
		req.Batch = s.cfg.PromoteBatchSize
	}
	moved, err := s.queue.PromoteDue(r.Context(), time.Now(), req.Batch)
	if err != nil {
		http.Error(w, "pump failed", http.StatusInternalServerError)
		return
	}
	s.log.Info().Int("promoted", moved).Msg("delayed jobs pumped")
	writeJSON(w, http.StatusOK, map[string]int{"promoted": moved})
}

func (s *Server) handleClear(clear func(ctx context.Context) error, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := clear(r.Context()); err != nil {
			http.Error(w, "clear failed", http.StatusInternalServerError)
			return
		}
		s.log.Warn().Str("structure", name).Msg("queue structure cleared by operator")
		writeJSON(w, http.StatusOK, map[string]string{"cleared": name})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
