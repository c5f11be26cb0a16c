// Package api exposes the scheduling surface: create and inspect posts,
// cancel them, and re-arm failed targets.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"social-publisher/internal/config"
	"social-publisher/internal/models"
	"social-publisher/internal/provider"
	"social-publisher/internal/queue"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
)

// Server wires HTTP handlers for the publishing API.
type Server struct {
	cfg      config.Config
	repo     store.Repository
	registry *provider.Registry
	deferred *queue.Deferred
	log      zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, repo store.Repository, registry *provider.Registry, deferred *queue.Deferred, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		deferred: deferred,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/posts", s.handleSchedulePost)
	r.Get("/posts/{id}", s.handleGetPost)
	r.Post("/posts/{id}/cancel", s.handleCancelPost)
	r.Post("/targets/{id}/retry", s.handleRetryTarget)
	r.Post("/accounts", s.handleCreateAccount)
	r.Get("/accounts/{id}", s.handleGetAccount)
	return r
}

type targetRequest struct {
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
}

type schedulePostRequest struct {
	WorkspaceID    string            `json:"workspace_id"`
	Body           string            `json:"body"`
	Media          []models.MediaRef `json:"media"`
	ScheduledAt    *time.Time        `json:"scheduled_at"`
	Targets        []targetRequest   `json:"targets"`
	IdempotencyKey string            `json:"idempotency_key"`
	MaxAttempts    int               `json:"max_attempts"`
}

type schedulePostResponse struct {
	Post       models.Post `json:"post"`
	Idempotent bool        `json:"idempotent"`
}

func (s *Server) handleSchedulePost(w http.ResponseWriter, r *http.Request) {
	var req schedulePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Body == "" && len(req.Media) == 0 {
		http.Error(w, "post needs a body or at least one media item", http.StatusBadRequest)
		return
	}
	if len(req.Targets) == 0 {
		http.Error(w, "at least one target is required", http.StatusBadRequest)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	specs := make([]store.TargetSpec, 0, len(req.Targets))
	for _, t := range req.Targets {
		if t.AccountID == "" || t.Platform == "" {
			http.Error(w, "target needs account_id and platform", http.StatusBadRequest)
			return
		}
		prov, err := s.registry.Lookup(t.Platform)
		if err != nil {
			http.Error(w, fmt.Sprintf("unsupported platform %q", t.Platform), http.StatusUnprocessableEntity)
			return
		}
		// Reject content that can never fit the platform's base limits.
		// Per-account overrides are re-checked at dispatch time.
		if err := provider.ValidateContent(prov.Capabilities(), provider.PublishInput{Body: req.Body, Media: req.Media}); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		specs = append(specs, store.TargetSpec{AccountID: t.AccountID, Platform: t.Platform})
	}

	post, idempotent, err := s.repo.CreatePostWithTargets(r.Context(), store.CreatePostParams{
		WorkspaceID:    req.WorkspaceID,
		Body:           req.Body,
		Media:          req.Media,
		ScheduledAt:    scheduledAt,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
		Targets:        specs,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("create post")
		http.Error(w, "failed to schedule post", http.StatusInternalServerError)
		return
	}
	if !idempotent {
		telemetry.PostsScheduled.Inc()
		s.log.Info().Str("post_id", post.ID).Time("scheduled_at", scheduledAt).Int("targets", len(specs)).Msg("post scheduled")
	}

	writeJSON(w, http.StatusAccepted, schedulePostResponse{Post: post, Idempotent: idempotent})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	post, err := s.repo.GetPost(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleCancelPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.repo.CancelPost(r.Context(), id, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Drop any parked deferred attempts for targets canceled outright;
	// targets already in flight observe the cooperative flag instead.
	for _, t := range res.CanceledTargets {
		if err := s.deferred.Remove(r.Context(), t.ID); err != nil {
			s.log.Error().Err(err).Str("target_id", t.ID).Msg("remove deferred attempt")
		}
	}

	status := "cancel_requested"
	if res.FullyCanceled {
		status = "canceled"
	}
	s.log.Info().Str("post_id", id).Str("result", status).Msg("cancel requested")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"previous_status":  res.OldPostStatus,
		"canceled_targets": len(res.CanceledTargets),
	})
}

func (s *Server) handleRetryTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target, ok, err := s.repo.ResetTargetForRetry(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		http.Error(w, "target is not in a failed state", http.StatusConflict)
		return
	}

	if err := s.deferred.Schedule(r.Context(), target.ID, time.Now().UTC()); err != nil {
		s.log.Error().Err(err).Str("target_id", target.ID).Msg("schedule retried target")
		http.Error(w, "failed to schedule retry", http.StatusInternalServerError)
		return
	}
	if _, _, _, err := store.RecomputePostStatus(r.Context(), s.repo, target.PostID); err != nil {
		s.log.Error().Err(err).Str("post_id", target.PostID).Msg("recompute post status after retry")
	}

	s.log.Info().Str("target_id", target.ID).Str("post_id", target.PostID).Msg("target re-armed for retry")
	writeJSON(w, http.StatusAccepted, target)
}

type createAccountRequest struct {
	ID             string               `json:"id"`
	Platform       string               `json:"platform"`
	AccessToken    string               `json:"access_token"`
	RefreshToken   string               `json:"refresh_token"`
	TokenExpiresAt time.Time            `json:"token_expires_at"`
	Overrides      *models.CapOverrides `json:"capability_overrides"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Platform == "" || req.AccessToken == "" {
		http.Error(w, "platform and access_token are required", http.StatusBadRequest)
		return
	}
	if _, err := s.registry.Lookup(req.Platform); err != nil {
		http.Error(w, fmt.Sprintf("unsupported platform %q", req.Platform), http.StatusUnprocessableEntity)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	account := models.Account{
		ID:             req.ID,
		Platform:       req.Platform,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		TokenExpiresAt: req.TokenExpiresAt,
		Overrides:      req.Overrides,
	}
	if err := s.repo.CreateAccount(r.Context(), account); err != nil {
		s.log.Error().Err(err).Msg("create account")
		http.Error(w, "failed to create account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := s.repo.GetAccount(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
