package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"promptcore/internal/config"
	"promptcore/internal/genai"
	"promptcore/internal/ledger"
	"promptcore/internal/models"
	"promptcore/internal/telemetry"
)

// Biller is the ledger surface the API consumes.
type Biller interface {
	AuthorizeAndCharge(ctx context.Context, userID, topic string, count int, triggerKey string) (ledger.Authorization, error)
	DebitChatTurn(ctx context.Context, userID string) error
	ApplyTopUp(ctx context.Context, userID string, credits int) error
	SetTier(ctx context.Context, userID, tier string) error
}

// PackStore is the read/cancel surface for pack polling.
type PackStore interface {
	GetPack(ctx context.Context, id string) (models.Pack, error)
	ListItems(ctx context.Context, packID string) ([]models.PromptItem, error)
	MarkCancelled(ctx context.Context, id string) error
}

// Queue hands accepted packs to the workers.
type Queue interface {
	Enqueue(ctx context.Context, packID string, runAt time.Time) error
	Cancel(ctx context.Context, packID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Chatter serves a single conversational turn.
type Chatter interface {
	Chat(ctx context.Context, history []genai.ChatMessage, input string, mode genai.Mode) (string, error)
}

// Limiter gates requests per user.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, float64, error)
}

// Server wires HTTP handlers for the trigger/poll/billing API.
type Server struct {
	cfg     config.Config
	store   PackStore
	queue   Queue
	billing Biller
	chat    Chatter
	limiter Limiter
	log     zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st PackStore, q Queue, billing Biller, chat Chatter, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		billing: billing,
		chat:    chat,
		limiter: limiter,
		log:     log,
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

	r.Route("/api", func(r chi.Router) {
		r.Post("/packs", s.handleTrigger)
		r.Get("/packs/{id}", s.handleGetPack)
		r.Get("/packs/{id}/items", s.handleListItems)
		r.Post("/packs/{id}/cancel", s.handleCancel)
		r.Post("/chat", s.handleChat)
		r.Post("/billing/webhook", s.handleBillingWebhook)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type triggerRequest struct {
	Topic     string `json:"topic"`
	Count     int    `json:"count"`
	RequestID string `json:"request_id"`
}

type triggerResponse struct {
	Pack       models.Pack `json:"pack"`
	Cost       int         `json:"cost"`
	Balance    int         `json:"balance"`
	Idempotent bool        `json:"idempotent"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return
	}

	if missing := s.cfg.MissingForGeneration(); len(missing) > 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Configuration Error",
			"missing": missing,
		})
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	auth, err := s.billing.AuthorizeAndCharge(r.Context(), userID, req.Topic, req.Count, req.RequestID)
	if err != nil {
		if ice, ok := ledger.IsInsufficientCredits(err); ok {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":   "Insufficient credits",
				"cost":    ice.Cost,
				"balance": ice.Balance,
			})
			return
		}
		if errors.Is(err, ledger.ErrInvalidCount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("user_id", userID).Msg("trigger authorization")
		writeError(w, http.StatusInternalServerError, "failed to authorize pack")
		return
	}

	if !auth.Idempotent {
		if err := s.queue.Enqueue(r.Context(), auth.Pack.ID, time.Now()); err != nil {
			// The charge is already committed; surface the failure rather
			// than silently stranding a paid pack.
			s.log.Error().Err(err).Str("pack_id", auth.Pack.ID).Msg("enqueue pack")
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		telemetry.PacksTriggered.Inc()
	}

	writeJSON(w, http.StatusAccepted, triggerResponse{
		Pack:       auth.Pack,
		Cost:       auth.Cost,
		Balance:    auth.NewBalance,
		Idempotent: auth.Idempotent,
	})
}

func (s *Server) handleGetPack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pack, err := s.store.GetPack(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "pack not found")
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := s.store.ListItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []models.PromptItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel queue item")
		return
	}
	if err := s.store.MarkCancelled(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel pack")
		return
	}
	// The status write is guarded: a pack that already finished stays
	// completed or failed. Report what the row actually says.
	pack, err := s.store.GetPack(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "pack not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": pack.Status})
}

type chatRequest struct {
	Messages []genai.ChatMessage `json:"messages"`
	Input    string              `json:"input"`
	Mode     string              `json:"mode"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return
	}

	if missing := s.cfg.MissingForGeneration(); len(missing) > 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Configuration Error",
			"missing": missing,
		})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	mode, err := genai.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	if err := s.billing.DebitChatTurn(r.Context(), userID); err != nil {
		if ice, ok := ledger.IsInsufficientCredits(err); ok {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":   "Insufficient credits",
				"cost":    ice.Cost,
				"balance": ice.Balance,
			})
			return
		}
		s.log.Error().Err(err).Str("user_id", userID).Msg("chat debit")
		writeError(w, http.StatusInternalServerError, "failed to debit chat turn")
		return
	}

	text, err := s.chat.Chat(r.Context(), req.Messages, req.Input, mode)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("chat turn")
		writeError(w, http.StatusBadGateway, "chat generation failed")
		return
	}
	telemetry.ChatTurns.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

type webhookEvent struct {
	UserID       string `json:"user_id"`
	Type         string `json:"type"`
	CreditsToAdd int    `json:"credits_to_add"`
	Tier         string `json:"tier"`
}

// handleBillingWebhook applies payment-completed events: a credits purchase
// tops the balance up, a subscription event flips the tier.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if ev.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	switch ev.Type {
	case "credits":
		if err := s.billing.ApplyTopUp(r.Context(), ev.UserID, ev.CreditsToAdd); err != nil {
			s.log.Error().Err(err).Str("user_id", ev.UserID).Msg("apply top-up")
			writeError(w, http.StatusInternalServerError, "failed to apply top-up")
			return
		}
	case "subscription":
		tier := ev.Tier
		if tier == "" {
			tier = models.TierPro
		}
		if err := s.billing.SetTier(r.Context(), ev.UserID, tier); err != nil {
			s.log.Error().Err(err).Str("user_id", ev.UserID).Msg("set tier")
			writeError(w, http.StatusInternalServerError, "failed to set tier")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
