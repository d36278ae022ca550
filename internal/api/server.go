// Package api is the public HTTP surface: webhook ingress, meeting CRUD, and
// the delivery operations endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meeting-tracker/internal/botapi"
	"meeting-tracker/internal/delivery"
	"meeting-tracker/internal/models"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/store"
	"meeting-tracker/internal/telemetry"
	"meeting-tracker/internal/webhook"
)

const maxWebhookBody = 1 << 20

// Ingestor processes raw webhook bodies. Satisfied by webhook.Gateway.
type Ingestor interface {
	Ingest(ctx context.Context, body []byte) (webhook.Result, error)
	SetFallbackTimeout(d time.Duration)
	FallbackTimeout() time.Duration
}

// MeetingStore is the persistence surface the API needs.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, p store.CreateMeetingParams) (models.Meeting, error)
	GetMeeting(ctx context.Context, id string) (models.Meeting, error)
	SetMeetingBot(ctx context.Context, id, botID string) error
	ListTranscript(ctx context.Context, meetingID string) ([]models.TranscriptChunk, error)
	GetReport(ctx context.Context, meetingID string) (models.Report, error)
}

// BotCreator sends a bot into a meeting. Satisfied by botapi.Client.
type BotCreator interface {
	CreateBot(ctx context.Context, p botapi.CreateBotParams) (string, error)
}

// Deliveries is the retry manager surface. Satisfied by delivery.Manager.
type Deliveries interface {
	Stats(ctx context.Context) (delivery.Stats, error)
	Health(ctx context.Context) (string, delivery.Stats, error)
	SetPolicy(p delivery.Policy)
	CurrentPolicy() delivery.Policy
}

// Scheduler registers deferred tasks for the reconciler process to pick up.
type Scheduler interface {
	Schedule(ctx context.Context, t schedule.Task, at time.Time) error
}

// Limiter throttles webhook ingress per sender.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Config carries the server's static settings.
type Config struct {
	WebhookSecret  string
	WebhookBaseURL string
}

// Server wires the HTTP routes to the engine.
type Server struct {
	gateway    Ingestor
	meetings   MeetingStore
	bots       BotCreator
	deliveries Deliveries
	sched      Scheduler
	limiter    Limiter
	cfg        Config
}

func NewServer(gateway Ingestor, meetings MeetingStore, bots BotCreator, deliveries Deliveries, sched Scheduler, limiter Limiter, cfg Config) *Server {
	return &Server{
		gateway:    gateway,
		meetings:   meetings,
		bots:       bots,
		deliveries: deliveries,
		sched:      sched,
		limiter:    limiter,
		cfg:        cfg,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", telemetry.Handler())

	r.Post("/webhook", s.handleWebhook)
	r.Post("/webhook/attendee", s.handleWebhook)
	r.Get("/webhook/url", s.handleWebhookURL)

	r.Route("/meetings", func(r chi.Router) {
		r.Post("/", s.handleCreateMeeting)
		r.Get("/{id}", s.handleGetMeeting)
		r.Get("/{id}/transcript", s.handleGetTranscript)
		r.Get("/{id}/report", s.handleGetReport)
		r.Post("/{id}/reconcile", s.handleReconcileMeeting)
	})

	r.Route("/delivery", func(r chi.Router) {
		r.Get("/stats", s.handleDeliveryStats)
		r.Get("/health", s.handleDeliveryHealth)
		r.Post("/retry-failed", s.handleRetryFailed)
		r.Post("/configure", s.handleConfigure)
	})
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !webhook.VerifySignature(s.cfg.WebhookSecret, req.Header.Get("X-Webhook-Signature"), body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(req.Context(), "webhook:"+req.RemoteAddr)
		if err != nil {
			log.Printf("warn: webhook rate limiter unavailable: %v", err)
		} else if !allowed {
			telemetry.EventsRateLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	res, err := s.gateway.Ingest(req.Context(), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "malformed payload")
	default:
		// Unresolved meetings and handler failures both ask the sender to
		// retry; the event is already on record for the sweep either way.
		log.Printf("error: webhook ingest: %v", err)
		writeError(w, http.StatusInternalServerError, "event processing failed")
	}
}

func (s *Server) handleWebhookURL(w http.ResponseWriter, req *http.Request) {
	base := s.cfg.WebhookBaseURL
	if base == "" {
		base = "http://" + req.Host
	}
	writeJSON(w, http.StatusOK, map[string]string{"webhook_url": base + "/webhook"})
}

type createMeetingRequest struct {
	MeetingURL string         `json:"meeting_url"`
	BotName    string         `json:"bot_name"`
	JoinAt     *time.Time     `json:"join_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateMeeting(w http.ResponseWriter, req *http.Request) {
	var in createMeetingRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.MeetingURL == "" {
		writeError(w, http.StatusBadRequest, "meeting_url is required")
		return
	}

	m, err := s.meetings.CreateMeeting(req.Context(), store.CreateMeetingParams{
		MeetingURL: in.MeetingURL,
		Metadata:   in.Metadata,
	})
	if err != nil {
		log.Printf("error: create meeting: %v", err)
		writeError(w, http.StatusInternalServerError, "create meeting failed")
		return
	}

	webhookURL := ""
	if s.cfg.WebhookBaseURL != "" {
		webhookURL = s.cfg.WebhookBaseURL + "/webhook"
	}
	botID, err := s.bots.CreateBot(req.Context(), botapi.CreateBotParams{
		MeetingURL: in.MeetingURL,
		BotName:    in.BotName,
		JoinAt:     in.JoinAt,
		WebhookURL: webhookURL,
	})
	if err != nil {
		// The meeting stays PENDING; a later reconcile or retry can attach
		// a bot without recreating the record.
		log.Printf("error: create bot for meeting %s: %v", m.ID, err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "bot creation failed",
			"meeting": m,
		})
		return
	}
	if err := s.meetings.SetMeetingBot(req.Context(), m.ID, botID); err != nil {
		log.Printf("error: attach bot %s to meeting %s: %v", botID, m.ID, err)
		writeError(w, http.StatusInternalServerError, "attach bot failed")
		return
	}

	m, err = s.meetings.GetMeeting(req.Context(), m.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reload meeting failed")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMeeting(w http.ResponseWriter, req *http.Request) {
	m, err := s.meetings.GetMeeting(req.Context(), chi.URLParam(req, "id"))
	if errors.Is(err, store.ErrMeetingNotFound) {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load meeting failed")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if _, err := s.meetings.GetMeeting(req.Context(), id); errors.Is(err, store.ErrMeetingNotFound) {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "load meeting failed")
		return
	}
	chunks, err := s.meetings.ListTranscript(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load transcript failed")
		return
	}
	if chunks == nil {
		chunks = []models.TranscriptChunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"meeting_id": id, "transcript": chunks})
}

func (s *Server) handleGetReport(w http.ResponseWriter, req *http.Request) {
	rep, err := s.meetings.GetReport(req.Context(), chi.URLParam(req, "id"))
	if errors.Is(err, store.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, "report not ready")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load report failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReconcileMeeting(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if _, err := s.meetings.GetMeeting(req.Context(), id); errors.Is(err, store.ErrMeetingNotFound) {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "load meeting failed")
		return
	}
	if err := s.sched.Schedule(req.Context(), schedule.Task{Kind: schedule.TaskReconcile, MeetingID: id}, time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "schedule reconcile failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, req *http.Request) {
	stats, err := s.deliveries.Stats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeliveryHealth(w http.ResponseWriter, req *http.Request) {
	grade, stats, err := s.deliveries.Health(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load health failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"health": grade, "stats": stats})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, req *http.Request) {
	if err := s.sched.Schedule(req.Context(), schedule.Task{Kind: schedule.TaskSweep}, time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "schedule sweep failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

type configureRequest struct {
	MaxAttempts     *int     `json:"max_attempts,omitempty"`
	RetryDelays     []string `json:"retry_delays,omitempty"`
	FallbackTimeout *string  `json:"fallback_timeout,omitempty"`
}

// handleConfigure tunes the retry policy and fallback timeout at runtime.
// Omitted fields keep their current values.
func (s *Server) handleConfigure(w http.ResponseWriter, req *http.Request) {
	var in configureRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	policy := s.deliveries.CurrentPolicy()
	if in.MaxAttempts != nil {
		policy.MaxAttempts = *in.MaxAttempts
	}
	if len(in.RetryDelays) > 0 {
		delays := make([]time.Duration, 0, len(in.RetryDelays))
		for _, raw := range in.RetryDelays {
			d, err := time.ParseDuration(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid retry delay "+raw)
				return
			}
			delays = append(delays, d)
		}
		policy.RetryDelays = delays
	}
	s.deliveries.SetPolicy(policy)

	if in.FallbackTimeout != nil {
		d, err := time.ParseDuration(*in.FallbackTimeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fallback timeout")
			return
		}
		s.gateway.SetFallbackTimeout(d)
	}

	applied := s.deliveries.CurrentPolicy()
	delays := make([]string, 0, len(applied.RetryDelays))
	for _, d := range applied.RetryDelays {
		delays = append(delays, d.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"max_attempts":     applied.MaxAttempts,
		"retry_delays":     delays,
		"fallback_timeout": s.gateway.FallbackTimeout().String(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
