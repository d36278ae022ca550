// Package webhook ingests events pushed by the external bot system: signature
// verification, envelope normalization, persist-first event logging, and typed
// dispatch into the status registry and transcript store.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/status"
	"meeting-tracker/internal/store"
	"meeting-tracker/internal/telemetry"
)

// ErrMalformedPayload marks a request body that is not a JSON object.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// ErrUnresolvedMeeting marks an event whose bot id matches no known meeting.
// The event is persisted as failed before this is returned, so the retry
// sweep can redeliver it once the meeting record catches up.
var ErrUnresolvedMeeting = errors.New("no meeting for webhook bot id")

// Resolver applies external states to meetings. Satisfied by registry.Registry.
type Resolver interface {
	ResolveBotID(ctx context.Context, botID string) (models.Meeting, error)
	ApplyExternal(ctx context.Context, m models.Meeting, external string, sig status.Signals) (status.Transition, error)
}

// EventStore is the event-log persistence the gateway needs.
type EventStore interface {
	InsertEvent(ctx context.Context, ev models.WebhookEvent) error
	MarkEventDelivered(ctx context.Context, id string) error
	MarkEventFailed(ctx context.Context, id, msg string) error
	InsertTranscriptChunk(ctx context.Context, c models.TranscriptChunk) (bool, error)
}

// Scheduler registers deferred follow-up tasks.
type Scheduler interface {
	Schedule(ctx context.Context, t schedule.Task, at time.Time) error
}

// Result is what a successfully processed event reports back to the sender.
type Result struct {
	Status    string           `json:"status"`
	EventType models.EventKind `json:"event_type"`
}

type handlerFunc func(ctx context.Context, m models.Meeting, env Envelope) error

// Gateway routes normalized webhook events to their handlers.
type Gateway struct {
	registry Resolver
	events   EventStore
	sched    Scheduler

	// fallbackNanos is the completion-guard delay, settable at runtime via
	// the delivery configuration endpoint.
	fallbackNanos atomic.Int64

	handlers map[models.EventKind]handlerFunc
}

func NewGateway(registry Resolver, events EventStore, sched Scheduler, fallbackTimeout time.Duration) *Gateway {
	g := &Gateway{registry: registry, events: events, sched: sched}
	g.fallbackNanos.Store(int64(fallbackTimeout))
	g.handlers = map[models.EventKind]handlerFunc{
		models.KindStateChange:         g.handleStateChange,
		models.KindRecording:           g.handleRecording,
		models.KindCompleted:           g.handleCompleted,
		models.KindFailed:              g.handleFailed,
		models.KindPostProcessing:      g.handlePostProcessing,
		models.KindTranscriptChunk:     g.handleTranscriptChunk,
		models.KindTranscriptCompleted: g.handleTranscriptCompleted,
		models.KindChatMessage:         g.handleInformational,
		models.KindParticipantEvent:    g.handleInformational,
	}
	return g
}

// FallbackTimeout returns the current completion-guard delay.
func (g *Gateway) FallbackTimeout() time.Duration {
	return time.Duration(g.fallbackNanos.Load())
}

// SetFallbackTimeout changes the completion-guard delay for future events.
func (g *Gateway) SetFallbackTimeout(d time.Duration) {
	if d > 0 {
		g.fallbackNanos.Store(int64(d))
	}
}

// Ingest processes one raw webhook body: decode, resolve the meeting by bot
// id, persist the event, then dispatch by normalized type. The event row is
// written before dispatch so a handler failure loses nothing; the row is then
// marked delivered or failed according to the dispatch outcome.
func (g *Gateway) Ingest(ctx context.Context, body []byte) (Result, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var rawPayload map[string]any
	if err := json.Unmarshal(body, &rawPayload); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	kind, _ := Normalize(env.RawEventType())
	botID := env.ExternalBotID()
	ev := models.WebhookEvent{
		ID:             uuid.New().String(),
		BotID:          botID,
		EventType:      kind,
		RawPayload:     rawPayload,
		DeliveryStatus: models.DeliveryPending,
		ReceivedAt:     time.Now().UTC(),
	}

	m, err := g.registry.ResolveBotID(ctx, botID)
	if botID == "" || errors.Is(err, store.ErrMeetingNotFound) {
		// Keep the orphan on record; the retry sweep re-resolves it later.
		msg := ErrUnresolvedMeeting.Error()
		ev.DeliveryStatus = models.DeliveryFailed
		ev.LastError = &msg
		if insertErr := g.events.InsertEvent(ctx, ev); insertErr != nil {
			return Result{}, fmt.Errorf("persist unresolved event: %w", insertErr)
		}
		telemetry.EventsUnresolved.Inc()
		return Result{}, fmt.Errorf("bot %q: %w", botID, ErrUnresolvedMeeting)
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve bot %q: %w", botID, err)
	}

	ev.MeetingID = &m.ID
	if err := g.events.InsertEvent(ctx, ev); err != nil {
		return Result{}, fmt.Errorf("persist event: %w", err)
	}
	telemetry.EventsIngested.Inc()

	if err := g.dispatch(ctx, m, kind, env); err != nil {
		telemetry.HandlerFailures.Inc()
		if markErr := g.events.MarkEventFailed(ctx, ev.ID, err.Error()); markErr != nil {
			log.Printf("error: mark event %s failed: %v", ev.ID, markErr)
		}
		return Result{}, fmt.Errorf("handle %s: %w", kind, err)
	}
	if err := g.events.MarkEventDelivered(ctx, ev.ID); err != nil {
		log.Printf("error: mark event %s delivered: %v", ev.ID, err)
	}
	return Result{Status: "processed", EventType: kind}, nil
}

// Redeliver re-runs a persisted event through its handler. Used by the
// delivery retry sweep; the sweep owns the delivery bookkeeping.
func (g *Gateway) Redeliver(ctx context.Context, ev models.WebhookEvent) error {
	buf, err := json.Marshal(ev.RawPayload)
	if err != nil {
		return fmt.Errorf("remarshal payload for event %s: %w", ev.ID, err)
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return fmt.Errorf("decode stored payload for event %s: %w", ev.ID, err)
	}

	botID := ev.BotID
	if botID == "" {
		botID = env.ExternalBotID()
	}
	m, err := g.registry.ResolveBotID(ctx, botID)
	if errors.Is(err, store.ErrMeetingNotFound) {
		return fmt.Errorf("bot %q: %w", botID, ErrUnresolvedMeeting)
	}
	if err != nil {
		return fmt.Errorf("resolve bot %q: %w", botID, err)
	}
	return g.dispatch(ctx, m, ev.EventType, env)
}

func (g *Gateway) dispatch(ctx context.Context, m models.Meeting, kind models.EventKind, env Envelope) error {
	if kind == models.KindUnknown && env.HasTranscriptData() {
		// Some senders ship transcript chunks without a declared type.
		return g.handleTranscriptChunk(ctx, m, env)
	}
	h, ok := g.handlers[kind]
	if !ok {
		log.Printf("warn: unhandled webhook event type %q for meeting %s", kind, m.ID)
		return nil
	}
	return h(ctx, m, env)
}
