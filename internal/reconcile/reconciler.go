// Package reconcile is the polling fallback: when webhooks go missing, it
// asks the external bot API for the truth and feeds the answer through the
// same state machine the ingestion path uses.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"meeting-tracker/internal/botapi"
	"meeting-tracker/internal/models"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/status"
	"meeting-tracker/internal/telemetry"
)

// BotAPI is the point query against the external system.
type BotAPI interface {
	BotStatus(ctx context.Context, botID string) (botapi.BotStatus, error)
}

// Registry applies external states to meetings. Satisfied by registry.Registry.
type Registry interface {
	Get(ctx context.Context, id string) (models.Meeting, error)
	ApplyExternal(ctx context.Context, m models.Meeting, external string, sig status.Signals) (status.Transition, error)
}

// EventStore records poll-sourced events into the same log webhooks land in.
type EventStore interface {
	HasEventKind(ctx context.Context, meetingID string, kind models.EventKind) (bool, error)
	InsertEvent(ctx context.Context, ev models.WebhookEvent) error
}

// Scheduler registers downstream follow-up tasks.
type Scheduler interface {
	Schedule(ctx context.Context, t schedule.Task, at time.Time) error
}

// Reconciler polls one meeting at a time and applies what it learns.
type Reconciler struct {
	registry Registry
	bots     BotAPI
	events   EventStore
	sched    Scheduler
}

func New(registry Registry, bots BotAPI, events EventStore, sched Scheduler) *Reconciler {
	return &Reconciler{registry: registry, bots: bots, events: events, sched: sched}
}

// Reconcile polls the external system for the meeting's bot and applies the
// observed state. A poll failure mutates nothing; the meeting stays as it was
// and the caller's schedule decides when to try again.
func (r *Reconciler) Reconcile(ctx context.Context, meetingID string) (status.Transition, error) {
	m, err := r.registry.Get(ctx, meetingID)
	if err != nil {
		return status.Unchanged(), err
	}
	if m.Status.Terminal() {
		return status.Unchanged(), nil
	}
	if m.BotID == nil {
		log.Printf("warn: meeting %s has no bot to poll", m.ID)
		return status.Unchanged(), nil
	}

	telemetry.ReconcilePolls.Inc()
	bs, err := r.bots.BotStatus(ctx, *m.BotID)
	if err != nil {
		log.Printf("warn: poll bot %s for meeting %s: %v", *m.BotID, m.ID, err)
		return status.Unchanged(), fmt.Errorf("poll bot %s: %w", *m.BotID, err)
	}

	sig := status.Signals{
		RecordingFailed:     bs.RecordingFailed(),
		TranscriptionFailed: bs.TranscriptionFailed(),
	}
	tr, err := r.registry.ApplyExternal(ctx, m, bs.State, sig)
	if err != nil {
		return status.Unchanged(), err
	}
	if !tr.Changed {
		return tr, nil
	}

	telemetry.ReconcileTransitions.Inc()
	log.Printf("info: reconciled meeting %s to %s from polled state %q", m.ID, tr.To, bs.State)
	if tr.To.Terminal() {
		if err := r.recordPolledEvent(ctx, m, bs, tr.To); err != nil {
			log.Printf("error: record polled event for meeting %s: %v", m.ID, err)
		}
	}
	if tr.To == models.StatusCompleted {
		if err := r.sched.Schedule(ctx, schedule.Task{Kind: schedule.TaskAnalysis, MeetingID: m.ID}, time.Now()); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

// recordPolledEvent writes a synthetic terminal event so the event log tells
// the whole story even when the real webhook never arrived. Skipped when the
// webhook did arrive, to keep the log free of duplicates.
func (r *Reconciler) recordPolledEvent(ctx context.Context, m models.Meeting, bs botapi.BotStatus, to models.MeetingStatus) error {
	kind := models.KindCompleted
	if to == models.StatusFailed {
		kind = models.KindFailed
	}
	exists, err := r.events.HasEventKind(ctx, m.ID, kind)
	if err != nil || exists {
		return err
	}

	now := time.Now().UTC()
	return r.events.InsertEvent(ctx, models.WebhookEvent{
		ID:        uuid.New().String(),
		MeetingID: &m.ID,
		BotID:     *m.BotID,
		EventType: kind,
		RawPayload: map[string]any{
			"source":              "reconciler",
			"state":               bs.State,
			"recording_state":     bs.RecordingState,
			"transcription_state": bs.TranscriptionState,
		},
		DeliveryStatus: models.DeliveryDelivered,
		ReceivedAt:     now,
		ProcessedAt:    &now,
	})
}
