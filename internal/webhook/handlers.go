package webhook

import (
	"context"
	"fmt"
	"log"
	"time"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/status"
)

// applyState runs an observed external state through the registry and
// schedules the follow-ups a terminal observation requires: a completion
// guard that later verifies the terminal status actually stuck, and the
// downstream analysis task when the meeting completed.
func (g *Gateway) applyState(ctx context.Context, m models.Meeting, external string, sig status.Signals) error {
	tr, err := g.registry.ApplyExternal(ctx, m, external, sig)
	if err != nil {
		return fmt.Errorf("apply state %q: %w", external, err)
	}
	if status.TerminalInducing(external) {
		guardAt := time.Now().Add(g.FallbackTimeout())
		if err := g.sched.Schedule(ctx, schedule.Task{Kind: schedule.TaskGuard, MeetingID: m.ID}, guardAt); err != nil {
			return err
		}
	}
	if tr.Changed && tr.To == models.StatusCompleted {
		if err := g.sched.Schedule(ctx, schedule.Task{Kind: schedule.TaskAnalysis, MeetingID: m.ID}, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) handleStateChange(ctx context.Context, m models.Meeting, env Envelope) error {
	newState := env.dataString("new_state")
	if newState == "" {
		log.Printf("warn: state change without new_state for meeting %s", m.ID)
		return nil
	}
	return g.applyState(ctx, m, newState, env.signals())
}

func (g *Gateway) handleRecording(ctx context.Context, m models.Meeting, env Envelope) error {
	return g.applyState(ctx, m, "joined_recording", env.signals())
}

func (g *Gateway) handleCompleted(ctx context.Context, m models.Meeting, env Envelope) error {
	return g.applyState(ctx, m, "ended", env.signals())
}

func (g *Gateway) handleFailed(ctx context.Context, m models.Meeting, env Envelope) error {
	return g.applyState(ctx, m, "failed", env.signals())
}

func (g *Gateway) handlePostProcessing(ctx context.Context, m models.Meeting, env Envelope) error {
	return g.applyState(ctx, m, "ended", env.signals())
}

func (g *Gateway) handleTranscriptChunk(ctx context.Context, m models.Meeting, env Envelope) error {
	text := env.transcriptText()
	if text == "" {
		log.Printf("warn: empty transcript chunk for meeting %s, skipping", m.ID)
		return nil
	}
	confidence := env.dataString("confidence")
	if confidence == "" {
		confidence = "medium"
	}
	inserted, err := g.events.InsertTranscriptChunk(ctx, models.TranscriptChunk{
		MeetingID:  m.ID,
		Speaker:    env.transcriptSpeaker(),
		Text:       text,
		Timestamp:  env.transcriptTimestamp(time.Now().UTC()),
		Confidence: confidence,
	})
	if err != nil {
		return fmt.Errorf("store transcript chunk: %w", err)
	}
	if !inserted {
		log.Printf("debug: duplicate transcript chunk for meeting %s dropped", m.ID)
	}
	return nil
}

func (g *Gateway) handleTranscriptCompleted(ctx context.Context, m models.Meeting, env Envelope) error {
	return g.sched.Schedule(ctx, schedule.Task{Kind: schedule.TaskAnalysis, MeetingID: m.ID}, time.Now())
}

// handleInformational accepts chat and participant events without acting on
// them. They still land in the event log and count as webhook liveness.
func (g *Gateway) handleInformational(ctx context.Context, m models.Meeting, env Envelope) error {
	return nil
}
