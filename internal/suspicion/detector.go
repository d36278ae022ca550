// Package suspicion decides which meetings look wrong: non-terminal for too
// long and missing the webhook traffic their status implies. Findings never
// mutate meeting state; they only schedule verification work.
package suspicion

import (
	"context"
	"fmt"
	"log"
	"time"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/telemetry"
)

// Store is the read-side persistence the detector needs.
type Store interface {
	GetMeeting(ctx context.Context, id string) (models.Meeting, error)
	StaleMeetings(ctx context.Context, cutoff time.Time) ([]models.Meeting, error)
	RecentEventKinds(ctx context.Context, meetingID string, since time.Time) (map[models.EventKind]bool, error)
	CountEvents(ctx context.Context, meetingID string) (int64, error)
}

// Scheduler registers the detector's follow-up tasks.
type Scheduler interface {
	Schedule(ctx context.Context, t schedule.Task, at time.Time) error
}

// Config tunes the detector's timing thresholds.
type Config struct {
	// MeetingTimeout is how long a meeting may sit non-terminal before the
	// scan considers it at all.
	MeetingTimeout time.Duration
	// VeryLongTimeout escalates a finding straight to reconciliation.
	VeryLongTimeout time.Duration
	// RecentWindow is how far back webhook traffic counts as liveness.
	RecentWindow time.Duration
	// RecheckDelay is the grace period before a flagged meeting is re-checked.
	RecheckDelay time.Duration
}

// Detector scans for meetings whose webhook traffic contradicts their status.
type Detector struct {
	store Store
	sched Scheduler
	cfg   Config
	now   func() time.Time
}

func New(store Store, sched Scheduler, cfg Config) *Detector {
	return &Detector{store: store, sched: sched, cfg: cfg, now: time.Now}
}

// expectedKinds lists the webhook traffic each non-terminal status implies.
// A PENDING meeting with a bot should at least see state changes; a STARTED
// meeting should also be streaming transcript chunks.
var expectedKinds = map[models.MeetingStatus][]models.EventKind{
	models.StatusPending: {models.KindStateChange},
	models.StatusStarted: {models.KindStateChange, models.KindTranscriptChunk},
}

// Scan evaluates every stale non-terminal meeting. Fresh findings get a
// delayed recheck; findings that were never alive or have been stuck past the
// long threshold escalate straight to an immediate reconcile. Returns how
// many meetings were flagged.
func (d *Detector) Scan(ctx context.Context) (int, error) {
	now := d.now()
	stale, err := d.store.StaleMeetings(ctx, now.Add(-d.cfg.MeetingTimeout))
	if err != nil {
		return 0, fmt.Errorf("load stale meetings: %w", err)
	}

	flagged := 0
	for _, m := range stale {
		suspicious, escalate, err := d.evaluate(ctx, m, now)
		if err != nil {
			log.Printf("error: evaluate meeting %s: %v", m.ID, err)
			continue
		}
		if !suspicious {
			continue
		}
		flagged++
		telemetry.SuspicionFindings.Inc()
		if escalate {
			log.Printf("warn: meeting %s (%s) silent too long, reconciling now", m.ID, m.Status)
			err = d.sched.Schedule(ctx, schedule.Task{Kind: schedule.TaskReconcile, MeetingID: m.ID}, now)
		} else {
			log.Printf("info: meeting %s (%s) missing expected webhooks, rechecking in %s", m.ID, m.Status, d.cfg.RecheckDelay)
			err = d.sched.Schedule(ctx, schedule.Task{Kind: schedule.TaskRecheck, MeetingID: m.ID}, now.Add(d.cfg.RecheckDelay))
		}
		if err != nil {
			return flagged, err
		}
	}
	return flagged, nil
}

// Recheck re-evaluates a single flagged meeting after its grace period. If it
// still looks wrong, it escalates to an immediate reconcile. Returns whether
// the meeting was escalated.
func (d *Detector) Recheck(ctx context.Context, meetingID string) (bool, error) {
	m, err := d.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return false, err
	}
	now := d.now()
	suspicious, _, err := d.evaluate(ctx, m, now)
	if err != nil || !suspicious {
		return false, err
	}
	return true, d.sched.Schedule(ctx, schedule.Task{Kind: schedule.TaskReconcile, MeetingID: m.ID}, now)
}

// evaluate reports whether the meeting is suspicious and whether the finding
// should skip the grace period.
func (d *Detector) evaluate(ctx context.Context, m models.Meeting, now time.Time) (suspicious, escalate bool, err error) {
	if m.Status.Terminal() {
		return false, false, nil
	}
	expected := expectedKinds[m.Status]
	if len(expected) == 0 {
		return false, false, nil
	}

	recent, err := d.store.RecentEventKinds(ctx, m.ID, now.Add(-d.cfg.RecentWindow))
	if err != nil {
		return false, false, err
	}
	missing := false
	for _, kind := range expected {
		if !recent[kind] {
			missing = true
			break
		}
	}
	if !missing {
		return false, false, nil
	}

	total, err := d.store.CountEvents(ctx, m.ID)
	if err != nil {
		return false, false, err
	}
	escalate = total == 0 || m.UpdatedAt.Before(now.Add(-d.cfg.VeryLongTimeout))
	return true, escalate, nil
}
