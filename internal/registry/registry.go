// Package registry owns status transitions against the meeting record. Both
// the webhook ingestion path and the polling reconciler apply external states
// through it, which is what keeps the two paths convergent.
package registry

import (
	"context"
	"fmt"
	"log"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/status"
)

// Store is the subset of meeting persistence the registry needs.
type Store interface {
	GetMeeting(ctx context.Context, id string) (models.Meeting, error)
	GetMeetingByBotID(ctx context.Context, botID string) (models.Meeting, error)
	TransitionStatus(ctx context.Context, id string, from, to models.MeetingStatus) (bool, error)
	TouchMeeting(ctx context.Context, id string) error
}

// Registry applies external states to meetings with per-meeting exclusivity.
type Registry struct {
	store Store
}

func New(store Store) *Registry {
	return &Registry{store: store}
}

// Get fetches a meeting by id.
func (r *Registry) Get(ctx context.Context, id string) (models.Meeting, error) {
	return r.store.GetMeeting(ctx, id)
}

// ResolveBotID resolves a meeting by its external bot id.
func (r *Registry) ResolveBotID(ctx context.Context, botID string) (models.Meeting, error) {
	return r.store.GetMeetingByBotID(ctx, botID)
}

// ApplyExternal runs the state machine against the meeting and persists the
// result under a compare-and-swap on the current status. A lost race re-reads
// the row and re-applies; since the machine is idempotent and monotonic, the
// outcome is the same no matter which of the racing paths wins.
func (r *Registry) ApplyExternal(ctx context.Context, m models.Meeting, external string, sig status.Signals) (status.Transition, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tr := status.Apply(m.Status, external, sig)
		if !tr.Changed {
			if !status.Known(external) && !m.Status.Terminal() {
				log.Printf("warn: ambiguous external state %q for meeting %s, leaving status %s", external, m.ID, m.Status)
			}
			// Authoritative observation with no transition still counts as
			// freshness for the suspicion detector.
			return tr, r.store.TouchMeeting(ctx, m.ID)
		}
		ok, err := r.store.TransitionStatus(ctx, m.ID, m.Status, tr.To)
		if err != nil {
			return status.Unchanged(), err
		}
		if ok {
			return tr, nil
		}
		m, err = r.store.GetMeeting(ctx, m.ID)
		if err != nil {
			return status.Unchanged(), fmt.Errorf("reread meeting after lost transition race: %w", err)
		}
	}
	// Repeated lost races mean someone else is applying transitions; the
	// machine guarantees they converge to the same place.
	return status.Unchanged(), nil
}
