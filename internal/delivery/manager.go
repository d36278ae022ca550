// Package delivery tracks webhook event delivery and runs the retry sweep
// that redelivers failed events on an escalating backoff until the retry
// budget is exhausted.
package delivery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/telemetry"
)

// EventStore is the delivery bookkeeping the manager needs.
type EventStore interface {
	RetryableEvents(ctx context.Context, maxAttempts int) ([]models.WebhookEvent, error)
	MarkEventRetrying(ctx context.Context, id string, attempts int) error
	MarkEventDelivered(ctx context.Context, id string) error
	MarkEventFailed(ctx context.Context, id, msg string) error
	MarkEventPermanentlyFailed(ctx context.Context, id, msg string) error
	DeliveryCounts(ctx context.Context) (map[string]int64, error)
}

// Redeliverer re-runs a persisted event through its handler.
type Redeliverer interface {
	Redeliver(ctx context.Context, ev models.WebhookEvent) error
}

// Policy controls the retry budget and per-attempt delays. DeliveryAttempts
// counts retries only; the initial dispatch at ingestion is not an attempt.
type Policy struct {
	MaxAttempts int
	RetryDelays []time.Duration
}

// Manager owns the retry sweep and delivery statistics.
type Manager struct {
	events  EventStore
	handler Redeliverer
	now     func() time.Time

	mu     sync.Mutex
	policy Policy
}

func NewManager(events EventStore, handler Redeliverer, policy Policy) *Manager {
	m := &Manager{events: events, handler: handler, now: time.Now}
	m.SetPolicy(policy)
	return m
}

// SetPolicy replaces the retry policy, clamping nonsense values instead of
// erroring so the runtime configuration endpoint cannot wedge the sweep.
func (m *Manager) SetPolicy(p Policy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if len(p.RetryDelays) == 0 {
		p.RetryDelays = []time.Duration{5 * time.Second}
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// CurrentPolicy returns a copy of the active retry policy.
func (m *Manager) CurrentPolicy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.policy
	p.RetryDelays = append([]time.Duration(nil), p.RetryDelays...)
	return p
}

// eligible reports whether an event's backoff window has elapsed. The delay
// index is the attempt count, with the last delay repeating.
func (m *Manager) eligible(ev models.WebhookEvent, p Policy, now time.Time) bool {
	if ev.DeliveryAttempts >= p.MaxAttempts {
		return false
	}
	last := ev.ReceivedAt
	if ev.LastAttemptAt != nil {
		last = *ev.LastAttemptAt
	}
	idx := ev.DeliveryAttempts
	if idx >= len(p.RetryDelays) {
		idx = len(p.RetryDelays) - 1
	}
	return now.Sub(last) >= p.RetryDelays[idx]
}

// Sweep redelivers every failed event whose backoff has elapsed. Events that
// fail again go back to the queue; events out of budget are terminated as
// permanently failed. Returns how many events were redelivered successfully.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	p := m.CurrentPolicy()
	events, err := m.events.RetryableEvents(ctx, p.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("load retryable events: %w", err)
	}
	telemetry.RetryBacklogGauge.Set(float64(len(events)))

	now := m.now()
	delivered := 0
	for _, ev := range events {
		if !m.eligible(ev, p, now) {
			continue
		}
		attempts := ev.DeliveryAttempts + 1
		if err := m.events.MarkEventRetrying(ctx, ev.ID, attempts); err != nil {
			return delivered, fmt.Errorf("mark event %s retrying: %w", ev.ID, err)
		}
		telemetry.DeliveryRetries.Inc()

		err := m.handler.Redeliver(ctx, ev)
		if err == nil {
			if err := m.events.MarkEventDelivered(ctx, ev.ID); err != nil {
				return delivered, fmt.Errorf("mark event %s delivered: %w", ev.ID, err)
			}
			delivered++
			continue
		}

		if attempts >= p.MaxAttempts {
			log.Printf("warn: event %s exhausted %d delivery attempts: %v", ev.ID, attempts, err)
			telemetry.DeliveryExhausted.Inc()
			if err := m.events.MarkEventPermanentlyFailed(ctx, ev.ID, err.Error()); err != nil {
				return delivered, fmt.Errorf("mark event %s permanently failed: %w", ev.ID, err)
			}
			continue
		}
		if err := m.events.MarkEventFailed(ctx, ev.ID, err.Error()); err != nil {
			return delivered, fmt.Errorf("mark event %s failed: %w", ev.ID, err)
		}
	}
	return delivered, nil
}

// Stats summarizes delivery health across all recorded events.
type Stats struct {
	Total       int64            `json:"total"`
	Counts      map[string]int64 `json:"counts"`
	SuccessRate float64          `json:"success_rate"`
}

// Stats computes per-status counts and the overall delivery success rate.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.events.DeliveryCounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load delivery counts: %w", err)
	}
	s := Stats{Counts: counts}
	for _, n := range counts {
		s.Total += n
	}
	if s.Total > 0 {
		s.SuccessRate = float64(counts[models.DeliveryDelivered]) / float64(s.Total)
	}
	return s, nil
}

// Health grades the delivery pipeline for the operator endpoint.
func (m *Manager) Health(ctx context.Context) (string, Stats, error) {
	s, err := m.Stats(ctx)
	if err != nil {
		return "", Stats{}, err
	}
	switch {
	case s.Total == 0:
		return "no_webhooks", s, nil
	case s.SuccessRate < 0.5:
		return "critical", s, nil
	case s.SuccessRate < 0.9:
		return "warning", s, nil
	default:
		return "healthy", s, nil
	}
}
