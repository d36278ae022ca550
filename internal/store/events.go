package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"meeting-tracker/internal/models"
)

// ErrEventNotFound is returned when no webhook event matches a lookup.
var ErrEventNotFound = errors.New("webhook event not found")

// InsertEvent appends a webhook event row. Events are persisted before
// dispatch so no event is lost when downstream handling fails.
func (s *Store) InsertEvent(ctx context.Context, ev models.WebhookEvent) error {
	payloadJSON, err := json.Marshal(ev.RawPayload)
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_events
			(id, meeting_id, bot_id, event_type, raw_payload, delivery_status,
			 delivery_attempts, last_attempt_at, last_error, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.ID, ev.MeetingID, ev.BotID, ev.EventType, payloadJSON, ev.DeliveryStatus,
		ev.DeliveryAttempts, ev.LastAttemptAt, ev.LastError, ev.ReceivedAt, ev.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// GetEvent fetches a webhook event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (models.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, meeting_id, bot_id, event_type, raw_payload, delivery_status,
		       delivery_attempts, last_attempt_at, last_error, received_at, processed_at
		FROM webhook_events WHERE id = $1
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookEvent{}, ErrEventNotFound
	}
	return ev, err
}

// MarkEventDelivered records successful handler dispatch.
func (s *Store) MarkEventDelivered(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET delivery_status = $2, last_error = NULL, processed_at = NOW(), last_attempt_at = NOW()
		WHERE id = $1
	`, id, models.DeliveryDelivered)
	return err
}

// MarkEventFailed records a dispatch failure eligible for retry.
func (s *Store) MarkEventFailed(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET delivery_status = $2, last_error = $3, last_attempt_at = NOW()
		WHERE id = $1
	`, id, models.DeliveryFailed, msg)
	return err
}

// MarkEventRetrying bumps the attempt counter at the start of a retry.
func (s *Store) MarkEventRetrying(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET delivery_status = $2, delivery_attempts = $3, last_attempt_at = NOW()
		WHERE id = $1
	`, id, models.DeliveryRetrying, attempts)
	return err
}

// MarkEventPermanentlyFailed terminates the event's delivery lifecycle after
// retry exhaustion. Terminal for the event only; the meeting is unaffected.
func (s *Store) MarkEventPermanentlyFailed(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET delivery_status = $2, last_error = $3, last_attempt_at = NOW()
		WHERE id = $1
	`, id, models.DeliveryPermanentlyFailed, msg)
	return err
}

// RetryableEvents returns events still inside the retry budget, oldest first.
func (s *Store) RetryableEvents(ctx context.Context, maxAttempts int) ([]models.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, meeting_id, bot_id, event_type, raw_payload, delivery_status,
		       delivery_attempts, last_attempt_at, last_error, received_at, processed_at
		FROM webhook_events
		WHERE delivery_status = ANY($1) AND delivery_attempts < $2
		ORDER BY received_at ASC
	`, []string{models.DeliveryFailed, models.DeliveryRetrying}, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("query retryable events: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentEventKinds returns the set of event types observed for a meeting
// since the given time.
func (s *Store) RecentEventKinds(ctx context.Context, meetingID string, since time.Time) (map[models.EventKind]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT event_type FROM webhook_events
		WHERE meeting_id = $1 AND received_at >= $2
	`, meetingID, since)
	if err != nil {
		return nil, fmt.Errorf("query recent event kinds: %w", err)
	}
	defer rows.Close()

	kinds := make(map[models.EventKind]bool)
	for rows.Next() {
		var k models.EventKind
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan event kind: %w", err)
		}
		kinds[k] = true
	}
	return kinds, rows.Err()
}

// CountEvents returns how many webhook events were ever recorded for a meeting.
func (s *Store) CountEvents(ctx context.Context, meetingID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_events WHERE meeting_id = $1
	`, meetingID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// HasEventKind reports whether a meeting already has an event of the given
// type. The reconciler uses it to avoid synthesizing duplicate events.
func (s *Store) HasEventKind(ctx context.Context, meetingID string, kind models.EventKind) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_events WHERE meeting_id = $1 AND event_type = $2)
	`, meetingID, kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event kind: %w", err)
	}
	return exists, nil
}

// DeliveryCounts returns per-delivery-status event counts.
func (s *Store) DeliveryCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT delivery_status, COUNT(*) FROM webhook_events GROUP BY delivery_status
	`)
	if err != nil {
		return nil, fmt.Errorf("query delivery counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanEvent(row meetingScanner) (models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var payloadJSON []byte
	var meetingID, lastErr pgtype.Text
	var lastAttempt, processedAt pgtype.Timestamptz

	err := row.Scan(&ev.ID, &meetingID, &ev.BotID, &ev.EventType, &payloadJSON, &ev.DeliveryStatus,
		&ev.DeliveryAttempts, &lastAttempt, &lastErr, &ev.ReceivedAt, &processedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WebhookEvent{}, err
		}
		return models.WebhookEvent{}, fmt.Errorf("scan webhook event: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &ev.RawPayload); err != nil {
			return models.WebhookEvent{}, fmt.Errorf("unmarshal raw payload: %w", err)
		}
	}
	ev.MeetingID = textPtr(meetingID)
	ev.LastError = textPtr(lastErr)
	ev.LastAttemptAt = timePtr(lastAttempt)
	ev.ProcessedAt = timePtr(processedAt)
	return ev, nil
}
