package models

import (
	"time"
)

// MeetingStatus enumerates meeting lifecycle states persisted in Postgres.
type MeetingStatus string

const (
	StatusPending   MeetingStatus = "PENDING"
	StatusStarted   MeetingStatus = "STARTED"
	StatusCompleted MeetingStatus = "COMPLETED"
	StatusFailed    MeetingStatus = "FAILED"
)

// Terminal reports whether the status can never change again.
func (s MeetingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Delivery states tracked per webhook event.
const (
	DeliveryPending           = "pending"
	DeliveryDelivered         = "delivered"
	DeliveryRetrying          = "retrying"
	DeliveryFailed            = "failed"
	DeliveryPermanentlyFailed = "permanently_failed"
)

// EventKind is a normalized webhook event type.
type EventKind string

const (
	KindStateChange         EventKind = "bot.state_change"
	KindRecording           EventKind = "bot.recording"
	KindCompleted           EventKind = "bot.completed"
	KindFailed              EventKind = "bot.failed"
	KindTranscriptChunk     EventKind = "transcript.update"
	KindTranscriptCompleted EventKind = "transcript.completed"
	KindChatMessage         EventKind = "chat_messages.update"
	KindParticipantEvent    EventKind = "participant_events.join_leave"
	KindPostProcessing      EventKind = "post_processing_completed"
	KindUnknown             EventKind = "unknown"
)

// Meeting represents a tracked bot job persisted in Postgres. The bot_id is
// assigned by the external system after creation, so it is nullable until then.
type Meeting struct {
	ID         string         `json:"id"`
	MeetingURL string         `json:"meeting_url"`
	BotID      *string        `json:"bot_id,omitempty"`
	Status     MeetingStatus  `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// WebhookEvent is an append-only record of a received webhook, plus delivery
// bookkeeping mutated by the retry manager. DeliveryAttempts counts retries
// only; the initial dispatch at ingestion is not an attempt.
type WebhookEvent struct {
	ID               string         `json:"id"`
	MeetingID        *string        `json:"meeting_id,omitempty"`
	BotID            string         `json:"bot_id"`
	EventType        EventKind      `json:"event_type"`
	RawPayload       map[string]any `json:"raw_payload"`
	DeliveryStatus   string         `json:"delivery_status"`
	DeliveryAttempts int            `json:"delivery_attempts"`
	LastAttemptAt    *time.Time     `json:"last_attempt_at,omitempty"`
	LastError        *string        `json:"last_error,omitempty"`
	ReceivedAt       time.Time      `json:"received_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
}

// TranscriptChunk is a deduplicated transcript fragment. The (meeting_id,
// timestamp, speaker) key makes repeat webhook delivery a no-op.
type TranscriptChunk struct {
	ID         string    `json:"id"`
	MeetingID  string    `json:"meeting_id"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence string    `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Report is the downstream analysis artifact for a completed meeting.
type Report struct {
	ID        string         `json:"id"`
	MeetingID string         `json:"meeting_id"`
	Score     map[string]any `json:"score"`
	CreatedAt time.Time      `json:"created_at"`
}
