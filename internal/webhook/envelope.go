package webhook

import (
	"time"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/status"
)

// Envelope is the inbound webhook body. Two shapes are accepted: the
// trigger-based shape {idempotency_key, bot_id, trigger, data} and the legacy
// event-based shape {event, data}. A declared trigger always wins over the
// legacy event field.
type Envelope struct {
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	BotID          string         `json:"bot_id,omitempty"`
	Trigger        string         `json:"trigger,omitempty"`
	BotMetadata    map[string]any `json:"bot_metadata,omitempty"`
	Event          string         `json:"event,omitempty"`
	Data           map[string]any `json:"data"`
}

// RawEventType returns the declared event type, preferring the trigger field.
func (e Envelope) RawEventType() string {
	if e.Trigger != "" {
		return e.Trigger
	}
	if e.Event != "" {
		return e.Event
	}
	return string(models.KindUnknown)
}

// ExternalBotID returns the bot correlation id from the top-level field or,
// failing that, from the event data.
func (e Envelope) ExternalBotID() string {
	if e.BotID != "" {
		return e.BotID
	}
	return e.dataString("bot_id")
}

// HasTranscriptData reports whether the payload carries transcript content,
// used to rescue transcript chunks delivered with an unknown event type.
func (e Envelope) HasTranscriptData() bool {
	if e.dataString("text") != "" {
		return true
	}
	if tr, ok := e.Data["transcription"].(map[string]any); ok {
		if s, ok := tr["transcript"].(string); ok && s != "" {
			return true
		}
	}
	return false
}

func (e Envelope) dataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// transcriptText returns the chunk text from either payload variant.
func (e Envelope) transcriptText() string {
	if s := e.dataString("text"); s != "" {
		return s
	}
	if tr, ok := e.Data["transcription"].(map[string]any); ok {
		s, _ := tr["transcript"].(string)
		return s
	}
	return ""
}

// transcriptSpeaker returns the chunk speaker label.
func (e Envelope) transcriptSpeaker() string {
	if s := e.dataString("speaker"); s != "" {
		return s
	}
	if s := e.dataString("speaker_name"); s != "" {
		return s
	}
	return "Unknown"
}

// transcriptTimestamp parses timestamp_ms (epoch millis) or an RFC3339
// timestamp, falling back to now so a chunk is never dropped for a bad clock.
func (e Envelope) transcriptTimestamp(now time.Time) time.Time {
	if e.Data != nil {
		switch v := e.Data["timestamp_ms"].(type) {
		case float64:
			if v > 0 {
				return time.UnixMilli(int64(v)).UTC()
			}
		case int64:
			if v > 0 {
				return time.UnixMilli(v).UTC()
			}
		}
	}
	if s := e.dataString("timestamp"); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.UTC()
		}
	}
	return now
}

// signals extracts completion sub-signals carried in the event data.
func (e Envelope) signals() status.Signals {
	isErr := func(v string) bool { return v == "failed" || v == "error" }
	return status.Signals{
		RecordingFailed:     isErr(e.dataString("recording_state")),
		TranscriptionFailed: isErr(e.dataString("transcription_state")),
	}
}

// eventAliases maps every declared event type the external system emits onto
// a canonical kind handled by exactly one handler.
var eventAliases = map[string]models.EventKind{
	"bot.state_change":              models.KindStateChange,
	"bot.join_requested":            models.KindStateChange,
	"bot.joining":                   models.KindStateChange,
	"bot.joined":                    models.KindStateChange,
	"bot.recording":                 models.KindRecording,
	"bot.started_recording":         models.KindRecording,
	"bot.left":                      models.KindCompleted,
	"bot.completed":                 models.KindCompleted,
	"bot.failed":                    models.KindFailed,
	"transcript.update":             models.KindTranscriptChunk,
	"transcript.chunk":              models.KindTranscriptChunk,
	"transcript.completed":          models.KindTranscriptCompleted,
	"chat_messages.update":          models.KindChatMessage,
	"participant_events.join_leave": models.KindParticipantEvent,
	"post_processing_completed":     models.KindPostProcessing,
}

// Normalize maps a declared event type onto its canonical kind. Unmapped
// types are carried through verbatim (so the event log keeps what the sender
// said) with ok=false; they dispatch to the logged no-op path.
func Normalize(raw string) (models.EventKind, bool) {
	if raw == "" || raw == string(models.KindUnknown) {
		return models.KindUnknown, true
	}
	if kind, ok := eventAliases[raw]; ok {
		return kind, true
	}
	return models.EventKind(raw), false
}
