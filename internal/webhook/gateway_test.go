package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/registry"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	meetings map[string]models.Meeting
	byBot    map[string]string
	events   map[string]models.WebhookEvent
	chunks   map[string]models.TranscriptChunk
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		meetings: make(map[string]models.Meeting),
		byBot:    make(map[string]string),
		events:   make(map[string]models.WebhookEvent),
		chunks:   make(map[string]models.TranscriptChunk),
	}
}

func (f *fakeStore) addMeeting(m models.Meeting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[m.ID] = m
	if m.BotID != nil {
		f.byBot[*m.BotID] = m.ID
	}
}

func (f *fakeStore) GetMeeting(ctx context.Context, id string) (models.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return models.Meeting{}, store.ErrMeetingNotFound
	}
	return m, nil
}

func (f *fakeStore) GetMeetingByBotID(ctx context.Context, botID string) (models.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byBot[botID]
	if !ok {
		return models.Meeting{}, store.ErrMeetingNotFound
	}
	return f.meetings[id], nil
}

func (f *fakeStore) TransitionStatus(ctx context.Context, id string, from, to models.MeetingStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	m.UpdatedAt = time.Now().UTC()
	f.meetings[id] = m
	return true, nil
}

func (f *fakeStore) TouchMeeting(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.meetings[id]
	m.UpdatedAt = time.Now().UTC()
	f.meetings[id] = m
	return nil
}

func (f *fakeStore) InsertEvent(ctx context.Context, ev models.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.ID] = ev
	return nil
}

func (f *fakeStore) MarkEventDelivered(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := f.events[id]
	ev.DeliveryStatus = models.DeliveryDelivered
	ev.LastError = nil
	f.events[id] = ev
	return nil
}

func (f *fakeStore) MarkEventFailed(ctx context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := f.events[id]
	ev.DeliveryStatus = models.DeliveryFailed
	ev.LastError = &msg
	f.events[id] = ev
	return nil
}

func (f *fakeStore) InsertTranscriptChunk(ctx context.Context, c models.TranscriptChunk) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := c.MeetingID + "|" + c.Timestamp.Format(time.RFC3339Nano) + "|" + c.Speaker
	if _, dup := f.chunks[key]; dup {
		return false, nil
	}
	f.chunks[key] = c
	return true, nil
}

func (f *fakeStore) singleEvent(t *testing.T) models.WebhookEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 1 {
		t.Fatalf("expected exactly 1 persisted event, got %d", len(f.events))
	}
	for _, ev := range f.events {
		return ev
	}
	return models.WebhookEvent{}
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []schedule.Task
}

func (f *fakeScheduler) Schedule(ctx context.Context, t schedule.Task, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeScheduler) kinds() []schedule.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schedule.Kind, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Kind)
	}
	return out
}

func newTestGateway(t *testing.T) (*Gateway, *fakeStore, *fakeScheduler) {
	t.Helper()
	fs := newFakeStore()
	sched := &fakeScheduler{}
	g := NewGateway(registry.New(fs), fs, sched, 5*time.Minute)
	return g, fs, sched
}

func pendingMeeting(botID string) models.Meeting {
	return models.Meeting{ID: "meeting-1", MeetingURL: "https://example.com/m", BotID: &botID, Status: models.StatusPending}
}

func envelope(t *testing.T, v map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

func TestIngestStateChangeStartsMeeting(t *testing.T) {
	g, fs, _ := newTestGateway(t)
	fs.addMeeting(pendingMeeting("bot-1"))

	res, err := g.Ingest(context.Background(), envelope(t, map[string]any{
		"idempotency_key": "k1",
		"bot_id":          "bot-1",
		"trigger":         "bot.state_change",
		"data":            map[string]any{"new_state": "joined_meeting"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "processed", res.Status)
	assert.Equal(t, models.KindStateChange, res.EventType)

	m, err := fs.GetMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, m.Status)

	ev := fs.singleEvent(t)
	assert.Equal(t, models.DeliveryDelivered, ev.DeliveryStatus)
	require.NotNil(t, ev.MeetingID)
	assert.Equal(t, "meeting-1", *ev.MeetingID)
}

func TestIngestLegacyEnvelopeShape(t *testing.T) {
	g, fs, _ := newTestGateway(t)
	fs.addMeeting(pendingMeeting("bot-1"))

	res, err := g.Ingest(context.Background(), envelope(t, map[string]any{
		"event": "bot.joined",
		"data":  map[string]any{"bot_id": "bot-1"},
	}))
	require.NoError(t, err)
	assert.Equal(t, models.KindStateChange, res.EventType)

	// bot.joined carries no new_state payload; the handler logs and accepts.
	ev := fs.singleEvent(t)
	assert.Equal(t, models.DeliveryDelivered, ev.DeliveryStatus)
}

func TestIngestUnresolvedBotPersistsFailedEvent(t *testing.T) {
	g, fs, _ := newTestGateway(t)

	_, err := g.Ingest(context.Background(), envelope(t, map[string]any{
		"bot_id":  "ghost",
		"trigger": "bot.state_change",
		"data":    map[string]any{"new_state": "joined_meeting"},
	}))
	require.ErrorIs(t, err, ErrUnresolvedMeeting)

	ev := fs.singleEvent(t)
	assert.Equal(t, models.DeliveryFailed, ev.DeliveryStatus)
	assert.Nil(t, ev.MeetingID)
	require.NotNil(t, ev.LastError)
}

func TestIngestMalformedBody(t *testing.T) {
	g, _, _ := newTestGateway(t)
	_, err := g.Ingest(context.Background(), []byte("{not json"))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestIngestEndedCompletesAndSchedulesFollowUps(t *testing.T) {
	g, fs, sched := newTestGateway(t)
	m := pendingMeeting("bot-1")
	m.Status = models.StatusStarted
	fs.addMeeting(m)

	_, err := g.Ingest(context.Background(), envelope(t, map[string]any{
		"bot_id":  "bot-1",
		"trigger": "bot.state_change",
		"data":    map[string]any{"new_state": "ended", "recording_state": "complete"},
	}))
	require.NoError(t, err)

	got, err := fs.GetMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.ElementsMatch(t, []schedule.Kind{schedule.TaskGuard, schedule.TaskAnalysis}, sched.kinds())
}

func TestIngestEndedWithFailedRecordingFails(t *testing.T) {
	g, fs, sched := newTestGateway(t)
	m := pendingMeeting("bot-1")
	m.Status = models.StatusStarted
	fs.addMeeting(m)

	_, err := g.Ingest(context.Background(), envelope(t, map[string]any{
		"bot_id":  "bot-1",
		"trigger": "bot.state_change",
		"data":    map[string]any{"new_state": "ended", "recording_state": "failed"},
	}))
	require.NoError(t, err)

	got, err := fs.GetMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	// Guard still fires for terminal observations, but nothing to analyze.
	assert.ElementsMatch(t, []schedule.Kind{schedule.TaskGuard}, sched.kinds())
}

func TestIngestDuplicateTerminalEventIsIdempotent(t *testing.T) {
	g, fs, _ := newTestGateway(t)
	m := pendingMeeting("bot-1")
	m.Status = models.StatusStarted
	fs.addMeeting(m)

	body := envelope(t, map[string]any{
		"bot_id":  "bot-1",
		"trigger": "bot.state_change",
		"data":    map[string]any{"new_state": "ended"},
	})
	_, err := g.Ingest(context.Background(), body)
	require.NoError(t, err)
	_, err = g.Ingest(context.Background(), body)
	require.NoError(t, err)

	got, err := fs.GetMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestIngestTranscriptChunkStoresAndDedupes(t *testing.T) {
	g, fs, _ := newTestGateway(t)
	m := pendingMeeting("bot-1")
	m.Status = models.StatusStarted
	fs.addMeeting(m)

	body := envelope(t, map[string]any{
		"bot_id":  "bot-1",
		"trigger": "transcript.update",
		"data": map[string]any{
			"speaker_name": "Ada",
			"timestamp_ms": 1700000000000,
			"transcription": map[string]any{
				"transcript": "hello world",
			},
		},
	})
	_, err := g.Ingest(context.Background(), body)
	require.NoError(t, err)
	_, err = g.Ingest(context.Background(), body)
	require.NoError(t, err)

	require.Len(t, fs.chunks, 1)
	for _, c := range fs.chunks {
		assert.Equal(t, "Ada", c.Speaker)
		assert.Equal(t, "hello world", c.Text)
		assert.Equal(t, "medium", c.Confidence)
	}
}

func TestIngestUnknownTypeWithTranscriptDataIsRescued(t *testing.T) {
	g, fs, _ := newTestGateway(t)
	m := pendingMeeting("bot-1")
	m.Status = models.StatusStarted
	fs.addMeeting(m)

	_, err := g.Ingest(context.Background(), envelope(t, map[string]any{
		"bot_id": "bot-1",
		"data": map[string]any{
			"speaker": "Bob",
			"text":    "rescued chunk",
		},
	}))
	require.NoError(t, err)
	require.Len(t, fs.chunks, 1)
}

func TestRedeliverResolvesAfterMeetingAppears(t *testing.T) {
	g, fs, _ := newTestGateway(t)

	body := envelope(t, map[string]any{
		"bot_id":  "bot-1",
		"trigger": "bot.state_change",
		"data":    map[string]any{"new_state": "joined_meeting"},
	})
	_, err := g.Ingest(context.Background(), body)
	require.ErrorIs(t, err, ErrUnresolvedMeeting)
	ev := fs.singleEvent(t)

	fs.addMeeting(pendingMeeting("bot-1"))
	require.NoError(t, g.Redeliver(context.Background(), ev))

	m, err := fs.GetMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, m.Status)
}

func TestVerifySignature(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"trigger":"bot.state_change"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifySignature(secret, sig, body))
	assert.False(t, VerifySignature(secret, sig, []byte("tampered")))
	assert.False(t, VerifySignature(secret, "sha256=deadbeef", body))
	assert.False(t, VerifySignature(secret, "", body))
	// Verification is disabled without a configured secret.
	assert.True(t, VerifySignature("", "", body))
}
