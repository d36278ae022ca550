package archive

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-tracker/internal/botapi"
	"meeting-tracker/internal/models"
	"meeting-tracker/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	meetings map[string]models.Meeting
	chunks   map[string]models.TranscriptChunk
	reports  []models.Report
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		meetings: make(map[string]models.Meeting),
		chunks:   make(map[string]models.TranscriptChunk),
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

func (f *fakeStore) ListTranscript(ctx context.Context, meetingID string) ([]models.TranscriptChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TranscriptChunk
	for _, c := range f.chunks {
		if c.MeetingID == meetingID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) HasReport(ctx context.Context, meetingID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reports {
		if r.MeetingID == meetingID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertReport(ctx context.Context, r models.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeStore) MarkMeetingArchived(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.meetings[id]
	if m.ArchivedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	m.ArchivedAt = &now
	f.meetings[id] = m
	return true, nil
}

type fakeBots struct {
	entries []botapi.TranscriptEntry
	err     error
	calls   int
}

func (f *fakeBots) Transcript(ctx context.Context, botID string) ([]botapi.TranscriptEntry, error) {
	f.calls++
	return f.entries, f.err
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeUploader) Upload(ctx context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = body
	return nil
}

func completedMeeting() models.Meeting {
	botID := "bot-1"
	return models.Meeting{ID: "m1", MeetingURL: "https://example.com/m", BotID: &botID, Status: models.StatusCompleted}
}

func TestArchiveBackfillsReportsAndUploads(t *testing.T) {
	fs := newFakeStore()
	fs.meetings["m1"] = completedMeeting()
	bots := &fakeBots{entries: []botapi.TranscriptEntry{
		{SpeakerName: "Ada", Text: "first chunk here", TimestampMS: 1700000000000},
		{SpeakerName: "Bob", Text: "second chunk", TimestampMS: 1700000005000},
	}}
	up := &fakeUploader{}
	a := NewArchiver(fs, bots, up)

	require.NoError(t, a.Archive(context.Background(), "m1"))

	assert.Len(t, fs.chunks, 2)
	require.Len(t, fs.reports, 1)
	assert.Equal(t, 2, fs.reports[0].Score["chunk_count"])
	assert.Equal(t, 2, fs.reports[0].Score["speaker_count"])
	assert.Equal(t, 5, fs.reports[0].Score["word_count"])

	body, ok := up.objects["transcripts/m1.json"]
	require.True(t, ok)
	var doc archiveDocument
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "m1", doc.MeetingID)
	assert.Len(t, doc.Transcript, 2)

	m, err := fs.GetMeeting(context.Background(), "m1")
	require.NoError(t, err)
	assert.NotNil(t, m.ArchivedAt)
}

func TestArchiveIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	fs.meetings["m1"] = completedMeeting()
	bots := &fakeBots{}
	a := NewArchiver(fs, bots, nil)

	require.NoError(t, a.Archive(context.Background(), "m1"))
	require.NoError(t, a.Archive(context.Background(), "m1"))

	assert.Equal(t, 1, bots.calls)
	assert.Len(t, fs.reports, 1)
}

func TestArchiveSkipsNonCompletedMeeting(t *testing.T) {
	fs := newFakeStore()
	m := completedMeeting()
	m.Status = models.StatusStarted
	fs.meetings["m1"] = m
	bots := &fakeBots{}
	a := NewArchiver(fs, bots, nil)

	require.NoError(t, a.Archive(context.Background(), "m1"))
	assert.Zero(t, bots.calls)
	assert.Empty(t, fs.reports)
}

func TestArchiveToleratesBackfillFailure(t *testing.T) {
	fs := newFakeStore()
	fs.meetings["m1"] = completedMeeting()
	fs.chunks["seed"] = models.TranscriptChunk{MeetingID: "m1", Speaker: "Ada", Text: "streamed chunk"}
	bots := &fakeBots{err: assert.AnError}
	a := NewArchiver(fs, bots, nil)

	require.NoError(t, a.Archive(context.Background(), "m1"))
	require.Len(t, fs.reports, 1)
	assert.Equal(t, 1, fs.reports[0].Score["chunk_count"])
}
