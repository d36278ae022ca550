// Package archive runs the downstream analysis for completed meetings: it
// backfills any transcript chunks the webhook stream missed, writes the
// analysis report, and ships the full transcript to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"meeting-tracker/internal/botapi"
	"meeting-tracker/internal/models"
)

// Store is the persistence the archiver needs.
type Store interface {
	GetMeeting(ctx context.Context, id string) (models.Meeting, error)
	InsertTranscriptChunk(ctx context.Context, c models.TranscriptChunk) (bool, error)
	ListTranscript(ctx context.Context, meetingID string) ([]models.TranscriptChunk, error)
	HasReport(ctx context.Context, meetingID string) (bool, error)
	InsertReport(ctx context.Context, r models.Report) error
	MarkMeetingArchived(ctx context.Context, id string) (bool, error)
}

// Transcripts fetches the authoritative transcript from the external system.
type Transcripts interface {
	Transcript(ctx context.Context, botID string) ([]botapi.TranscriptEntry, error)
}

// Uploader ships the archived transcript document to object storage.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Archiver runs the post-completion pipeline for one meeting at a time.
type Archiver struct {
	store    Store
	bots     Transcripts
	uploader Uploader
}

// NewArchiver builds an archiver. uploader may be nil, which skips the
// object-storage step (no bucket configured).
func NewArchiver(store Store, bots Transcripts, uploader Uploader) *Archiver {
	return &Archiver{store: store, bots: bots, uploader: uploader}
}

// Archive runs analysis for a completed meeting. Idempotent: a meeting that
// was already archived is skipped, so the analysis task can fire from both
// the webhook path and the reconciler without double work.
func (a *Archiver) Archive(ctx context.Context, meetingID string) error {
	m, err := a.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.ArchivedAt != nil {
		return nil
	}
	if m.Status != models.StatusCompleted {
		log.Printf("info: skipping analysis for meeting %s in status %s", m.ID, m.Status)
		return nil
	}

	if m.BotID != nil {
		if err := a.backfillTranscript(ctx, m); err != nil {
			// The webhook-streamed chunks are still usable.
			log.Printf("warn: transcript backfill for meeting %s: %v", m.ID, err)
		}
	}

	chunks, err := a.store.ListTranscript(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	if err := a.writeReport(ctx, m, chunks); err != nil {
		return err
	}
	if a.uploader != nil {
		if err := a.uploadTranscript(ctx, m, chunks); err != nil {
			return err
		}
	}

	archived, err := a.store.MarkMeetingArchived(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("mark meeting archived: %w", err)
	}
	if !archived {
		log.Printf("info: meeting %s archived concurrently", m.ID)
	}
	return nil
}

// backfillTranscript merges the API's full transcript into the chunk store.
// Dedup on (meeting, timestamp, speaker) makes re-runs harmless.
func (a *Archiver) backfillTranscript(ctx context.Context, m models.Meeting) error {
	entries, err := a.bots.Transcript(ctx, *m.BotID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		text := e.TextContent()
		if text == "" {
			continue
		}
		ts := time.Now().UTC()
		if e.TimestampMS > 0 {
			ts = time.UnixMilli(e.TimestampMS).UTC()
		} else if e.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
				ts = parsed.UTC()
			}
		}
		_, err := a.store.InsertTranscriptChunk(ctx, models.TranscriptChunk{
			MeetingID:  m.ID,
			Speaker:    e.SpeakerLabel(),
			Text:       text,
			Timestamp:  ts,
			Confidence: "high",
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) writeReport(ctx context.Context, m models.Meeting, chunks []models.TranscriptChunk) error {
	exists, err := a.store.HasReport(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("check report: %w", err)
	}
	if exists {
		return nil
	}

	speakers := make(map[string]int)
	words := 0
	for _, c := range chunks {
		speakers[c.Speaker]++
		words += len(strings.Fields(c.Text))
	}
	score := map[string]any{
		"chunk_count":   len(chunks),
		"speaker_count": len(speakers),
		"word_count":    words,
	}
	if len(chunks) > 0 {
		score["duration_seconds"] = chunks[len(chunks)-1].Timestamp.Sub(chunks[0].Timestamp).Seconds()
	}
	if err := a.store.InsertReport(ctx, models.Report{MeetingID: m.ID, Score: score}); err != nil {
		return err
	}
	return nil
}

// archiveDocument is the JSON shape written to object storage.
type archiveDocument struct {
	MeetingID  string                   `json:"meeting_id"`
	MeetingURL string                   `json:"meeting_url"`
	Status     models.MeetingStatus     `json:"status"`
	ArchivedAt time.Time                `json:"archived_at"`
	Transcript []models.TranscriptChunk `json:"transcript"`
}

func (a *Archiver) uploadTranscript(ctx context.Context, m models.Meeting, chunks []models.TranscriptChunk) error {
	doc, err := json.Marshal(archiveDocument{
		MeetingID:  m.ID,
		MeetingURL: m.MeetingURL,
		Status:     m.Status,
		ArchivedAt: time.Now().UTC(),
		Transcript: chunks,
	})
	if err != nil {
		return fmt.Errorf("marshal archive document: %w", err)
	}
	key := "transcripts/" + m.ID + ".json"
	if err := a.uploader.Upload(ctx, key, doc); err != nil {
		return fmt.Errorf("upload transcript archive: %w", err)
	}
	log.Printf("info: archived transcript for meeting %s at %s", m.ID, key)
	return nil
}

// S3Uploader ships archive documents to an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func NewS3Uploader(ctx context.Context, region, bucket string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return nil
}
