package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"meeting-tracker/internal/models"
)

// ErrReportNotFound is returned when a meeting has no analysis report yet.
var ErrReportNotFound = errors.New("report not found")

// InsertTranscriptChunk stores a transcript chunk, deduplicating on the
// (meeting_id, timestamp, speaker) key. Re-ingesting an identical chunk is a
// no-op, not an error; the bool reports whether a row was actually written.
func (s *Store) InsertTranscriptChunk(ctx context.Context, c models.TranscriptChunk) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_chunks (id, meeting_id, speaker, text, ts, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (meeting_id, ts, speaker) DO NOTHING
	`, c.ID, c.MeetingID, c.Speaker, c.Text, c.Timestamp, c.Confidence)
	if err != nil {
		return false, fmt.Errorf("insert transcript chunk: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListTranscript returns a meeting's transcript chunks in timestamp order.
func (s *Store) ListTranscript(ctx context.Context, meetingID string) ([]models.TranscriptChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, meeting_id, speaker, text, ts, confidence, created_at
		FROM transcript_chunks WHERE meeting_id = $1 ORDER BY ts ASC
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptChunk
	for rows.Next() {
		var c models.TranscriptChunk
		if err := rows.Scan(&c.ID, &c.MeetingID, &c.Speaker, &c.Text, &c.Timestamp, &c.Confidence, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertReport stores a downstream analysis artifact.
func (s *Store) InsertReport(ctx context.Context, r models.Report) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	scoreJSON, err := json.Marshal(r.Score)
	if err != nil {
		return fmt.Errorf("marshal report score: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports (id, meeting_id, score, created_at)
		VALUES ($1, $2, $3, NOW())
	`, r.ID, r.MeetingID, scoreJSON)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// GetReport fetches the analysis artifact for a meeting, if any.
func (s *Store) GetReport(ctx context.Context, meetingID string) (models.Report, error) {
	var r models.Report
	var scoreJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, meeting_id, score, created_at FROM reports WHERE meeting_id = $1
	`, meetingID).Scan(&r.ID, &r.MeetingID, &scoreJSON, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Report{}, ErrReportNotFound
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("query report: %w", err)
	}
	if err := json.Unmarshal(scoreJSON, &r.Score); err != nil {
		return models.Report{}, fmt.Errorf("unmarshal report score: %w", err)
	}
	return r, nil
}

// HasReport reports whether downstream analysis already produced a result
// for the meeting.
func (s *Store) HasReport(ctx context.Context, meetingID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM reports WHERE meeting_id = $1)
	`, meetingID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check report: %w", err)
	}
	return exists, nil
}
