package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"meeting-tracker/internal/models"
)

// ErrMeetingNotFound is returned when no meeting matches a lookup. The
// ingestion gateway maps it to the fatal unresolved-meeting path: a webhook
// must never cause a meeting to be created implicitly.
var ErrMeetingNotFound = errors.New("meeting not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateMeetingParams collects inputs required to insert a meeting.
type CreateMeetingParams struct {
	MeetingURL string
	Metadata   map[string]any
}

// CreateMeeting inserts a new meeting in PENDING status. Meetings are only
// ever created here, on behalf of a client request; the reconciliation
// engine transitions them but never creates them.
func (s *Store) CreateMeeting(ctx context.Context, p CreateMeetingParams) (models.Meeting, error) {
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO meetings (id, meeting_url, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, p.MeetingURL, models.StatusPending, metaJSON, now)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("insert meeting: %w", err)
	}

	return models.Meeting{
		ID:         id,
		MeetingURL: p.MeetingURL,
		Status:     models.StatusPending,
		Metadata:   p.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetMeeting fetches a meeting by id.
func (s *Store) GetMeeting(ctx context.Context, id string) (models.Meeting, error) {
	return s.scanMeeting(s.pool.QueryRow(ctx, `
		SELECT id, meeting_url, bot_id, status, metadata, archived_at, created_at, updated_at
		FROM meetings WHERE id = $1
	`, id))
}

// GetMeetingByBotID resolves a meeting by its external bot id.
func (s *Store) GetMeetingByBotID(ctx context.Context, botID string) (models.Meeting, error) {
	return s.scanMeeting(s.pool.QueryRow(ctx, `
		SELECT id, meeting_url, bot_id, status, metadata, archived_at, created_at, updated_at
		FROM meetings WHERE bot_id = $1
	`, botID))
}

// SetMeetingBot records the external bot id assigned to a meeting and moves
// it out of PENDING.
func (s *Store) SetMeetingBot(ctx context.Context, id, botID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE meetings SET bot_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1
	`, id, botID, models.StatusStarted)
	return err
}

// TransitionStatus applies a status transition with compare-and-swap
// semantics: the update only succeeds if the row still holds the expected
// current status. This is the per-meeting exclusivity guarantee; webhook and
// poll driven transitions race freely and the loser re-reads and re-applies.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to models.MeetingStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition meeting %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchMeeting bumps updated_at without changing status. Called when an
// authoritative source (webhook or poll) observed the meeting and found no
// transition; mere inspection by the suspicion detector does not touch.
func (s *Store) TouchMeeting(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE meetings SET updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// MarkMeetingArchived records that the completed meeting's transcript
// artifact was stored, making downstream processing idempotent.
func (s *Store) MarkMeetingArchived(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings SET archived_at = NOW() WHERE id = $1 AND archived_at IS NULL
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// StaleMeetings returns non-terminal meetings whose updated_at is older than
// cutoff, candidates for the suspicion detector.
func (s *Store) StaleMeetings(ctx context.Context, cutoff time.Time) ([]models.Meeting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, meeting_url, bot_id, status, metadata, archived_at, created_at, updated_at
		FROM meetings
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
	`, []string{string(models.StatusPending), string(models.StatusStarted)}, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale meetings: %w", err)
	}
	defer rows.Close()

	var out []models.Meeting
	for rows.Next() {
		m, err := s.scanMeetingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type meetingScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMeeting(row pgx.Row) (models.Meeting, error) {
	m, err := s.scanMeetingRows(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Meeting{}, ErrMeetingNotFound
	}
	return m, err
}

func (s *Store) scanMeetingRows(row meetingScanner) (models.Meeting, error) {
	var m models.Meeting
	var metaJSON []byte
	var botID pgtype.Text
	var archivedAt pgtype.Timestamptz

	err := row.Scan(&m.ID, &m.MeetingURL, &botID, &m.Status, &metaJSON, &archivedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Meeting{}, err
		}
		return models.Meeting{}, fmt.Errorf("scan meeting: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return models.Meeting{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	m.BotID = textPtr(botID)
	m.ArchivedAt = timePtr(archivedAt)
	return m, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
