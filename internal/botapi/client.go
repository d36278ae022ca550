// Package botapi is the outbound client for the external meeting-bot API:
// bot creation, the point status query used by the polling reconciler, and
// full transcript fetch.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the external bot API using token auth.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BotStatus is the point-query response: the current external state plus the
// completion sub-signals that decide whether "ended" means completed or failed.
type BotStatus struct {
	ID                 string         `json:"id"`
	State              string         `json:"state"`
	RecordingState     string         `json:"recording_state"`
	TranscriptionState string         `json:"transcription_state"`
	Metadata           map[string]any `json:"metadata"`
}

// RecordingFailed reports whether the recording sub-signal is an error signal.
func (b BotStatus) RecordingFailed() bool {
	return b.RecordingState == "failed" || b.RecordingState == "error"
}

// TranscriptionFailed reports whether the transcription sub-signal is an
// error signal.
func (b BotStatus) TranscriptionFailed() bool {
	return b.TranscriptionState == "failed" || b.TranscriptionState == "error"
}

// CreateBotParams collects inputs for bot creation.
type CreateBotParams struct {
	MeetingURL string
	BotName    string
	JoinAt     *time.Time
	WebhookURL string
}

// CreateBot asks the external system to send a bot into the meeting and
// returns the external bot id used to correlate webhooks back to the meeting.
func (c *Client) CreateBot(ctx context.Context, p CreateBotParams) (string, error) {
	body := map[string]any{
		"meeting_url": p.MeetingURL,
		"bot_name":    p.BotName,
		"recording_settings": map[string]bool{
			"transcript": true,
			"video":      true,
			"audio":      true,
		},
	}
	if p.JoinAt != nil {
		body["join_at"] = p.JoinAt.UTC().Format(time.RFC3339)
	}
	if p.WebhookURL != "" {
		body["webhooks"] = []map[string]any{{
			"url": p.WebhookURL,
			"triggers": []string{
				"bot.state_change",
				"transcript.update",
				"chat_messages.update",
				"participant_events.join_leave",
			},
		}}
	}

	var resp struct {
		BotID string `json:"bot_id"`
		ID    string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/bots", body, &resp); err != nil {
		return "", err
	}
	botID := resp.BotID
	if botID == "" {
		botID = resp.ID
	}
	if botID == "" {
		return "", fmt.Errorf("bot id missing from create response")
	}
	return botID, nil
}

// BotStatus queries the external system for the bot's current state.
func (c *Client) BotStatus(ctx context.Context, botID string) (BotStatus, error) {
	var out BotStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/bots/"+botID, nil, &out); err != nil {
		return BotStatus{}, err
	}
	return out, nil
}

// TranscriptEntry is one transcript item as returned by the external API.
// Speaker and text appear under different keys depending on API version.
type TranscriptEntry struct {
	Speaker       string `json:"speaker"`
	SpeakerName   string `json:"speaker_name"`
	Text          string `json:"text"`
	Timestamp     string `json:"timestamp"`
	TimestampMS   int64  `json:"timestamp_ms"`
	Transcription struct {
		Transcript string `json:"transcript"`
	} `json:"transcription"`
}

// SpeakerLabel returns the best available speaker identifier.
func (t TranscriptEntry) SpeakerLabel() string {
	if t.SpeakerName != "" {
		return t.SpeakerName
	}
	if t.Speaker != "" {
		return t.Speaker
	}
	return "Unknown"
}

// TextContent returns the transcript text regardless of envelope variant.
func (t TranscriptEntry) TextContent() string {
	if t.Text != "" {
		return t.Text
	}
	return t.Transcription.Transcript
}

// Transcript fetches the full transcript for a bot. The API returns either a
// bare list or an object wrapping it under "transcript".
func (c *Client) Transcript(ctx context.Context, botID string) ([]TranscriptEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/bots/"+botID+"/transcript", nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}

	var entries []TranscriptEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}
	var wrapped struct {
		Transcript []TranscriptEntry `json:"transcript"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode transcript response: %w", err)
	}
	return wrapped.Transcript, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	raw, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) roundTrip(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call bot api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read bot api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bot api %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, truncate(raw, 256))
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
