// Package schedule provides a Redis-backed deferred-task schedule shared by
// the ingestion gateway (completion guards), the suspicion detector (delayed
// re-checks), and the API process (manual reconcile and sweep triggers). It
// is a single sorted set scored by due time, not a durable queue.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind identifies what a deferred task does when it fires.
type Kind string

const (
	// TaskGuard verifies a meeting actually reached terminal status after a
	// terminal-inducing webhook, and reconciles if not.
	TaskGuard Kind = "guard"
	// TaskRecheck re-evaluates a suspicious meeting after a grace period.
	TaskRecheck Kind = "recheck"
	// TaskReconcile polls the external system for one meeting immediately.
	TaskReconcile Kind = "reconcile"
	// TaskAnalysis runs downstream post-completion processing.
	TaskAnalysis Kind = "analysis"
	// TaskSweep runs one delivery retry sweep (manual trigger path).
	TaskSweep Kind = "sweep"
)

// Task is a deferred unit of work tied to at most one meeting.
type Task struct {
	Kind      Kind
	MeetingID string
}

func (t Task) token() string {
	return string(t.Kind) + ":" + t.MeetingID
}

func parseToken(tok string) (Task, error) {
	kind, id, ok := strings.Cut(tok, ":")
	if !ok {
		return Task{}, fmt.Errorf("malformed task token %q", tok)
	}
	return Task{Kind: Kind(kind), MeetingID: id}, nil
}

// Schedule coordinates deferred tasks in a Redis sorted set.
type Schedule struct {
	client *redis.Client
	key    string
}

func New(client *redis.Client) *Schedule {
	return &Schedule{client: client, key: "reconcile:scheduled"}
}

// Schedule registers a task to fire at the given time. Scheduling the same
// task again is a no-op that keeps the earlier deadline, so guard scheduling
// on duplicate webhook delivery stays idempotent.
func (s *Schedule) Schedule(ctx context.Context, t Task, at time.Time) error {
	err := s.client.ZAddNX(ctx, s.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: t.token(),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s for meeting %s: %w", t.Kind, t.MeetingID, err)
	}
	return nil
}

// Due atomically pops up to limit tasks whose deadline has passed. Popped
// tasks belong to the caller; a crashed worker loses them, which is fine
// because every task is re-derivable from the periodic scans.
func (s *Schedule) Due(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	res, err := dueScript.Run(ctx, s.client, []string{s.key}, now.UnixMilli(), limit).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pop due tasks: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}

	tasks := make([]Task, 0, len(raw))
	for _, v := range raw {
		tok, ok := v.(string)
		if !ok {
			continue
		}
		t, err := parseToken(tok)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Depth returns how many tasks are currently scheduled.
func (s *Schedule) Depth(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}

var dueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i = 1, #due do
  redis.call('ZREM', KEYS[1], due[i])
end
return due
`)
