package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/status"
	"meeting-tracker/internal/store"
)

type fakeTasks struct {
	mu  sync.Mutex
	due []schedule.Task
}

func (f *fakeTasks) Due(ctx context.Context, now time.Time, limit int64) ([]schedule.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeTasks) Depth(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.due)), nil
}

type fakeDetector struct {
	mu        sync.Mutex
	scans     int
	rechecked []string
}

func (f *fakeDetector) Scan(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return 0, nil
}

func (f *fakeDetector) Recheck(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rechecked = append(f.rechecked, id)
	return false, nil
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, id string) (status.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return status.Unchanged(), nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeArchiver) Archive(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return nil
}

type fakeSweeper struct {
	mu     sync.Mutex
	sweeps int
}

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0, nil
}

type fakeMeetings struct {
	meetings map[string]models.Meeting
}

func (f *fakeMeetings) GetMeeting(ctx context.Context, id string) (models.Meeting, error) {
	m, ok := f.meetings[id]
	if !ok {
		return models.Meeting{}, store.ErrMeetingNotFound
	}
	return m, nil
}

func testRunner() (*Runner, *fakeDetector, *fakeReconciler, *fakeArchiver, *fakeSweeper, *fakeMeetings) {
	detector := &fakeDetector{}
	reconciler := &fakeReconciler{}
	archiver := &fakeArchiver{}
	sweeper := &fakeSweeper{}
	meetings := &fakeMeetings{meetings: make(map[string]models.Meeting)}
	r := NewRunner(&fakeTasks{}, detector, reconciler, archiver, sweeper, meetings, Config{
		PromoteInterval: time.Millisecond,
		ScanInterval:    time.Millisecond,
		SweepInterval:   time.Millisecond,
		TaskBatchSize:   10,
	})
	return r, detector, reconciler, archiver, sweeper, meetings
}

func TestRunTaskDispatch(t *testing.T) {
	r, detector, reconciler, archiver, sweeper, meetings := testRunner()
	ctx := context.Background()
	meetings.meetings["m1"] = models.Meeting{ID: "m1", Status: models.StatusStarted}

	require.NoError(t, r.runTask(ctx, schedule.Task{Kind: schedule.TaskRecheck, MeetingID: "m1"}))
	assert.Equal(t, []string{"m1"}, detector.rechecked)

	require.NoError(t, r.runTask(ctx, schedule.Task{Kind: schedule.TaskReconcile, MeetingID: "m1"}))
	assert.Equal(t, []string{"m1"}, reconciler.calls)

	require.NoError(t, r.runTask(ctx, schedule.Task{Kind: schedule.TaskAnalysis, MeetingID: "m1"}))
	assert.Equal(t, []string{"m1"}, archiver.calls)

	require.NoError(t, r.runTask(ctx, schedule.Task{Kind: schedule.TaskSweep}))
	assert.Equal(t, 1, sweeper.sweeps)

	require.Error(t, r.runTask(ctx, schedule.Task{Kind: "bogus"}))
}

func TestGuardReconcilesOnlyNonTerminalMeetings(t *testing.T) {
	r, _, reconciler, _, _, meetings := testRunner()
	ctx := context.Background()

	meetings.meetings["done"] = models.Meeting{ID: "done", Status: models.StatusCompleted}
	require.NoError(t, r.runTask(ctx, schedule.Task{Kind: schedule.TaskGuard, MeetingID: "done"}))
	assert.Empty(t, reconciler.calls)

	meetings.meetings["stuck"] = models.Meeting{ID: "stuck", Status: models.StatusStarted}
	require.NoError(t, r.runTask(ctx, schedule.Task{Kind: schedule.TaskGuard, MeetingID: "stuck"}))
	assert.Equal(t, []string{"stuck"}, reconciler.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, detector, _, _, sweeper, _ := testRunner()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on cancel")
	}

	detector.mu.Lock()
	scans := detector.scans
	detector.mu.Unlock()
	sweeper.mu.Lock()
	sweeps := sweeper.sweeps
	sweeper.mu.Unlock()
	assert.Greater(t, scans, 0)
	assert.Greater(t, sweeps, 0)
}

func TestControlRouterPauseResume(t *testing.T) {
	r, detector, _, _, _, _ := testRunner()
	srv := httptest.NewServer(r.ControlRouter())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/loops/scan/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, r.pausedScan.Load())

	// A paused loop skips its iterations.
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	detector.mu.Lock()
	assert.Zero(t, detector.scans)
	detector.mu.Unlock()

	resp, err = http.Post(srv.URL+"/loops/scan/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.False(t, r.pausedScan.Load())

	resp, err = http.Post(srv.URL+"/loops/bogus/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
