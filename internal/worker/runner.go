// Package worker drives the reconciler process: the deferred-task promote
// loop plus the periodic suspicion scan and delivery sweep, with per-loop
// pause controls exposed over a small HTTP surface.
package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"meeting-tracker/internal/models"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/status"
	"meeting-tracker/internal/telemetry"
)

// TaskSource pops due deferred tasks.
type TaskSource interface {
	Due(ctx context.Context, now time.Time, limit int64) ([]schedule.Task, error)
	Depth(ctx context.Context) (int64, error)
}

// Detector is the suspicion scan surface.
type Detector interface {
	Scan(ctx context.Context) (int, error)
	Recheck(ctx context.Context, meetingID string) (bool, error)
}

// Reconciler polls one meeting against the external system.
type Reconciler interface {
	Reconcile(ctx context.Context, meetingID string) (status.Transition, error)
}

// Archiver runs post-completion analysis.
type Archiver interface {
	Archive(ctx context.Context, meetingID string) error
}

// Sweeper runs one delivery retry sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// MeetingReader is the lookup the completion guard needs.
type MeetingReader interface {
	GetMeeting(ctx context.Context, id string) (models.Meeting, error)
}

// Config tunes the runner's loops.
type Config struct {
	PromoteInterval time.Duration
	ScanInterval    time.Duration
	SweepInterval   time.Duration
	TaskBatchSize   int64
}

// Runner owns the reconciler's background loops.
type Runner struct {
	tasks      TaskSource
	detector   Detector
	reconciler Reconciler
	archiver   Archiver
	sweeper    Sweeper
	meetings   MeetingReader
	cfg        Config

	pausedScan  atomic.Bool
	pausedSweep atomic.Bool
	pausedTasks atomic.Bool
}

func NewRunner(tasks TaskSource, detector Detector, reconciler Reconciler, archiver Archiver, sweeper Sweeper, meetings MeetingReader, cfg Config) *Runner {
	if cfg.TaskBatchSize <= 0 {
		cfg.TaskBatchSize = 100
	}
	return &Runner{
		tasks:      tasks,
		detector:   detector,
		reconciler: reconciler,
		archiver:   archiver,
		sweeper:    sweeper,
		meetings:   meetings,
		cfg:        cfg,
	}
}

// Run blocks until ctx is cancelled, driving all three loops. A failing
// iteration is logged and the loop keeps going; only cancellation stops it.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, "tasks", r.cfg.PromoteInterval, &r.pausedTasks, r.promote) })
	g.Go(func() error { return r.loop(ctx, "scan", r.cfg.ScanInterval, &r.pausedScan, r.scan) })
	g.Go(func() error { return r.loop(ctx, "sweep", r.cfg.SweepInterval, &r.pausedSweep, r.sweep) })
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, paused *atomic.Bool, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if paused.Load() {
				continue
			}
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Printf("error: %s loop iteration: %v", name, err)
			}
		}
	}
}

func (r *Runner) promote(ctx context.Context) error {
	due, err := r.tasks.Due(ctx, time.Now(), r.cfg.TaskBatchSize)
	if err != nil {
		return err
	}
	for _, t := range due {
		if err := r.runTask(ctx, t); err != nil {
			// Popped tasks are not retried here; the periodic scan
			// re-derives anything that still matters.
			log.Printf("error: task %s for meeting %s: %v", t.Kind, t.MeetingID, err)
		}
	}
	return nil
}

func (r *Runner) scan(ctx context.Context) error {
	flagged, err := r.detector.Scan(ctx)
	if err != nil {
		return err
	}
	if flagged > 0 {
		log.Printf("info: suspicion scan flagged %d meetings", flagged)
	}
	return nil
}

func (r *Runner) sweep(ctx context.Context) error {
	delivered, err := r.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if delivered > 0 {
		log.Printf("info: delivery sweep recovered %d events", delivered)
	}
	return nil
}

func (r *Runner) runTask(ctx context.Context, t schedule.Task) error {
	telemetry.TasksRun.Inc()
	switch t.Kind {
	case schedule.TaskGuard:
		return r.runGuard(ctx, t.MeetingID)
	case schedule.TaskRecheck:
		_, err := r.detector.Recheck(ctx, t.MeetingID)
		return err
	case schedule.TaskReconcile:
		_, err := r.reconciler.Reconcile(ctx, t.MeetingID)
		return err
	case schedule.TaskAnalysis:
		return r.archiver.Archive(ctx, t.MeetingID)
	case schedule.TaskSweep:
		_, err := r.sweeper.Sweep(ctx)
		return err
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

// runGuard fires after a terminal-inducing webhook: if the meeting is still
// not terminal once the fallback window passed, something was lost and the
// meeting is reconciled against the external system.
func (r *Runner) runGuard(ctx context.Context, meetingID string) error {
	m, err := r.meetings.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	log.Printf("warn: meeting %s still %s after terminal webhook, reconciling", m.ID, m.Status)
	_, err = r.reconciler.Reconcile(ctx, meetingID)
	return err
}

func (r *Runner) flag(name string) *atomic.Bool {
	switch name {
	case "scan":
		return &r.pausedScan
	case "sweep":
		return &r.pausedSweep
	case "tasks":
		return &r.pausedTasks
	default:
		return nil
	}
}

// ControlRouter exposes loop pause/resume and a queue-depth readout for
// operators.
func (r *Runner) ControlRouter() chi.Router {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Get("/loops", func(w http.ResponseWriter, req *http.Request) {
		depth, err := r.tasks.Depth(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"task_depth":%d,"paused":{"scan":%t,"sweep":%t,"tasks":%t}}`,
			depth, r.pausedScan.Load(), r.pausedSweep.Load(), r.pausedTasks.Load())
	})
	router.Post("/loops/{name}/pause", func(w http.ResponseWriter, req *http.Request) {
		r.setPaused(w, req, true)
	})
	router.Post("/loops/{name}/resume", func(w http.ResponseWriter, req *http.Request) {
		r.setPaused(w, req, false)
	})
	return router
}

func (r *Runner) setPaused(w http.ResponseWriter, req *http.Request, paused bool) {
	name := chi.URLParam(req, "name")
	flag := r.flag(name)
	if flag == nil {
		http.Error(w, fmt.Sprintf("unknown loop %q", name), http.StatusNotFound)
		return
	}
	flag.Store(paused)
	log.Printf("info: loop %s paused=%t", name, paused)
	w.WriteHeader(http.StatusOK)
}
