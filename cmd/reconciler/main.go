package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"meeting-tracker/internal/archive"
	"meeting-tracker/internal/botapi"
	"meeting-tracker/internal/config"
	"meeting-tracker/internal/delivery"
	"meeting-tracker/internal/reconcile"
	"meeting-tracker/internal/registry"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/store"
	"meeting-tracker/internal/suspicion"
	"meeting-tracker/internal/webhook"
	"meeting-tracker/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("info: no .env file loaded: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()

	reg := registry.New(db)
	sched := schedule.New(rdb)
	bots := botapi.New(cfg.BotAPIBaseURL, cfg.BotAPIKey)
	gateway := webhook.NewGateway(reg, db, sched, cfg.FallbackTimeout)
	deliveries := delivery.NewManager(db, gateway, delivery.Policy{
		MaxAttempts: cfg.MaxDeliveryAttempts,
		RetryDelays: cfg.RetryDelays,
	})
	detector := suspicion.New(db, sched, suspicion.Config{
		MeetingTimeout:  cfg.MeetingTimeout,
		VeryLongTimeout: cfg.VeryLongTimeout,
		RecentWindow:    cfg.RecentWindow,
		RecheckDelay:    cfg.FallbackTimeout / 2,
	})
	reconciler := reconcile.New(reg, bots, db, sched)

	var uploader archive.Uploader
	if cfg.ArchiveBucket != "" {
		s3up, err := archive.NewS3Uploader(ctx, cfg.AWSRegion, cfg.ArchiveBucket)
		if err != nil {
			log.Fatalf("init s3 uploader: %v", err)
		}
		uploader = s3up
	} else {
		log.Println("info: no archive bucket configured, transcript upload disabled")
	}
	archiver := archive.NewArchiver(db, bots, uploader)

	runner := worker.NewRunner(sched, detector, reconciler, archiver, deliveries, db, worker.Config{
		PromoteInterval: cfg.PromoteInterval,
		ScanInterval:    cfg.ScanInterval,
		SweepInterval:   cfg.SweepInterval,
		TaskBatchSize:   int64(cfg.TaskBatchSize),
	})

	controlServer := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      runner.ControlRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error {
		if err := controlServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return controlServer.Shutdown(shutdownCtx)
	})

	log.Printf("info: reconciler running, control on %s (env %s)", cfg.ControlAddr, cfg.Env)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("reconciler: %v", err)
	}
	log.Println("info: reconciler stopped")
}
