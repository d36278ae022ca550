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

	"meeting-tracker/internal/api"
	"meeting-tracker/internal/botapi"
	"meeting-tracker/internal/config"
	"meeting-tracker/internal/delivery"
	"meeting-tracker/internal/ratelimit"
	"meeting-tracker/internal/registry"
	"meeting-tracker/internal/schedule"
	"meeting-tracker/internal/store"
	"meeting-tracker/internal/webhook"
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
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Minute)

	server := api.NewServer(gateway, db, bots, deliveries, sched, limiter, api.Config{
		WebhookSecret:  cfg.WebhookSecret,
		WebhookBaseURL: cfg.WebhookBaseURL,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("error: http shutdown: %v", err)
		}
	}()

	log.Printf("info: api listening on :%s (env %s)", cfg.HTTPPort, cfg.Env)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
	log.Println("info: api stopped")
}
