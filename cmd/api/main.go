package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"promptcore/internal/api"
	"promptcore/internal/config"
	"promptcore/internal/genai"
	"promptcore/internal/ledger"
	"promptcore/internal/logging"
	"promptcore/internal/queue"
	"promptcore/internal/ratelimit"
	"promptcore/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, queue.Options{VisibilityTimeout: cfg.VisibilityTimeout})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	bank := ledger.New(st, ledger.Options{
		MaxPackSize:       cfg.MaxPackSize,
		DailyBonusCredits: cfg.DailyBonusCredits,
		TriggerKeyTTL:     cfg.TriggerKeyTTL,
		PackMaxAttempts:   cfg.MaxAttempts,
	}, log)

	var chat api.Chatter
	if cfg.GeminiAPIKey != "" {
		client, err := genai.NewClient(genai.Options{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			Model:      cfg.GeminiModel,
			HTTPClient: &http.Client{Timeout: cfg.GeminiTimeout},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("init gemini client")
		}
		chat = client
	}

	server := api.New(cfg, st, q, bank, chat, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
