package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"promptcore/internal/archive"
	"promptcore/internal/config"
	"promptcore/internal/genai"
	"promptcore/internal/logging"
	"promptcore/internal/orchestrator"
	"promptcore/internal/queue"
	"promptcore/internal/store"
	"promptcore/internal/telemetry"
	workerproc "promptcore/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if missing := cfg.MissingForGeneration(); len(missing) > 0 {
		log.Fatal().Strs("missing", missing).Msg("required settings absent")
	}

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

	gen, err := genai.NewClient(genai.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		HTTPClient: &http.Client{
			Timeout: cfg.GeminiTimeout,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init gemini client")
	}

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init archiver")
	}

	var arch orchestrator.Archiver
	if archiver != nil {
		arch = archiver
		log.Info().Str("bucket", cfg.ArchiveS3Bucket).Msg("pack archival enabled")
	}

	orch := orchestrator.New(st, gen, arch, orchestrator.Options{
		StepMaxAttempts: cfg.StepMaxAttempts,
		BackoffInitial:  cfg.BackoffInitial,
		BackoffMax:      cfg.BackoffMax,
	}, log)

	// A unique worker ID from hostname or env var, for log correlation.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, st, orch, workerID, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}
