package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"promptcore/internal/config"
	"promptcore/internal/models"
	"promptcore/internal/orchestrator"
	"promptcore/internal/queue"
	"promptcore/internal/telemetry"
)

// Store is the persistence the processor itself needs around each
// orchestration run.
type Store interface {
	GetPack(ctx context.Context, id string) (models.Pack, error)
	UpdateAttempts(ctx context.Context, id string, attempts int, lastErr string) error
	MarkFailed(ctx context.Context, id, lastError string) error
}

// Runner executes one pack end to end. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, packID string) error
}

// Processor drives the worker execution loop: reclaim expired leases, lease
// the next pack, hand it to the orchestrator, and settle the outcome.
type Processor struct {
	cfg      config.Config
	queue    *queue.PackQueue
	store    Store
	runner   Runner
	workerID string
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, q *queue.PackQueue, st Store, runner Runner, workerID string, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		runner:   runner,
		workerID: workerID,
		log:      log.With().Str("worker_id", workerID).Logger(),
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			p.log.Info().Int("reclaimed", len(reclaimed)).Msg("requeued expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		packID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || packID == "" {
			if err != nil {
				p.log.Warn().Err(err).Msg("dequeue")
			}
			if serr := sleepCtx(ctx, p.cfg.WorkerPollInterval); serr != nil {
				return serr
			}
			continue
		}

		p.process(ctx, packID)
	}
}

// process settles one leased pack: run it, then ack, retry, or dead-letter.
func (p *Processor) process(ctx context.Context, packID string) {
	pack, err := p.store.GetPack(ctx, packID)
	if err != nil {
		p.log.Error().Str("pack_id", packID).Err(err).Msg("load leased pack")
		_ = p.queue.Ack(ctx, packID)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err = p.runWithLease(ctx, packID)
	if err == nil {
		_ = p.queue.Ack(ctx, packID)
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-pack: leave the lease to expire so another worker
		// resumes from the persisted items.
		return
	}

	attempts := pack.Attempts + 1
	_ = p.store.UpdateAttempts(ctx, packID, attempts, err.Error())

	if attempts >= pack.MaxAttempts || attempts >= p.cfg.MaxAttempts {
		_ = p.store.MarkFailed(ctx, packID, err.Error())
		_ = p.queue.Ack(ctx, packID)
		_ = p.queue.DLQPush(ctx, packID)
		telemetry.PacksFailed.Inc()
		telemetry.PacksDeadLettered.Inc()
		p.log.Error().Str("pack_id", packID).Int("attempts", attempts).Err(err).Msg("pack dead-lettered")
		return
	}

	backoff := orchestrator.Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.queue.Ack(ctx, packID)
	_ = p.queue.Schedule(ctx, packID, nextRun)
	p.log.Warn().Str("pack_id", packID).Int("attempts", attempts).Time("next_run", nextRun).Err(err).Msg("pack retry scheduled")
}

// runWithLease executes the pack while a heartbeat pushes the visibility
// deadline forward. A pack can outlive any fixed lease (hundreds of sequential
// generation calls plus backoffs), and a lease that expires mid-run would let
// RequeueExpired hand the live pack to a second worker.
func (p *Processor) runWithLease(ctx context.Context, packID string) error {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(visibility / 3)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := p.queue.ExtendLease(hbCtx, packID, visibility); err != nil {
					p.log.Warn().Str("pack_id", packID).Err(err).Msg("extend lease")
				}
			}
		}
	}()

	err := p.runner.Run(ctx, packID)
	stopHeartbeat()
	<-done
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
