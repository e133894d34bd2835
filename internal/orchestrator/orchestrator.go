package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"promptcore/internal/genai"
	"promptcore/internal/models"
	"promptcore/internal/telemetry"
)

// Store is the slice of persistence the orchestrator depends on. *store.Store
// satisfies it; tests run against an in-memory fake.
type Store interface {
	GetPack(ctx context.Context, id string) (models.Pack, error)
	PackStatus(ctx context.Context, id string) (string, error)
	UpdatePackStatus(ctx context.Context, id, status string) error
	NextStepIndex(ctx context.Context, packID string) (int, error)
	CountItems(ctx context.Context, packID string) (int, error)
	AppendItem(ctx context.Context, item models.PromptItem) (bool, error)
	BumpProducedCount(ctx context.Context, id string, produced int) error
	MarkCompleted(ctx context.Context, id string, produced int) error
	ListItems(ctx context.Context, packID string) ([]models.PromptItem, error)
}

// Generator produces one validated prompt item per call.
type Generator interface {
	GeneratePromptItem(ctx context.Context, req genai.GenerateRequest) (models.PromptItem, error)
}

// Archiver stores a finished pack outside the primary database. Optional.
type Archiver interface {
	StorePack(ctx context.Context, pack models.Pack, items []models.PromptItem) error
}

// Options tunes retry behavior.
type Options struct {
	StepMaxAttempts int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	// MaxConsecutiveSkips distinguishes one bad unit from a provider that is
	// down across the board; hitting it escalates to a systemic failure.
	MaxConsecutiveSkips int
	// Sleep is swappable so tests do not wait out real backoffs.
	Sleep func(context.Context, time.Duration) error
	// PickIndex selects from a vocabulary of size n. Defaults to uniform
	// random; tests swap in a deterministic picker.
	PickIndex func(n int) int
}

// Orchestrator drives a pack through its generation steps: strictly
// sequential, one item per step, each step durable and re-entrant. Interrupt
// it anywhere and a re-run resumes from the persisted item log.
type Orchestrator struct {
	store    Store
	gen      Generator
	archiver Archiver
	opts     Options
	log      zerolog.Logger
}

func New(st Store, gen Generator, archiver Archiver, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.StepMaxAttempts == 0 {
		opts.StepMaxAttempts = 3
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = time.Minute
	}
	if opts.MaxConsecutiveSkips == 0 {
		opts.MaxConsecutiveSkips = 3
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.PickIndex == nil {
		opts.PickIndex = rand.Intn
	}
	return &Orchestrator{store: st, gen: gen, archiver: archiver, opts: opts, log: log}
}

// Run executes (or resumes) the step sequence for one pack. A nil return
// means the pack reached a terminal state on its own terms: completed,
// possibly degraded, or cancelled. An error means a systemic failure the
// caller should retry or dead-letter; produced items are retained either way.
func (o *Orchestrator) Run(ctx context.Context, packID string) error {
	pack, err := o.store.GetPack(ctx, packID)
	if err != nil {
		return fmt.Errorf("load pack: %w", err)
	}

	switch pack.Status {
	case models.StatusCompleted, models.StatusCancelled, models.StatusFailed:
		// Re-invocation of a finished pack is a no-op.
		return nil
	}

	if err := o.store.UpdatePackStatus(ctx, pack.ID, models.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	// Resume point: steps below this index already persisted their item.
	next, err := o.store.NextStepIndex(ctx, pack.ID)
	if err != nil {
		return fmt.Errorf("resume point: %w", err)
	}
	produced, err := o.store.CountItems(ctx, pack.ID)
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}

	log := o.log.With().Str("pack_id", pack.ID).Str("topic", pack.Topic).Logger()
	if next > 0 {
		log.Info().Int("resume_step", next).Int("produced", produced).Msg("resuming pack")
	}

	consecutiveSkips := 0
	for step := next; step < pack.RequestedCount; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, err := o.store.PackStatus(ctx, pack.ID)
		if err != nil {
			return fmt.Errorf("poll status: %w", err)
		}
		if status == models.StatusCancelled {
			log.Info().Int("step", step).Int("produced", produced).Msg("pack cancelled, stopping")
			return nil
		}

		req := genai.GenerateRequest{
			Topic:      pack.Topic,
			Difficulty: models.Difficulties[o.opts.PickIndex(len(models.Difficulties))],
			Style:      models.Styles[o.opts.PickIndex(len(models.Styles))],
		}

		item, err := o.generateStep(ctx, req, log, step)
		if err != nil {
			if errors.Is(err, genai.ErrProviderUnavailable) {
				return fmt.Errorf("step %d: %w", step, err)
			}
			consecutiveSkips++
			telemetry.ItemsSkipped.Inc()
			log.Warn().Int("step", step).Err(err).Msg("step exhausted retries, skipping unit")
			if consecutiveSkips >= o.opts.MaxConsecutiveSkips {
				return fmt.Errorf("%d consecutive failed units, treating provider as down: %w", consecutiveSkips, err)
			}
			continue
		}
		consecutiveSkips = 0

		item.PackID = pack.ID
		item.StepIndex = step
		inserted, err := o.appendStep(ctx, item)
		if err != nil {
			// Persistence is the durability boundary; without it the step is
			// not done and correctness is gone.
			return fmt.Errorf("persist step %d: %w", step, err)
		}
		if inserted {
			produced++
			telemetry.ItemsGenerated.Inc()
		}
		if err := o.store.BumpProducedCount(ctx, pack.ID, produced); err != nil {
			log.Warn().Err(err).Msg("bump produced count")
		}
	}

	if err := o.store.MarkCompleted(ctx, pack.ID, produced); err != nil {
		return fmt.Errorf("finalize pack: %w", err)
	}
	telemetry.PacksCompleted.Inc()
	log.Info().Int("produced", produced).Int("requested", pack.RequestedCount).Msg("pack completed")

	o.archive(ctx, pack, log)
	return nil
}

// generateStep calls the generator with bounded, backed-off retries. Only
// retryable generation failures are retried; a provider-unavailable error is
// returned immediately.
func (o *Orchestrator) generateStep(ctx context.Context, req genai.GenerateRequest, log zerolog.Logger, step int) (models.PromptItem, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.StepMaxAttempts; attempt++ {
		item, err := o.gen.GeneratePromptItem(ctx, req)
		if err == nil {
			return item, nil
		}
		if errors.Is(err, genai.ErrProviderUnavailable) {
			return models.PromptItem{}, err
		}
		lastErr = err
		if attempt < o.opts.StepMaxAttempts {
			telemetry.GenerationRetries.Inc()
			delay := Backoff(o.opts.BackoffInitial, o.opts.BackoffMax, attempt)
			log.Debug().Int("step", step).Int("attempt", attempt).Dur("backoff", delay).Err(err).Msg("generation retry")
			if serr := o.opts.Sleep(ctx, delay); serr != nil {
				return models.PromptItem{}, serr
			}
		}
	}
	return models.PromptItem{}, lastErr
}

// appendStep retries the item insert; repeated persistence failure escalates.
func (o *Orchestrator) appendStep(ctx context.Context, item models.PromptItem) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.StepMaxAttempts; attempt++ {
		inserted, err := o.store.AppendItem(ctx, item)
		if err == nil {
			return inserted, nil
		}
		lastErr = err
		if attempt < o.opts.StepMaxAttempts {
			if serr := o.opts.Sleep(ctx, Backoff(o.opts.BackoffInitial, o.opts.BackoffMax, attempt)); serr != nil {
				return false, serr
			}
		}
	}
	return false, lastErr
}

func (o *Orchestrator) archive(ctx context.Context, pack models.Pack, log zerolog.Logger) {
	if o.archiver == nil {
		return
	}
	finished, err := o.store.GetPack(ctx, pack.ID)
	if err != nil {
		log.Warn().Err(err).Msg("archive: reload pack")
		return
	}
	items, err := o.store.ListItems(ctx, pack.ID)
	if err != nil {
		log.Warn().Err(err).Msg("archive: list items")
		return
	}
	// Archival is best effort and never fails the pack.
	if err := o.archiver.StorePack(ctx, finished, items); err != nil {
		log.Warn().Err(err).Msg("archive pack")
	}
}

// Backoff computes an exponential delay with jitter for the given attempt.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
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
