package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"promptcore/internal/models"
	"promptcore/internal/store"
	"promptcore/internal/telemetry"
)

// Store is the persistence surface the ledger needs. *store.Store satisfies
// it; tests substitute fakes.
type Store interface {
	GetOrCreateProfile(ctx context.Context, userID string) (models.Profile, error)
	ApplyDailyBonus(ctx context.Context, userID string, credits int, window time.Duration) (bool, error)
	CreatePackCharged(ctx context.Context, p store.CreatePackParams) (models.Pack, bool, error)
	DebitChatTurn(ctx context.Context, userID string) error
	BumpLifetime(ctx context.Context, userID string, n int) error
	AddCredits(ctx context.Context, userID string, credits int) error
	SetTier(ctx context.Context, userID, tier string) error
}

// Options tunes the ledger's policy knobs.
type Options struct {
	MaxPackSize       int
	DailyBonusCredits int
	DailyBonusWindow  time.Duration
	TriggerKeyTTL     time.Duration
	PackMaxAttempts   int
}

// Ledger gates pack triggers and chat turns behind the per-user credit
// balance.
type Ledger struct {
	store Store
	opts  Options
	log   zerolog.Logger
}

// Authorization is the result of a successful charge.
type Authorization struct {
	Pack       models.Pack
	BaseCost   int
	Cost       int
	NewBalance int
	Idempotent bool
}

func New(st Store, opts Options, log zerolog.Logger) *Ledger {
	if opts.MaxPackSize == 0 {
		opts.MaxPackSize = 500
	}
	if opts.DailyBonusCredits == 0 {
		opts.DailyBonusCredits = 100
	}
	if opts.DailyBonusWindow == 0 {
		opts.DailyBonusWindow = 24 * time.Hour
	}
	if opts.TriggerKeyTTL == 0 {
		opts.TriggerKeyTTL = 24 * time.Hour
	}
	if opts.PackMaxAttempts == 0 {
		opts.PackMaxAttempts = 5
	}
	return &Ledger{store: st, opts: opts, log: log}
}

// AuthorizeAndCharge prices the requested batch, applies the daily refresh,
// and, balance permitting, creates the pack and debits the full cost in one
// atomic operation. Replaying the same triggerKey returns the original pack
// without charging again. On rejection nothing is mutated.
func (l *Ledger) AuthorizeAndCharge(ctx context.Context, userID, topic string, count int, triggerKey string) (Authorization, error) {
	if count < 1 || count > l.opts.MaxPackSize {
		return Authorization{}, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	profile, err := l.refreshedProfile(ctx, userID)
	if err != nil {
		return Authorization{}, err
	}

	base, total := Cost(count, profile.LifetimePrompts, profile.Tier)

	if !profile.Unmetered && profile.Credits < total {
		telemetry.InsufficientCredits.Inc()
		return Authorization{}, &InsufficientCreditsError{Cost: total, Balance: profile.Credits}
	}

	pack, idempotent, err := l.store.CreatePackCharged(ctx, store.CreatePackParams{
		UserID:         userID,
		Topic:          topic,
		RequestedCount: count,
		Cost:           total,
		Unmetered:      profile.Unmetered,
		MaxAttempts:    l.opts.PackMaxAttempts,
		TriggerKey:     triggerKey,
		TriggerKeyTTL:  l.opts.TriggerKeyTTL,
	})
	if errors.Is(err, store.ErrInsufficientFunds) {
		// Lost a race against a concurrent trigger; re-read for the error body.
		telemetry.InsufficientCredits.Inc()
		current, perr := l.store.GetOrCreateProfile(ctx, userID)
		if perr != nil {
			return Authorization{}, perr
		}
		return Authorization{}, &InsufficientCreditsError{Cost: total, Balance: current.Credits}
	}
	if err != nil {
		return Authorization{}, fmt.Errorf("charge pack: %w", err)
	}

	newBalance := profile.Credits
	if !profile.Unmetered && !idempotent {
		newBalance = profile.Credits - total
		telemetry.CreditsCharged.Add(float64(total))
	}

	l.log.Info().
		Str("user_id", userID).
		Str("pack_id", pack.ID).
		Int("count", count).
		Int("base_cost", base).
		Int("cost", total).
		Int("balance", newBalance).
		Bool("idempotent", idempotent).
		Msg("pack authorized")

	return Authorization{
		Pack:       pack,
		BaseCost:   base,
		Cost:       total,
		NewBalance: newBalance,
		Idempotent: idempotent,
	}, nil
}

// DebitChatTurn charges the flat one-credit chat rate, with the same daily
// refresh semantics as the pack trigger. Unmetered accounts skip the debit but
// still count the turn.
func (l *Ledger) DebitChatTurn(ctx context.Context, userID string) error {
	profile, err := l.refreshedProfile(ctx, userID)
	if err != nil {
		return err
	}
	if profile.Unmetered {
		return l.store.BumpLifetime(ctx, userID, 1)
	}
	if err := l.store.DebitChatTurn(ctx, userID); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			telemetry.InsufficientCredits.Inc()
			return &InsufficientCreditsError{Cost: 1, Balance: profile.Credits}
		}
		return err
	}
	return nil
}

// ApplyTopUp credits a paid purchase reported by the billing webhook.
func (l *Ledger) ApplyTopUp(ctx context.Context, userID string, credits int) error {
	if credits <= 0 {
		return fmt.Errorf("%w: top-up of %d credits", ErrInvalidCount, credits)
	}
	if err := l.store.AddCredits(ctx, userID, credits); err != nil {
		return fmt.Errorf("apply top-up: %w", err)
	}
	l.log.Info().Str("user_id", userID).Int("credits", credits).Msg("top-up applied")
	return nil
}

// SetTier records a subscription change reported by the billing webhook.
func (l *Ledger) SetTier(ctx context.Context, userID, tier string) error {
	switch tier {
	case models.TierFree, models.TierPro, models.TierUltimate:
	default:
		return fmt.Errorf("unknown tier %q", tier)
	}
	if err := l.store.SetTier(ctx, userID, tier); err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	l.log.Info().Str("user_id", userID).Str("tier", tier).Msg("tier updated")
	return nil
}

// refreshedProfile loads the profile after applying the daily top-up rule.
func (l *Ledger) refreshedProfile(ctx context.Context, userID string) (models.Profile, error) {
	if _, err := l.store.GetOrCreateProfile(ctx, userID); err != nil {
		return models.Profile{}, err
	}
	refreshed, err := l.store.ApplyDailyBonus(ctx, userID, l.opts.DailyBonusCredits, l.opts.DailyBonusWindow)
	if err != nil {
		return models.Profile{}, err
	}
	profile, err := l.store.GetOrCreateProfile(ctx, userID)
	if err != nil {
		return models.Profile{}, err
	}
	if refreshed {
		l.log.Debug().Str("user_id", userID).Int("credits", profile.Credits).Msg("daily bonus applied")
	}
	return profile, nil
}
