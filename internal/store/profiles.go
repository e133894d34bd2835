package store

import (
	"context"
	"fmt"
	"time"

	"promptcore/internal/models"
)

// GetOrCreateProfile loads a user's ledger row, creating it with the starting
// balance on first sight.
func (s *Store) GetOrCreateProfile(ctx context.Context, userID string) (models.Profile, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return models.Profile{}, fmt.Errorf("ensure profile: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT user_id, credits, last_daily_bonus, lifetime_prompts, tier, unmetered, created_at, updated_at
		FROM profiles WHERE user_id = $1
	`, userID)

	var p models.Profile
	if err := row.Scan(&p.UserID, &p.Credits, &p.LastDailyBonus, &p.LifetimePrompts, &p.Tier, &p.Unmetered, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	return p, nil
}

// ApplyDailyBonus tops the balance back up to the daily safety net when the
// window has elapsed and the balance is below it. A single conditional update,
// so it never lowers a higher balance and concurrent calls apply at most once.
func (s *Store) ApplyDailyBonus(ctx context.Context, userID string, credits int, window time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles
		SET credits = $2, last_daily_bonus = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND credits < $2 AND last_daily_bonus < NOW() - make_interval(secs => $3)
	`, userID, credits, window.Seconds())
	if err != nil {
		return false, fmt.Errorf("apply daily bonus: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DebitChatTurn applies the flat one-credit chat debit. Returns
// ErrInsufficientFunds when the balance is empty.
func (s *Store) DebitChatTurn(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles
		SET credits = credits - 1, lifetime_prompts = lifetime_prompts + 1, updated_at = NOW()
		WHERE user_id = $1 AND credits >= 1
	`, userID)
	if err != nil {
		return fmt.Errorf("debit chat turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// BumpLifetime increments the lifetime counter without touching the balance.
// Used for unmetered accounts so usage bookkeeping stays accurate.
func (s *Store) BumpLifetime(ctx context.Context, userID string, n int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE profiles SET lifetime_prompts = lifetime_prompts + $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, n)
	return err
}

// AddCredits applies a paid top-up from the billing webhook.
func (s *Store) AddCredits(ctx context.Context, userID string, credits int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (user_id, credits) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET credits = profiles.credits + EXCLUDED.credits, updated_at = NOW()
	`, userID, credits)
	return err
}

// SetTier updates the subscription tier from the billing webhook.
func (s *Store) SetTier(ctx context.Context, userID, tier string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (user_id, tier) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = NOW()
	`, userID, tier)
	return err
}
