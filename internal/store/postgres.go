package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"promptcore/internal/models"
)

// ErrInsufficientFunds is returned when the conditional debit touches no rows,
// meaning the balance dropped below the computed cost.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreatePackParams collects inputs required to insert a charged pack.
type CreatePackParams struct {
	UserID         string
	Topic          string
	RequestedCount int
	Cost           int
	Unmetered      bool
	MaxAttempts    int
	TriggerKey     string
	TriggerKeyTTL  time.Duration
}

// CreatePackCharged inserts a pack row and applies the credit debit in a
// single transaction. The debit is a conditional decrement so concurrent
// triggers for the same user cannot overdraw the balance; a decrement that
// touches no rows rolls everything back and surfaces ErrInsufficientFunds.
// lifetime_prompts is always incremented by the requested count, billed or
// not, so usage counters stay accurate for unmetered accounts.
//
// When a trigger key is supplied and already mapped, the existing pack is
// returned instead and no charge is applied. The boolean reports that reuse.
func (s *Store) CreatePackCharged(ctx context.Context, p CreatePackParams) (models.Pack, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}

	if p.TriggerKey != "" {
		if existing, found, err := s.FindByTriggerKey(ctx, p.TriggerKey); err != nil {
			return models.Pack{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Pack{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()
	charged := p.Cost
	if p.Unmetered {
		charged = 0
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO packs (id, user_id, topic, requested_count, status, produced_count, charged_credits, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 0, $7, $8, $8)
	`, id, p.UserID, p.Topic, p.RequestedCount, models.StatusPending, charged, p.MaxAttempts, now)
	if err != nil {
		return models.Pack{}, false, fmt.Errorf("insert pack: %w", err)
	}

	if p.Unmetered {
		_, err = tx.Exec(ctx, `
			UPDATE profiles SET lifetime_prompts = lifetime_prompts + $2, updated_at = NOW()
			WHERE user_id = $1
		`, p.UserID, p.RequestedCount)
		if err != nil {
			return models.Pack{}, false, fmt.Errorf("bump lifetime: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE profiles
			SET credits = credits - $2, lifetime_prompts = lifetime_prompts + $3, updated_at = NOW()
			WHERE user_id = $1 AND credits >= $2
		`, p.UserID, p.Cost, p.RequestedCount)
		if err != nil {
			return models.Pack{}, false, fmt.Errorf("debit credits: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.Pack{}, false, ErrInsufficientFunds
		}
	}

	if p.TriggerKey != "" {
		expires := now.Add(p.TriggerKeyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO trigger_keys (key, pack_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.TriggerKey, id, expires)
		if err != nil {
			return models.Pack{}, false, fmt.Errorf("insert trigger key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; drop our
			// pack and charge, and return the winner's pack.
			if err := tx.Rollback(ctx); err != nil {
				return models.Pack{}, false, fmt.Errorf("rollback after trigger key conflict: %w", err)
			}
			existing, found, err := s.FindByTriggerKey(ctx, p.TriggerKey)
			if err != nil {
				return models.Pack{}, false, err
			}
			if !found {
				return models.Pack{}, false, errors.New("trigger key conflict but no existing pack found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Pack{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Pack{
		ID:             id,
		UserID:         p.UserID,
		Topic:          p.Topic,
		RequestedCount: p.RequestedCount,
		Status:         models.StatusPending,
		ProducedCount:  0,
		ChargedCredits: charged,
		Attempts:       0,
		MaxAttempts:    p.MaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByTriggerKey returns the pack mapped to the key if present and unexpired.
func (s *Store) FindByTriggerKey(ctx context.Context, key string) (models.Pack, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT pack_id FROM trigger_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Pack{}, false, nil
	}
	if err != nil {
		return models.Pack{}, false, fmt.Errorf("query trigger key: %w", err)
	}
	pack, err := s.GetPack(ctx, id)
	if err != nil {
		return models.Pack{}, false, err
	}
	return pack, true, nil
}

// GetPack fetches a pack by id.
func (s *Store) GetPack(ctx context.Context, id string) (models.Pack, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, topic, requested_count, status, produced_count, charged_credits, attempts, max_attempts, last_error, created_at, updated_at
		FROM packs WHERE id = $1
	`, id)

	var pack models.Pack
	var lastErr pgtype.Text
	if err := row.Scan(&pack.ID, &pack.UserID, &pack.Topic, &pack.RequestedCount, &pack.Status, &pack.ProducedCount, &pack.ChargedCredits, &pack.Attempts, &pack.MaxAttempts, &lastErr, &pack.CreatedAt, &pack.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Pack{}, fmt.Errorf("pack not found: %w", err)
		}
		return models.Pack{}, fmt.Errorf("scan pack: %w", err)
	}
	pack.LastError = textPtr(lastErr)
	return pack, nil
}

// PackStatus reads just the status column, cheap enough to poll before every
// generation step.
func (s *Store) PackStatus(ctx context.Context, id string) (string, error) {
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM packs WHERE id = $1`, id).Scan(&status); err != nil {
		return "", fmt.Errorf("query pack status: %w", err)
	}
	return status, nil
}

// UpdatePackStatus sets the status, leaving counters untouched.
func (s *Store) UpdatePackStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE packs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// MarkCompleted finalizes a pack. produced_count only ever moves forward, so
// replays of the finalize step are harmless.
func (s *Store) MarkCompleted(ctx context.Context, id string, produced int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE packs
		SET status = $2, produced_count = GREATEST(produced_count, $3), last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, produced)
	return err
}

// MarkFailed flags a pack as failed, retaining whatever items were produced.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE packs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, lastError)
	return err
}

// MarkCancelled sets status cancelled unless the pack already finished.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE packs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusCompleted, models.StatusFailed)
	return err
}

// UpdateAttempts records a failed orchestration attempt.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE packs SET attempts = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, attempts, lastErr)
	return err
}

// BumpProducedCount moves the running total forward, never backward.
func (s *Store) BumpProducedCount(ctx context.Context, id string, produced int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE packs SET produced_count = GREATEST(produced_count, $2), updated_at = NOW() WHERE id = $1
	`, id, produced)
	return err
}

// AppendItem persists one generated item. A replayed step hits the
// (pack_id, step_index) unique constraint and is reported as not inserted
// rather than an error.
func (s *Store) AppendItem(ctx context.Context, item models.PromptItem) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO prompt_items (pack_id, step_index, title, category, difficulty, description, prompt_content, usage_guide, style_var)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pack_id, step_index) DO NOTHING
	`, item.PackID, item.StepIndex, item.Title, item.Category, item.Difficulty, item.Description, item.PromptContent, item.UsageGuide, item.StyleVar)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// NextStepIndex returns the first step index with no persisted item, i.e. the
// resume point after an interruption.
func (s *Store) NextStepIndex(ctx context.Context, packID string) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(step_index) + 1, 0) FROM prompt_items WHERE pack_id = $1
	`, packID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("query next step: %w", err)
	}
	return next, nil
}

// CountItems returns how many items a pack has persisted.
func (s *Store) CountItems(ctx context.Context, packID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM prompt_items WHERE pack_id = $1
	`, packID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// ListItems returns a pack's items in step order.
func (s *Store) ListItems(ctx context.Context, packID string) ([]models.PromptItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pack_id, step_index, title, category, difficulty, description, prompt_content, usage_guide, style_var, created_at
		FROM prompt_items WHERE pack_id = $1 ORDER BY step_index
	`, packID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []models.PromptItem
	for rows.Next() {
		var it models.PromptItem
		if err := rows.Scan(&it.PackID, &it.StepIndex, &it.Title, &it.Category, &it.Difficulty, &it.Description, &it.PromptContent, &it.UsageGuide, &it.StyleVar, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
