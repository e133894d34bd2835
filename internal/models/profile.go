package models

import "time"

// Subscription tiers. The tier affects the per-item base cost; pro and
// ultimate are exempt from the heavy-usage surcharge.
const (
	TierFree     = "free"
	TierPro      = "pro"
	TierUltimate = "ultimate"
)

// Profile is the per-user credit ledger state.
type Profile struct {
	UserID          string    `json:"user_id"`
	Credits         int       `json:"credits"`
	LastDailyBonus  time.Time `json:"last_daily_bonus"`
	LifetimePrompts int64     `json:"lifetime_prompts"`
	Tier            string    `json:"tier"`
	Unmetered       bool      `json:"unmetered"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
