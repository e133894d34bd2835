package models

import (
	"time"
)

// PackStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Difficulties is the fixed vocabulary the generator draws from.
var Difficulties = []string{"Beginner", "Intermediate", "Advanced"}

// Styles is the fixed tone/style vocabulary for generated prompts.
var Styles = []string{"Strict & Organized", "Creative & Loose", "Step-by-Step Tutor", "Socratic Method"}

// Pack represents one bulk-generation request producing many prompt items.
type Pack struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Topic          string     `json:"topic"`
	RequestedCount int        `json:"requested_count"`
	Status         string     `json:"status"`
	ProducedCount  int        `json:"produced_count"`
	ChargedCredits int        `json:"charged_credits"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PromptItem is a single generated prompt belonging to a pack. Items are
// append-only; the (PackID, StepIndex) pair identifies the unit of work that
// produced the item and dedupes re-executed steps.
type PromptItem struct {
	PackID        string    `json:"pack_id"`
	StepIndex     int       `json:"step_index"`
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	Difficulty    string    `json:"difficulty"`
	Description   string    `json:"description"`
	PromptContent string    `json:"prompt_content"`
	UsageGuide    string    `json:"usage_guide"`
	StyleVar      string    `json:"style_var"`
	CreatedAt     time.Time `json:"created_at"`
}
