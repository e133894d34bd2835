package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PacksTriggered      = prometheus.NewCounter(prometheus.CounterOpts{Name: "packs_triggered_total", Help: "Pack generation requests accepted"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "packs_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	InsufficientCredits = prometheus.NewCounter(prometheus.CounterOpts{Name: "packs_insufficient_credits_total", Help: "Triggers rejected for insufficient credits"})
	CreditsCharged      = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_charged_total", Help: "Credits debited at trigger time"})
	ItemsGenerated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pack_items_generated_total", Help: "Prompt items generated and persisted"})
	ItemsSkipped        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pack_items_skipped_total", Help: "Units skipped after exhausting generation retries"})
	GenerationRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pack_generation_retries_total", Help: "Generation calls retried"})
	PacksCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "packs_completed_total", Help: "Packs finished, including degraded completions"})
	PacksFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "packs_failed_total", Help: "Packs that hit a systemic failure"})
	PacksDeadLettered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "packs_dead_letter_total", Help: "Packs moved to the DLQ"})
	ChatTurns           = prometheus.NewCounter(prometheus.CounterOpts{Name: "chat_turns_total", Help: "Chat turns served"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "packs_queue_depth", Help: "Ready queue depth"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "packs_inflight", Help: "Packs currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PacksTriggered,
			RateLimitRejects,
			InsufficientCredits,
			CreditsCharged,
			ItemsGenerated,
			ItemsSkipped,
			GenerationRetries,
			PacksCompleted,
			PacksFailed,
			PacksDeadLettered,
			ChatTurns,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
