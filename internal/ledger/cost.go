package ledger

import "promptcore/internal/models"

const (
	// tierOneLimit is how many items are billed at the base rate before the
	// 1.5x surcharge kicks in.
	tierOneLimit = 50
	// heavyUsageThreshold is the lifetime item count after which free-tier
	// users pay a doubled base rate.
	heavyUsageThreshold = 500
)

// Cost computes the credit cost of a requested batch. The first 50 items bill
// at the base rate, everything beyond at 1.5x base with fractional cost
// rounded up. Free-tier users past the heavy-usage threshold pay a doubled
// base rate; paying tiers are exempt.
func Cost(count int, lifetimePrompts int64, tier string) (base, total int) {
	base = 1
	if lifetimePrompts >= heavyUsageThreshold && tier == models.TierFree {
		base = 2
	}

	tierOne := count
	if tierOne > tierOneLimit {
		tierOne = tierOneLimit
	}
	total = tierOne * base

	if excess := count - tierOneLimit; excess > 0 {
		// excess * base * 1.5 in integer arithmetic, rounding up.
		total += (excess*base*3 + 1) / 2
	}
	return base, total
}
