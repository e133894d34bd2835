package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidCount rejects non-positive or oversized batch requests before any
// storage work happens.
var ErrInvalidCount = errors.New("requested count out of range")

// InsufficientCreditsError is an authorization-time rejection. Nothing was
// mutated; cost and balance are carried for display.
type InsufficientCreditsError struct {
	Cost    int
	Balance int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: cost %d, balance %d", e.Cost, e.Balance)
}

// IsInsufficientCredits reports whether err is an authorization rejection and
// extracts it when so.
func IsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}
