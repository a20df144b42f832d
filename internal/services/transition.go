package services

import (
	"github.com/campusmart/mpesapay-gobackend/internal/models"
)

// allowedFrom lists, per target status, the statuses a transaction may hold
// when the transition is applied. Transitions only move forward: the first
// terminal status written wins, and timeout stays soft-terminal so a late
// callback can still resolve it.
var allowedFrom = map[string][]string{
	models.StatusCompleted: {models.StatusPending, models.StatusTimeout},
	models.StatusFailed:    {models.StatusPending, models.StatusTimeout},
	models.StatusCancelled: {models.StatusPending},
	models.StatusTimeout:   {models.StatusPending},
	models.StatusRefunded:  {models.StatusCompleted},
}

func canTransition(from, to string) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// statusForResultCode maps the provider's numeric result codes onto the
// transaction status set: 0 success, 1032 cancelled by user, 1037 prompt
// timed out, anything else a failure.
func statusForResultCode(code int) string {
	switch code {
	case 0:
		return models.StatusCompleted
	case 1037:
		return models.StatusTimeout
	case 1032:
		return models.StatusCancelled
	default:
		return models.StatusFailed
	}
}
