package guard

import (
	"errors"
	"time"

	quotadomain "github.com/smallbiznis/atelier/internal/quota/domain"
)

var (
	ErrPeriodNotOpen         = errors.New("pack_period_not_open")
	ErrPeriodNotReadyToClose = errors.New("pack_period_not_ready_to_close")
)

// EnsurePeriodCanClose validates a pack period may transition to closed: it
// must still be open and its calendar month must have ended.
func EnsurePeriodCanClose(status quotadomain.PackPeriodStatus, periodEnd, now time.Time) error {
	if status != quotadomain.PackPeriodStatusOpen {
		return ErrPeriodNotOpen
	}
	if now.Before(periodEnd) {
		return ErrPeriodNotReadyToClose
	}
	return nil
}
