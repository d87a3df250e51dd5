// Package scheduler produces dispatch permits at a fixed cadence.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/vcon-dev/conserver-testsuite/internal/common/harnesserrors"
)

// RateScheduler emits one permit per work item on C, at a fixed interval of
// 1/Rate, until either Amount permits have been emitted or Duration has
// elapsed, whichever comes first. It never compensates for slow consumers by
// ticking faster; if dispatch falls behind, permits queue up on C and the
// growing in-flight count is the observable symptom.
type RateScheduler struct {
	// Permits per second.
	Rate float64
	// Total permit ceiling. A value of 0 indicates no ceiling.
	Amount int
	// Wall-clock ceiling. A value of 0 indicates no ceiling.
	Duration time.Duration

	// C carries one value per permit, buffered to the permit ceiling, and
	// is closed when the scheduler stops.
	C chan int
}

func New(rate float64, amount int, duration time.Duration) *RateScheduler {
	// Buffered to the ceiling so a lagging consumer delays dispatch rather
	// than silently dropping ticks.
	buffer := ExpectedPermits(rate, amount, duration)
	if buffer < 0 {
		buffer = 0
	}
	return &RateScheduler{
		Rate:     rate,
		Amount:   amount,
		Duration: duration,
		C:        make(chan int, buffer),
	}
}

func (srv *RateScheduler) Validate() error {
	if srv.Rate <= 0 {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "Rate",
			Value:   srv.Rate,
			Message: "rate must be positive",
		})
	}
	if srv.Amount == 0 && srv.Duration == 0 {
		return errors.WithStack(&harnesserrors.ErrInvalidArgument{
			Name:    "Amount",
			Value:   srv.Amount,
			Message: "either amount or duration must be set",
		})
	}
	return nil
}

// ExpectedPermits returns the number of permits a scheduler with the given
// parameters emits when left to run to completion:
// min(amount, floor(rate*duration)), with absent ceilings ignored.
func ExpectedPermits(rate float64, amount int, duration time.Duration) int {
	byDuration := -1
	if duration > 0 {
		byDuration = int(rate * duration.Seconds())
	}
	switch {
	case amount > 0 && byDuration >= 0 && byDuration < amount:
		return byDuration
	case amount > 0:
		return amount
	default:
		return byDuration
	}
}

// Run emits permits until a ceiling is reached or ctx is cancelled, then
// closes C. In-flight work downstream is unaffected by the scheduler
// stopping.
func (srv *RateScheduler) Run(ctx context.Context) error {
	defer close(srv.C)
	if err := srv.Validate(); err != nil {
		return err
	}

	// Closed ticker channel; receiving returns immediately. Replaced below
	// with a real ticker whenever the rate implies a non-zero interval.
	closed := make(chan time.Time)
	close(closed)
	tickerCh := (<-chan time.Time)(closed)

	interval := time.Duration(float64(time.Second) / srv.Rate)
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickerCh = ticker.C
	}

	deadlineCh := (<-chan time.Time)(nil)
	if srv.Duration > 0 {
		timer := time.NewTimer(srv.Duration)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	emitted := 0
	for srv.Amount == 0 || emitted < srv.Amount {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadlineCh:
			return nil
		case <-tickerCh:
			select {
			case srv.C <- emitted:
				emitted++
			case <-ctx.Done():
				return ctx.Err()
			case <-deadlineCh:
				return nil
			}
		}
	}
	return nil
}
