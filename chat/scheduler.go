package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// DefaultSchedule is used when a session is built without one.
var DefaultSchedule = RetrySchedule{30 * time.Second, 60 * time.Second, 120 * time.Second}

// RetrySchedule is a finite list of reconnect delays consumed left to right.
type RetrySchedule []time.Duration

// BackOff returns a fresh BackOff that yields the delays in order and then backoff.Stop.
func (r RetrySchedule) BackOff() backoff.BackOff {
	return &scheduleBackOff{delays: r}
}

type scheduleBackOff struct {
	delays []time.Duration
	next   int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.delays) {
		return backoff.Stop
	}
	d := b.delays[b.next]
	b.next++
	return d
}

func (b *scheduleBackOff) Reset() { b.next = 0 }

// Scheduler runs reconnect attempts for one session, waiting out each delay on
// its clock. It is safe to share between sessions; Run keeps no state.
type Scheduler struct {
	schedule RetrySchedule
	clock    clockwork.Clock
}

// NewScheduler returns a Scheduler. A nil clock means the real clock.
func NewScheduler(schedule RetrySchedule, clock clockwork.Clock) *Scheduler {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{schedule: schedule, clock: clock}
}

// Len is the number of retries a full run makes.
func (s *Scheduler) Len() int { return len(s.schedule) }

// Run waits the next delay, checks alive and calls attempt, until attempt
// succeeds, fails terminally, or the schedule is used up. onAttempt is told the
// 1-based retry number before each attempt. Run returns nil on success,
// ErrStopped when ctx ends or alive reports false, the attempt's error when it
// is Terminal, and an error matching ErrScheduleExhausted otherwise.
func (s *Scheduler) Run(ctx context.Context, attempt func(context.Context) error, alive func() bool, onAttempt func(n int)) error {
	b := backoff.WithContext(s.schedule.BackOff(), ctx)
	var last error
	for n := 1; ; n++ {
		d := b.NextBackOff()
		if ctx.Err() != nil {
			return ErrStopped
		}
		if d == backoff.Stop {
			return fmt.Errorf("%w after %d attempts: %v", ErrScheduleExhausted, n-1, last)
		}

		select {
		case <-ctx.Done():
			return ErrStopped
		case <-s.clock.After(d):
		}
		if !alive() {
			return ErrStopped
		}

		if onAttempt != nil {
			onAttempt(n)
		}
		err := attempt(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrStopped), !alive():
			return ErrStopped
		case Classify(err) == Terminal:
			return err
		}
		last = err
	}
}
