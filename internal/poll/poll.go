package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrBlocked wraps the blocking reason reported by a status function.
	ErrBlocked = errors.New("blocked")
	// ErrTimeout is returned when MaxWait elapses without a terminal status.
	ErrTimeout = errors.New("timed out")
)

type Kind int

const (
	Continue Kind = iota
	Blocked
	Done
)

// Status is one classification of the polled system's current state.
// Reason is set for Blocked; Outstanding names the items still pending
// and is only used for progress reporting.
type Status struct {
	Kind        Kind
	Reason      string
	Outstanding []string
}

// Func fetches and classifies the current state. A non-nil error marks a
// transient fetch failure; the loop tolerates it and retries next tick.
type Func func(ctx context.Context) (Status, error)

// Loop polls a status function until it reports a terminal classification
// or MaxWait elapses. Blocking and single-threaded; one fetch per tick.
type Loop struct {
	Interval time.Duration
	MaxWait  time.Duration
	Logger   *slog.Logger

	// OnProgress is invoked after every non-terminal tick.
	OnProgress func(elapsed time.Duration, outstanding []string)

	// Overridable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

func New(interval, maxWait time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		Interval: interval,
		MaxWait:  maxWait,
		Logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Run drives fn until Done (returns its Status), Blocked (ErrBlocked with
// the reason), or timeout (ErrTimeout). A fetch error on a tick is treated
// as Continue so a single flaky upstream response never fails the loop.
func (l *Loop) Run(ctx context.Context, fn Func) (Status, error) {
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = time.Sleep
	}

	start := l.now()
	for {
		if err := ctx.Err(); err != nil {
			return Status{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}

		st, err := fn(ctx)
		if err != nil {
			l.Logger.Warn("status fetch failed, retrying next tick", "err", err)
			st = Status{Kind: Continue}
		}

		switch st.Kind {
		case Done:
			return st, nil
		case Blocked:
			return st, fmt.Errorf("%w: %s", ErrBlocked, st.Reason)
		}

		elapsed := l.now().Sub(start)
		if elapsed >= l.MaxWait {
			return st, fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Second))
		}

		if l.OnProgress != nil {
			l.OnProgress(elapsed, st.Outstanding)
		}
		l.sleep(l.Interval)
	}
}
