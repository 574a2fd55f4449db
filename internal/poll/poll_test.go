package poll

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the loop sleeps, so tests run instantly
// and elapsed time is exact.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func newTestLoop(interval, maxWait time.Duration) (*Loop, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(interval, maxWait, slog.New(slog.DiscardHandler))
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestRunDone(t *testing.T) {
	l, _ := newTestLoop(time.Second, time.Minute)

	st, err := l.Run(context.Background(), func(context.Context) (Status, error) {
		return Status{Kind: Done}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Done, st.Kind)
}

func TestRunBlockedCarriesReason(t *testing.T) {
	l, _ := newTestLoop(time.Second, time.Minute)

	_, err := l.Run(context.Background(), func(context.Context) (Status, error) {
		return Status{Kind: Blocked, Reason: "failing: build"}, nil
	})
	require.ErrorIs(t, err, ErrBlocked)
	assert.Contains(t, err.Error(), "failing: build")
}

func TestRunTimeoutLaw(t *testing.T) {
	// For a status function that never terminates, the loop must return
	// a timeout at elapsed t with maxWait <= t < maxWait+interval.
	const (
		interval = 10 * time.Second
		maxWait  = 95 * time.Second
	)
	l, clock := newTestLoop(interval, maxWait)
	start := clock.Now()

	_, err := l.Run(context.Background(), func(context.Context) (Status, error) {
		return Status{Kind: Continue}, nil
	})
	require.ErrorIs(t, err, ErrTimeout)

	elapsed := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, maxWait)
	assert.Less(t, elapsed, maxWait+interval)
}

func TestRunBecomesDoneAfterTicks(t *testing.T) {
	l, _ := newTestLoop(time.Second, time.Minute)

	ticks := 0
	st, err := l.Run(context.Background(), func(context.Context) (Status, error) {
		ticks++
		if ticks < 3 {
			return Status{Kind: Continue, Outstanding: []string{"build"}}, nil
		}
		return Status{Kind: Done}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Done, st.Kind)
	assert.Equal(t, 3, ticks)
}

func TestRunToleratesTransientFetchError(t *testing.T) {
	l, _ := newTestLoop(time.Second, time.Minute)

	ticks := 0
	_, err := l.Run(context.Background(), func(context.Context) (Status, error) {
		ticks++
		if ticks == 1 {
			return Status{}, errors.New("malformed response")
		}
		return Status{Kind: Done}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ticks)
}

func TestRunPersistentFetchErrorTimesOut(t *testing.T) {
	l, _ := newTestLoop(time.Second, 5*time.Second)

	_, err := l.Run(context.Background(), func(context.Context) (Status, error) {
		return Status{}, errors.New("always broken")
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRunReportsProgressEveryContinue(t *testing.T) {
	l, _ := newTestLoop(time.Second, time.Minute)

	var reported [][]string
	l.OnProgress = func(elapsed time.Duration, outstanding []string) {
		reported = append(reported, outstanding)
	}

	ticks := 0
	_, err := l.Run(context.Background(), func(context.Context) (Status, error) {
		ticks++
		if ticks < 3 {
			return Status{Kind: Continue, Outstanding: []string{"lint", "test"}}, nil
		}
		return Status{Kind: Done}, nil
	})
	require.NoError(t, err)
	require.Len(t, reported, 2)
	assert.Equal(t, []string{"lint", "test"}, reported[0])
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	l, _ := newTestLoop(time.Second, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Run(ctx, func(context.Context) (Status, error) {
		return Status{Kind: Continue}, nil
	})
	require.ErrorIs(t, err, ErrTimeout)
}
