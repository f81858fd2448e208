package dreamina

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

func fastOpts(expected, maxPolls int) PollOptions {
	return PollOptions{
		Expected:    expected,
		MaxPolls:    maxPolls,
		Interval:    time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
	}
}

// scriptedFetch replays the given results in order, holding the last one.
func scriptedFetch(t *testing.T, results ...func() (PollResult, error)) (FetchFunc, *int) {
	t.Helper()
	calls := 0
	fn := func(context.Context) (PollResult, error) {
		i := calls
		if i >= len(results) {
			i = len(results) - 1
		}
		calls++
		return results[i]()
	}
	return fn, &calls
}

func running(items int) func() (PollResult, error) {
	return func() (PollResult, error) {
		return PollResult{Status: PollStatus{State: StateRunning, ItemCount: items, CorrelationID: "h1"}}, nil
	}
}

func completed(items int) func() (PollResult, error) {
	return func() (PollResult, error) {
		return PollResult{
			Status: PollStatus{State: StateCompleted, ItemCount: items, FinishTime: 1700000000, CorrelationID: "h1"},
			Data:   items,
		}, nil
	}
}

func TestPollImmediateCompletion(t *testing.T) {
	t.Parallel()
	fetch, calls := scriptedFetch(t, completed(4))
	out, err := Poll(context.Background(), fetch, fastOpts(4, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Polls)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 4, out.Data)
	assert.Greater(t, out.Elapsed, time.Duration(0), "elapsed must be the real wall time")
}

func TestPollWaitsForExpectedItems(t *testing.T) {
	t.Parallel()
	// A success state with fewer items than expected is not terminal.
	partial := func() (PollResult, error) {
		return PollResult{Status: PollStatus{State: StateCompleted, ItemCount: 2, CorrelationID: "h1"}}, nil
	}
	fetch, calls := scriptedFetch(t, partial, completed(4))
	out, err := Poll(context.Background(), fetch, fastOpts(4, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Polls)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 4, out.Status.ItemCount)
}

func TestPollFinishTimeIsTerminal(t *testing.T) {
	t.Parallel()
	// Upstream closed the record with fewer items than expected; the poller
	// stops rather than waiting for items that will never come.
	short := func() (PollResult, error) {
		return PollResult{
			Status: PollStatus{State: StateRunning, ItemCount: 1, FinishTime: 1700000000, CorrelationID: "h1"},
			Data:   1,
		}, nil
	}
	fetch, _ := scriptedFetch(t, short)
	out, err := Poll(context.Background(), fetch, fastOpts(4, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Polls)
	assert.Equal(t, 1, out.Status.ItemCount)
}

func TestPollFailCode(t *testing.T) {
	t.Parallel()
	fetch, _ := scriptedFetch(t, func() (PollResult, error) {
		return PollResult{Status: PollStatus{State: StateRunning, FailCode: "5000", CorrelationID: "h1"}}, nil
	})
	_, err := Poll(context.Background(), fetch, fastOpts(4, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamGeneration)
	assert.Contains(t, err.Error(), "fail_code=5000")
}

func TestPollFailedState(t *testing.T) {
	t.Parallel()
	fetch, _ := scriptedFetch(t, func() (PollResult, error) {
		return PollResult{Status: PollStatus{State: StateFailed, CorrelationID: "h1"}}, nil
	})
	_, err := Poll(context.Background(), fetch, fastOpts(4, 10))
	assert.ErrorIs(t, err, domain.ErrUpstreamGeneration)
}

func TestPollBudgetExhausted(t *testing.T) {
	t.Parallel()
	fetch, calls := scriptedFetch(t, running(0))
	_, err := Poll(context.Background(), fetch, fastOpts(4, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPollTimeout)
	assert.LessOrEqual(t, *calls, 6, "budget N must mean at most N+1 fetches")
}

func TestPollCancelledBeforeFirstFetch(t *testing.T) {
	t.Parallel()
	fetch, calls := scriptedFetch(t, running(0))
	opts := fastOpts(4, 10)
	opts.Hooks.Cancelled = func() bool { return true }
	_, err := Poll(context.Background(), fetch, opts)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Zero(t, *calls, "no request may follow the cancel signal")
}

func TestPollCancelledAtBoundary(t *testing.T) {
	t.Parallel()
	cancelled := false
	fetch := func(context.Context) (PollResult, error) {
		cancelled = true // the cancel lands while this poll is in flight
		return PollResult{Status: PollStatus{State: StateRunning}}, nil
	}
	opts := fastOpts(4, 10)
	opts.Hooks.Cancelled = func() bool { return cancelled }
	_, err := Poll(context.Background(), fetch, opts)
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestPollDeadlineMapsToPollTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	opts := fastOpts(4, 1000)
	opts.Interval = 20 * time.Millisecond
	fetch, _ := scriptedFetch(t, running(0))
	_, err := Poll(ctx, fetch, opts)
	assert.ErrorIs(t, err, domain.ErrPollTimeout)
}

func TestPollContextCancelMapsToCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(context.Context) (PollResult, error) {
		cancel()
		return PollResult{Status: PollStatus{State: StateRunning}}, nil
	}
	_, err := Poll(ctx, fetch, fastOpts(4, 10))
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestPollTransientErrorRetried(t *testing.T) {
	t.Parallel()
	flaky := func() (PollResult, error) { return PollResult{}, errors.New("connection reset") }
	fetch, calls := scriptedFetch(t, flaky, completed(4))
	out, err := Poll(context.Background(), fetch, fastOpts(4, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 2, out.Polls)
}

func TestPollUnauthorizedNotRetried(t *testing.T) {
	t.Parallel()
	fetch, calls := scriptedFetch(t, func() (PollResult, error) {
		return PollResult{}, domain.ErrUnauthorized
	})
	_, err := Poll(context.Background(), fetch, fastOpts(4, 10))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 1, *calls)
}

func TestPollProgressMonotonicAndCapped(t *testing.T) {
	t.Parallel()
	var seen []int
	opts := fastOpts(4, 10)
	opts.Hooks.OnProgress = func(p int) { seen = append(seen, p) }
	fetch, _ := scriptedFetch(t, running(1), running(2), running(3), completed(4))
	_, err := Poll(context.Background(), fetch, opts)
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "progress must be strictly increasing when pushed")
	}
	for _, p := range seen {
		assert.LessOrEqual(t, p, 95, "progress stays below 100 until terminal")
		assert.GreaterOrEqual(t, p, 1)
	}
}

func TestComputeProgress(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, computeProgress(0, time.Minute, 0, 4))
	assert.Equal(t, 95, computeProgress(2*time.Minute, time.Minute, 4, 4))
	mid := computeProgress(30*time.Second, time.Minute, 2, 4)
	assert.Greater(t, mid, 1)
	assert.Less(t, mid, 95)
}
