package dreamina

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// States a fetch closure reports back to the poller.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// PollStatus is the upstream view of one history record at one instant.
type PollStatus struct {
	State         string
	FailCode      string
	ItemCount     int
	FinishTime    int64
	CorrelationID string
}

// PollResult pairs the status with the payload the caller extracts from on
// completion.
type PollResult struct {
	Status PollStatus
	Data   any
}

// FetchFunc performs one status fetch.
type FetchFunc func(ctx context.Context) (PollResult, error)

// PollOptions tunes one polling run. Interval and MaxInterval default by
// task type when zero.
type PollOptions struct {
	Expected    int
	MaxPolls    int
	Video       bool
	Interval    time.Duration
	MaxInterval time.Duration
	Hooks       domain.RunHooks
}

// PollOutcome is the terminal observation plus run accounting.
type PollOutcome struct {
	Status  PollStatus
	Data    any
	Elapsed time.Duration
	Polls   int
}

const (
	imagePollInterval = 2 * time.Second
	videoPollInterval = 5 * time.Second
	imagePollMaxWait  = 10 * time.Second
	videoPollMaxWait  = 30 * time.Second
	imageEstimate     = 60 * time.Second
	videoEstimate     = 5 * time.Minute
	// intervalGrowth stretches the wait after consecutive fetch failures.
	intervalGrowth = 1.2
	// progressCap holds reported progress below terminal until completion is
	// actually observed.
	progressCap = 95
)

// Poll drives fetch until the record is terminal, the poll budget runs out,
// the context expires, or the caller cancels.
//
// Completion requires the success state together with the expected item
// count, or a non-zero finish time; a success state alone with fewer items
// than expected keeps polling. Fetch errors are transient and retried within
// the budget with exponential waits; a non-zero fail code fails immediately.
func Poll(ctx context.Context, fetch FetchFunc, opts PollOptions) (PollOutcome, error) {
	if opts.Expected < 1 {
		opts.Expected = 1
	}
	if opts.MaxPolls < 1 {
		opts.MaxPolls = 1
	}
	base, maxWait, estimate := imagePollInterval, imagePollMaxWait, imageEstimate
	if opts.Video {
		base, maxWait, estimate = videoPollInterval, videoPollMaxWait, videoEstimate
	}
	if opts.Interval > 0 {
		base = opts.Interval
	}
	if opts.MaxInterval > 0 {
		maxWait = opts.MaxInterval
	}

	netBackoff := backoff.NewExponentialBackOff()
	netBackoff.InitialInterval = base
	netBackoff.MaxInterval = maxWait
	netBackoff.MaxElapsedTime = 0 // the poll budget bounds the run

	start := time.Now()
	var (
		polls        int
		lastProgress int
		failures     int
	)
	for polls < opts.MaxPolls {
		if opts.Hooks.Cancelled != nil && opts.Hooks.Cancelled() {
			return PollOutcome{}, fmt.Errorf("op=dreamina.Poll: cancelled after %d polls: %w", polls, domain.ErrCancelled)
		}
		if err := ctx.Err(); err != nil {
			return PollOutcome{}, wrapCtxErr(err, polls)
		}

		res, err := fetch(ctx)
		polls++
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				return PollOutcome{}, err
			}
			failures++
			if polls >= opts.MaxPolls {
				break
			}
			wait := netBackoff.NextBackOff()
			slog.Debug("history fetch failed, backing off",
				slog.Int("polls", polls),
				slog.Int("consecutive_failures", failures),
				slog.Duration("wait", wait),
				slog.Any("error", err))
			if err := sleepCtx(ctx, wait); err != nil {
				return PollOutcome{}, wrapCtxErr(err, polls)
			}
			continue
		}
		if failures > 0 {
			failures--
		}
		netBackoff.Reset()

		st := res.Status
		if st.FailCode != "" {
			return PollOutcome{}, fmt.Errorf("op=dreamina.Poll: fail_code=%s history=%s: %w", st.FailCode, st.CorrelationID, domain.ErrUpstreamGeneration)
		}
		if st.State == StateFailed {
			return PollOutcome{}, fmt.Errorf("op=dreamina.Poll: upstream reported failure history=%s: %w", st.CorrelationID, domain.ErrUpstreamGeneration)
		}
		done := (st.State == StateCompleted && st.ItemCount >= opts.Expected) || st.FinishTime > 0
		if done {
			if st.ItemCount < opts.Expected {
				slog.Warn("generation finished below expected item count",
					slog.String("history_id", st.CorrelationID),
					slog.Int("items", st.ItemCount),
					slog.Int("expected", opts.Expected))
			}
			return PollOutcome{Status: st, Data: res.Data, Elapsed: time.Since(start), Polls: polls}, nil
		}

		if progress := computeProgress(time.Since(start), estimate, st.ItemCount, opts.Expected); progress > lastProgress {
			lastProgress = progress
			if opts.Hooks.OnProgress != nil {
				opts.Hooks.OnProgress(progress)
			}
		}

		if polls >= opts.MaxPolls {
			break
		}
		// A recent failure streak keeps the cadence slower; each clean poll
		// walks it back toward the base interval.
		wait := time.Duration(float64(base) * math.Pow(intervalGrowth, float64(failures)))
		if wait > maxWait {
			wait = maxWait
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return PollOutcome{}, wrapCtxErr(err, polls)
		}
	}
	return PollOutcome{}, fmt.Errorf("op=dreamina.Poll: budget of %d polls exhausted after %s: %w", opts.MaxPolls, time.Since(start).Round(time.Millisecond), domain.ErrPollTimeout)
}

// computeProgress blends elapsed-vs-estimate with produced-vs-expected items.
// Values stay within [1, progressCap]; the store owns the jump to 100.
func computeProgress(elapsed, estimate time.Duration, items, expected int) int {
	timeFrac := float64(elapsed) / float64(estimate)
	if timeFrac > 1 {
		timeFrac = 1
	}
	itemFrac := float64(items) / float64(expected)
	if itemFrac > 1 {
		itemFrac = 1
	}
	p := int(60*timeFrac + 35*itemFrac)
	if p > progressCap {
		p = progressCap
	}
	if p < 1 {
		p = 1
	}
	return p
}

func wrapCtxErr(err error, polls int) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=dreamina.Poll: deadline after %d polls: %w", polls, domain.ErrPollTimeout)
	}
	return fmt.Errorf("op=dreamina.Poll: context cancelled after %d polls: %w", polls, domain.ErrCancelled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
