// Package waiter polls the CI platform until a newly provisioned runner
// reports online or a hard deadline elapses.
package waiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/dianplus/cloud-instance-github-runner/internal/ci"
)

// ErrRegistrationTimeout is returned when the runner does not reach
// online status before the deadline. A node exists at this point: the
// caller must invoke cleanup.
var ErrRegistrationTimeout = errors.New("runner registration timed out")

// Outcome is the terminal result of a wait. Either Online is true, or the
// deadline elapsed; there are no retries after either.
type Outcome struct {
	Online  bool
	Elapsed time.Duration
}

// Waiter polls the platform's runner list at a fixed interval.
type Waiter struct {
	platform ci.Platform
	logger   *slog.Logger

	// now and sleep are test seams; both default to the real clock.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	polls metric.Int64Counter
}

// New creates a Waiter.
func New(platform ci.Platform, logger *slog.Logger) *Waiter {
	w := &Waiter{
		platform: platform,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}

	var err error
	w.polls, err = otel.Meter("runner/waiter").Int64Counter(
		"runner.wait.polls",
		metric.WithDescription("Total number of registration poll requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create polls counter", slog.String("error", err.Error()))
	}

	return w
}

// Wait polls until a runner named name reports online, returning at the
// first poll that observes it. Transient list failures are logged and
// retried at the next interval; only deadline exhaustion is terminal,
// yielding Outcome{Online: false} and ErrRegistrationTimeout.
//
// Polls happen after each full interval: a 30s deadline with a 10s
// interval performs exactly 3 polls.
func (w *Waiter) Wait(ctx context.Context, name string, deadline, interval time.Duration) (Outcome, error) {
	start := w.now()
	end := start.Add(deadline)

	polls := 0
	for {
		if remaining := end.Sub(w.now()); remaining < interval {
			w.logger.Warn("runner did not come online before deadline",
				slog.String("runner", name),
				slog.Duration("deadline", deadline),
				slog.Int("polls", polls),
			)
			return Outcome{Online: false, Elapsed: w.now().Sub(start)}, ErrRegistrationTimeout
		}

		if err := w.sleep(ctx, interval); err != nil {
			return Outcome{Online: false, Elapsed: w.now().Sub(start)}, err
		}

		polls++
		if w.polls != nil {
			w.polls.Add(ctx, 1)
		}
		runners, err := w.platform.ListRunners(ctx)
		if err != nil {
			// Transient: retried at the next interval.
			w.logger.Warn("runner list query failed, will retry",
				slog.String("runner", name),
				slog.Int("poll", polls),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, r := range runners {
			if r.Name == name && r.Online {
				elapsed := w.now().Sub(start)
				w.logger.Info("runner online",
					slog.String("runner", name),
					slog.Duration("elapsed", elapsed),
					slog.Int("polls", polls),
				)
				return Outcome{Online: true, Elapsed: elapsed}, nil
			}
		}

		w.logger.Debug("runner not yet online",
			slog.String("runner", name),
			slog.Int("poll", polls),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
