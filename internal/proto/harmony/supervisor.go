package harmony

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultAttemptTimeout = time.Minute

// WithReconnectBackoff overrides the reconnect delays.
func WithReconnectBackoff(initial, maxDelay time.Duration) Option {
	return func(a *Adapter) {
		a.retryInitial = initial
		a.retryMax = maxDelay
	}
}

// WithReconnectAttemptTimeout bounds one connect and synchronize attempt.
func WithReconnectAttemptTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.attemptTimeout = d
		}
	}
}

// supervise waits for the hub session to drop and restores it, re-running
// synchronization once connected again.
func (a *Adapter) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.hub.Lost():
		}
		if ctx.Err() != nil {
			return
		}
		slog.Warn("harmony hub session lost, reconnecting")
		if err := a.host.PublishStatus("degraded", "hub disconnected"); err != nil {
			slog.Debug("hdp status failed", "error", err)
		}
		if err := a.restore(ctx); err != nil {
			slog.Info("harmony reconnect stopped", "error", err)
			return
		}
		if err := a.host.PublishStatus("online", "hub reconnected"); err != nil {
			slog.Debug("hdp status failed", "error", err)
		}
	}
}

func (a *Adapter) restore(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	if a.retryInitial > 0 {
		retry.InitialInterval = a.retryInitial
	}
	if a.retryMax > 0 {
		retry.MaxInterval = a.retryMax
	}
	retry.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
		defer cancel()
		if err := a.hub.Connect(attemptCtx); err != nil {
			return struct{}{}, err
		}
		if err := a.Synchronize(attemptCtx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("harmony reconnect attempt failed", "error", err, "next_retry", next.String())
		}),
	)
	if err == nil {
		slog.Info("harmony hub session restored")
	}
	return err
}
