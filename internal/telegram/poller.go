package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// pollRetryInitialInterval is the initial wait after a failed getUpdates.
	pollRetryInitialInterval = 1 * time.Second
	// pollRetryMaxInterval caps the wait between reconnect attempts.
	pollRetryMaxInterval = 30 * time.Second
)

// UpdateHandler processes one inbound update. Handlers run on their own
// goroutine, so multiple updates may be in flight at once.
type UpdateHandler func(ctx context.Context, update *Update)

// Poller drives long-poll update delivery: it calls getUpdates in a loop,
// tracks the update offset, and dispatches each update to the handler.
type Poller struct {
	client  *Client
	timeout time.Duration
	handler UpdateHandler
	logger  *slog.Logger

	offset int64
}

// NewPoller creates a poller. timeout is the long-poll hold time per
// getUpdates call.
func NewPoller(client *Client, timeout time.Duration, handler UpdateHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:  client,
		timeout: timeout,
		handler: handler,
		logger:  logger,
	}
}

// Run polls until the context is canceled. Transport failures are retried
// with exponential backoff and jitter; a successful poll resets the backoff.
// Returns the context error on shutdown.
func (p *Poller) Run(ctx context.Context) error {
	retry := p.newRetryBackoff()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := p.client.GetUpdates(ctx, p.offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := p.retryInterval(retry, err)
			p.logger.Error("getUpdates failed, backing off",
				"error", err, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retry.Reset()

		for i := range updates {
			update := updates[i]
			if update.UpdateID >= p.offset {
				p.offset = update.UpdateID + 1
			}
			go p.handler(ctx, &update)
		}
	}
}

// newRetryBackoff creates an exponential backoff with jitter for poll
// reconnects. Jitter keeps a fleet of bots from retrying in lockstep.
func (p *Poller) newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollRetryInitialInterval
	b.MaxInterval = pollRetryMaxInterval
	b.MaxElapsedTime = 0 // never give up; the poller owns the process
	return b
}

// retryInterval picks the next wait, honoring an explicit retry_after from
// Telegram over the computed backoff.
func (p *Poller) retryInterval(retry backoff.BackOff, err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	wait := retry.NextBackOff()
	if wait == backoff.Stop {
		return pollRetryMaxInterval
	}
	return wait
}
