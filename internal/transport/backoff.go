package transport

import (
	"context"
	"time"
)

// Backoff computes exponential reconnect delays.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 retries forever

	attempt int
}

// Next returns the delay before the next attempt, or false once MaxAttempts
// consecutive failures have been used up.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	delay := b.Base
	for i := 0; i < b.attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	b.attempt++
	return delay, true
}

// Reset starts the sequence over after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
