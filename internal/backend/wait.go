package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReady is returned by WaitReady when the bound elapses first.
var ErrNotReady = errors.New("instance not ready")

// WaitReady polls Status until the instance reports ready, the timeout
// elapses, or ctx is done. Status errors while polling are treated as
// "not ready yet"; the last one is attached to the timeout error.
func WaitReady(ctx context.Context, b Backend, h Handle, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		st, err := b.Status(ctx, h)
		switch {
		case err != nil:
			lastErr = err
		case st.State == Running && st.Ready:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return fmt.Errorf("%w after %s: %w", ErrNotReady, timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrNotReady, timeout)
		case <-ticker.C:
		}
	}
}
