package wavelet

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-wave/internal/future"
)

// Close runs the close chain on the continuation pool: wait for the load,
// stop accepting submits, drain persistence, close the delta access, mark
// the segment snapshot consistent and close it. The returned future
// completes once the storage accessors are released. It fails when the
// container is corrupted, since deltas may not have reached storage.
func (c *container) Close() *future.Future[struct{}] {
	c.closeOnce.Do(func() {
		if err := c.deps.Pools.Continuation.Submit(c.closeChain); err != nil {
			go c.closeChain()
		}
	})
	return c.closed
}

func (c *container) closeChain() {
	_, _ = c.loaded.Result()

	// Taking submitMu waits out an in-flight submit. Later submits fail
	// checkState.
	c.submitMu.Lock()
	healthy := c.setState(StateClosing)
	c.submitMu.Unlock()

	// Every acknowledged delta is queued by now. Drain before cancelling
	// so the writes are not cut off.
	if _, err := c.persistSerial.Flush().Result(); err != nil {
		c.log.Warn("persistence drain failed", logKeyError, err)
		healthy = false
	}

	c.cancel()
	if c.indexing != nil {
		if _, err := c.indexing.Result(); err != nil && !errors.Is(err, context.Canceled) {
			healthy = false
		}
	}

	c.mu.Lock()
	deltas, segments := c.deltas, c.segments
	indexedUpTo := c.persisted.Version
	pendingLeft := len(c.pending)
	c.mu.Unlock()

	var errs []error
	if c.State() == StateCorrupted {
		errs = append(errs, c.corruptedError())
	}
	if deltas != nil {
		if err := deltas.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close deltas: %w", err))
		}
	}
	if segments != nil {
		consistent := healthy &&
			c.State() != StateCorrupted &&
			pendingLeft == 0 &&
			segments.IndexedVersion() == indexedUpTo
		if consistent {
			// The load context is cancelled by now.
			if err := segments.MarkConsistent(context.Background(), true); err != nil {
				errs = append(errs, fmt.Errorf("mark segments consistent: %w", err))
			}
		}
		if err := segments.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close segments: %w", err))
		}
	}

	c.setState(StateClosed)
	err := errors.Join(errs...)
	if err != nil {
		c.log.Error("wavelet close failed", logKeyError, err)
	} else {
		c.log.Debug("wavelet closed")
	}
	c.closed.Complete(struct{}{}, err)
}
