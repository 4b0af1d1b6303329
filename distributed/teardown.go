package distributed

import (
	"context"
	"time"
)

// Teardown stops reading new entries, waits for dispatched work up to DrainTimeout or until
// ctx ends, then aborts whatever is still running. It closes the response subscription and
// removes this process's consumer from every group it joined. Cleanup failures are logged.
//
// Pending calls issued by this bus are left to time out on their own.
// Teardown before Listen moves straight to stopped; a second Teardown is a no-op.
func (b *Bus) Teardown(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	switch b.State() {
	case StateStopped:
		return nil
	case StateCreated:
		b.state.Store(int32(StateStopped))
		return b.closeBroker(ctx)
	}

	b.state.Store(int32(StateDraining))
	b.stopping.Store(true)
	b.logger.InfoContext(ctx, "bus draining", "pendingCalls", b.pending.len())

	done := make(chan struct{})

	go func() {
		b.loops.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.opts.DrainTimeout)
	defer timer.Stop()

	var drainErr error

	select {
	case <-done:
	case <-timer.C:
		b.logger.WarnContext(ctx, "drain timeout exceeded, aborting in-flight work", "timeout", b.opts.DrainTimeout)
	case <-ctx.Done():
		drainErr = ctx.Err()
	}

	b.cancel()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.DrainTimeout)
	defer cancel()

	if err := b.sub.Close(); err != nil {
		b.logger.WarnContext(ctx, "close response subscription", "error", err)
	}

	for _, c := range b.consumers {
		if err := b.broker.DeleteConsumer(cleanupCtx, c.stream, c.group, b.opts.ServerID); err != nil {
			b.logger.WarnContext(ctx, "delete consumer", "stream", c.stream, "group", c.group, "error", err)
		}
	}

	b.state.Store(int32(StateStopped))
	b.logger.InfoContext(ctx, "bus stopped")

	if err := b.closeBroker(ctx); err != nil {
		return err
	}

	return drainErr
}

func (b *Bus) closeBroker(ctx context.Context) error {
	if !b.ownsBroker {
		return nil
	}

	if err := b.broker.Close(); err != nil {
		b.logger.WarnContext(ctx, "close broker", "error", err)
		return err
	}

	return nil
}
