package redfed

import (
	"time"

	"go.uber.org/zap"
)

// Poll waits until every command dispatched since the previous Poll has
// completed, been refused, or been cancelled by the command timeout. A
// single one-shot timer covers the whole batch; when it fires, every
// still-open request is cancelled, its address marked down, and its
// callback run with a nil reply. With nothing in flight Poll returns
// immediately.
func (c *Client) Poll() {
	c.mu.Lock()
	done := c.book.Barrier()
	gen := c.book.Generation()
	timeout := c.commandTimeout
	c.mu.Unlock()

	if done == nil {
		c.afterBatch()
		return
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { c.cancelOpen(gen) })
	}
	<-done
	if timer != nil {
		timer.Stop()
	}
	c.afterBatch()
}

// cancelOpen is the command-timeout handler. It releases every request
// it cancels; late replies find their record cancelled and are dropped
// without a second release. The barrier opens only after every
// cancelled callback has run. A timer that lost the race against a
// drained batch finds the generation moved on and does nothing.
func (c *Client) cancelOpen(gen uint64) {
	c.mu.Lock()
	if c.book.Generation() != gen {
		c.mu.Unlock()
		return
	}
	cancelled := c.book.CancelOpen()
	for _, req := range cancelled {
		c.health.MarkDown(req.Addr)
		c.metrics.TimeoutsTotal.Inc()
	}
	cancel := c.batchCancel
	c.metrics.ServersDown.Set(float64(c.health.DownCount()))
	c.mu.Unlock()

	if len(cancelled) == 0 {
		return
	}
	c.logger.Warn("command timeout, cancelling open requests",
		zap.Int("requests", len(cancelled)))

	if cancel != nil {
		cancel() // cut stragglers loose so their records get dropped
	}
	for _, req := range cancelled {
		c.metrics.RecordCommand(req.Verb, "cancelled", 0)
		c.invoke(req.Callback, nil)
	}
	c.finish(len(cancelled))
}

// afterBatch retires the batch context once the batch has drained and,
// in non-persistent mode, flushes the connection cache.
func (c *Client) afterBatch() {
	c.mu.Lock()
	var flush bool
	if c.book.Pending() == 0 {
		if c.batchCancel != nil {
			c.batchCancel()
			c.batchCtx, c.batchCancel = nil, nil
		}
		flush = !c.persistent
	}
	c.mu.Unlock()

	if flush {
		c.conns.Close()
	}
}
