package redfed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fedkv/redfed/internal/backend"
	"github.com/fedkv/redfed/internal/book"
)

// Do dispatches one command to the backend owning its key and returns
// the client so calls can be chained. The first argument is the key; a
// Key value hashes by its Group instead so related keys co-locate. The
// command is submitted right away and its reply is delivered to
// callback when it arrives; Poll waits for the whole batch.
//
// A command whose target address is down and still inside its backoff
// interval is refused: callback runs with nil and the request is not
// placed in the batch.
func (c *Client) Do(verb string, args []interface{}, callback Callback) *Client {
	hashKey, fwd := splitArgs(verb, args)
	start := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("dispatch on closed client", zap.String("verb", verb))
		refuse(callback)
		return c
	}
	node := c.ring.Lookup([]byte(hashKey))
	if node == "" {
		c.mu.Unlock()
		c.logger.Warn("no node configured for key", zap.String("verb", verb))
		c.metrics.RecordCommand(verb, "unrouted", 0)
		refuse(callback)
		return c
	}

	addr, _ := c.registry.AddressOf(node)
	if c.registry.HasAlternates(node) && c.health.IsDown(addr) {
		addr = c.registry.Rotate(node)
		c.metrics.RecordRotation(node)
	}

	conn, err := c.conns.Acquire(addr)
	if err != nil {
		c.health.MarkDown(addr)
		c.metrics.ServersDown.Set(float64(c.health.DownCount()))
		c.mu.Unlock()
		c.logger.Warn("failed to open backend connection",
			zap.String("node", node),
			zap.String("address", addr),
			zap.Error(err))
		c.metrics.RecordCommand(verb, "error", time.Since(start).Seconds())
		refuse(callback)
		return c
	}

	if c.health.IsDown(addr) && !c.health.NeedsRetry(addr) {
		c.mu.Unlock()
		if c.debug {
			c.logger.Debug("dispatch refused, address in backoff",
				zap.String("verb", verb),
				zap.String("address", addr))
		}
		c.metrics.RecordRefusal(verb)
		refuse(callback)
		return c
	}

	req, first := c.book.Begin(node, addr, verb, callback)
	if first {
		if c.batchCancel != nil {
			c.batchCancel()
		}
		c.batchCtx, c.batchCancel = context.WithCancel(context.Background())
	}
	ctx := c.batchCtx
	queue := c.queue(addr)
	c.metrics.InFlight.Set(float64(c.book.Pending()))
	c.mu.Unlock()

	if c.debug {
		c.logger.Debug("dispatch",
			zap.Uint64("request_id", req.ID),
			zap.String("verb", verb),
			zap.String("node", node),
			zap.String("address", addr))
	}

	queue <- job{ctx: ctx, conn: conn, req: req, args: fwd, start: start}
	return c
}

// submitQueueDepth bounds how many submissions may be queued per
// address before dispatch applies backpressure.
const submitQueueDepth = 1024

// job is one queued submission bound for a backend connection.
type job struct {
	ctx   context.Context
	conn  backend.Conn
	req   *book.Request
	args  []interface{}
	start time.Time
}

// queue returns the submission queue for addr, starting its worker on
// first use. Submissions to one address run strictly in dispatch order,
// matching the reply ordering of a single backend connection. Callers
// hold c.mu.
func (c *Client) queue(addr string) chan job {
	q, ok := c.queues[addr]
	if !ok {
		q = make(chan job, submitQueueDepth)
		c.queues[addr] = q
		go c.worker(q)
	}
	return q
}

// worker drains one address's submission queue until the client closes.
func (c *Client) worker(q chan job) {
	for j := range q {
		cmd := make([]interface{}, 0, len(j.args)+1)
		cmd = append(cmd, j.req.Verb)
		cmd = append(cmd, j.args...)

		reply, err := j.conn.Do(j.ctx, cmd...)
		c.complete(j.req.ID, reply, err, j.start)
	}
}

// complete is the reply path for one request. The record is claimed
// under the lock, the callback runs outside it, and only then is the
// barrier released, so Poll never returns with a callback still due. A
// reply for a request the timeout already cancelled is dropped without
// a second release.
func (c *Client) complete(id uint64, reply interface{}, err error, start time.Time) {
	c.mu.Lock()
	req, ok := c.book.Take(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	if req.State == book.Cancelled {
		c.mu.Unlock()
		return
	}

	if err != nil && !backend.IsReplyError(err) {
		c.health.MarkDown(req.Addr)
		if c.registry.HasAlternates(req.Node) {
			c.registry.Rotate(req.Node)
			c.metrics.RecordRotation(req.Node)
		}
		c.metrics.ServersDown.Set(float64(c.health.DownCount()))
		c.mu.Unlock()

		c.logger.Warn("backend error",
			zap.String("verb", req.Verb),
			zap.String("address", req.Addr),
			zap.Error(err))
		c.metrics.RecordCommand(req.Verb, "error", time.Since(start).Seconds())
		c.invoke(req.Callback, nil)
		c.finish(1)
		return
	}

	value := reply
	if err != nil {
		value = err // server error reply, surfaced verbatim
	}
	c.health.MarkUp(req.Addr)
	c.conns.Touch(req.Addr)
	c.metrics.ServersDown.Set(float64(c.health.DownCount()))
	c.mu.Unlock()

	c.metrics.RecordCommand(req.Verb, "ok", time.Since(start).Seconds())
	c.invoke(req.Callback, value)
	c.finish(1)
}

// finish releases n settled requests from the barrier.
func (c *Client) finish(n int) {
	c.book.Release(n)
	c.metrics.InFlight.Set(float64(c.book.Pending()))
}

// invoke runs a user callback outside the client mutex, serialized so
// callbacks observe reply-arrival order.
func (c *Client) invoke(callback Callback, reply interface{}) {
	if callback == nil {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	callback(reply)
}

// refuse settles a request that never entered the batch. It runs on
// the dispatching goroutine, which may itself be inside a callback, so
// it deliberately skips the callback serialization.
func refuse(callback Callback) {
	if callback != nil {
		callback(nil)
	}
}

// splitArgs extracts the hash key from the argument list and produces
// the forwarded arguments. MULTI and EXEC never carry arguments.
func splitArgs(verb string, args []interface{}) (string, []interface{}) {
	var hashKey string
	fwd := args

	if len(args) > 0 {
		switch k := args[0].(type) {
		case Key:
			group := k.Group
			if group == "" {
				group = k.Name
			}
			hashKey = group
			fwd = make([]interface{}, 0, len(args))
			fwd = append(fwd, k.Name)
			fwd = append(fwd, args[1:]...)
		case string:
			hashKey = k
		case []byte:
			hashKey = string(k)
		default:
			hashKey = fmt.Sprint(k)
		}
	}

	switch strings.ToLower(verb) {
	case "multi", "exec":
		fwd = nil
	}
	return hashKey, fwd
}
