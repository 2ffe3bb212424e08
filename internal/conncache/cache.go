package conncache

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fedkv/redfed/internal/backend"
)

// Cache keeps at most one live backend connection per physical address.
// A connection idle for longer than idleTimeout is discarded and
// redialed on the next acquire; an idleTimeout of zero disables expiry.
type Cache struct {
	mu          sync.Mutex
	dialer      backend.Dialer
	idleTimeout time.Duration
	conns       map[string]*entry
	now         func() time.Time
	logger      *zap.Logger
}

type entry struct {
	conn     backend.Conn
	lastUsed time.Time
}

// New creates a cache dialing through dialer.
func New(dialer backend.Dialer, idleTimeout time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		dialer:      dialer,
		idleTimeout: idleTimeout,
		conns:       make(map[string]*entry),
		now:         time.Now,
		logger:      logger,
	}
}

// Acquire returns the cached connection for addr, dialing a new one if
// none exists or the cached one sat idle past the expiry window.
func (c *Cache) Acquire(addr string) (backend.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.conns[addr]; ok {
		if c.idleTimeout == 0 || c.now().Sub(e.lastUsed) < c.idleTimeout {
			return e.conn, nil
		}
		c.logger.Debug("discarding idle connection", zap.String("address", addr))
		e.conn.Close()
		delete(c.conns, addr)
	}

	conn, err := c.dialer.Dial(addr)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = &entry{conn: conn, lastUsed: c.now()}
	return conn, nil
}

// Touch refreshes the last-used time for addr after a successful reply.
func (c *Cache) Touch(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.conns[addr]; ok {
		e.lastUsed = c.now()
	}
}

// Evict closes and removes the connection for addr, if any.
func (c *Cache) Evict(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.conns[addr]; ok {
		e.conn.Close()
		delete(c.conns, addr)
	}
}

// Len returns the number of cached connections.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close tears down every cached connection concurrently and returns the
// first close error encountered.
func (c *Cache) Close() error {
	c.mu.Lock()
	conns := make([]backend.Conn, 0, len(c.conns))
	for _, e := range c.conns {
		conns = append(conns, e.conn)
	}
	c.conns = make(map[string]*entry)
	c.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(conn.Close)
	}
	return g.Wait()
}
