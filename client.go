// Package redfed is a federated asynchronous client for pools of
// independent Redis-compatible servers. Commands are routed to exactly
// one backend by a consistent-hash ring over logical node names, dead
// backends fail fast and are retried with exponential backoff, and
// batches of dispatched commands are awaited with a single Poll call
// under one command timeout.
package redfed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fedkv/redfed/internal/backend"
	"github.com/fedkv/redfed/internal/book"
	"github.com/fedkv/redfed/internal/config"
	"github.com/fedkv/redfed/internal/conncache"
	"github.com/fedkv/redfed/internal/health"
	"github.com/fedkv/redfed/internal/metrics"
	"github.com/fedkv/redfed/internal/registry"
	"github.com/fedkv/redfed/internal/ring"
)

// Callback receives the reply for one dispatched command. A nil reply
// means the command failed, was refused, or was cancelled by the batch
// timeout; a server error reply (for example -ERR) is passed through
// verbatim as an error value.
type Callback func(reply interface{})

// Key routes a command by an explicit hashing group so that related
// keys co-locate on one node. The forwarded key is Name; Group is only
// the hash input.
type Key struct {
	Group string
	Name  string
}

// NodeStatus is a point-in-time view of one logical node.
type NodeStatus struct {
	Name      string    `json:"name"`
	Selected  string    `json:"selected"`
	Addresses []string  `json:"addresses"`
	Down      bool      `json:"down"`
	DownSince time.Time `json:"down_since,omitzero"`
}

// Client fronts a pool of independent Redis-compatible servers behind a
// single logical interface.
type Client struct {
	id         string
	logger     *zap.Logger
	debug      bool
	persistent bool
	masterOf   map[string]string

	mu             sync.Mutex
	commandTimeout time.Duration
	ring           *ring.Ring
	registry       *registry.Registry
	health         *health.Tracker
	conns          *conncache.Cache
	book           *book.Book
	batchCtx       context.Context
	batchCancel    context.CancelFunc
	queues         map[string]chan job
	closed         bool

	// cbMu serializes user callbacks in reply-arrival order.
	cbMu sync.Mutex

	promReg *prometheus.Registry
	metrics *metrics.Metrics
}

// New creates a client for the configured node pool. When cfg.Tag is
// set, a still-referenced instance created earlier under the same tag
// is returned instead, and its configuration silently wins.
func New(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return NewWithDialer(cfg, &backend.RedisDialer{ConnectTimeout: cfg.ConnectTimeout}, logger)
}

// NewWithDialer creates a client dialing backends through a custom
// dialer. Tag sharing applies the same way as in New.
func NewWithDialer(cfg *config.Config, dialer backend.Dialer, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tag != "" {
		return sharedByTag(cfg.Tag, func() (*Client, error) {
			return newClient(cfg, dialer, logger)
		})
	}
	return newClient(cfg, dialer, logger)
}

// newClient builds a fresh instance from a validated configuration.
func newClient(cfg *config.Config, dialer backend.Dialer, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	logger = logger.With(zap.String("client_id", id))

	promReg := prometheus.NewRegistry()

	c := &Client{
		id:             id,
		logger:         logger,
		debug:          cfg.Debug,
		persistent:     cfg.Persistent,
		masterOf:       cfg.MasterOf,
		commandTimeout: cfg.CommandTimeout,
		ring:           ring.New(),
		registry:       registry.New(logger),
		health: health.NewTracker(health.Options{
			MaxHostRetries:    cfg.MaxHostRetries,
			BaseRetryInterval: cfg.BaseRetryInterval,
			RetryIntervalMult: cfg.RetryIntervalMult,
			RetrySlop:         cfg.RetrySlop,
			MaxRetryInterval:  cfg.MaxRetryInterval,
		}, logger),
		conns:   conncache.New(dialer, cfg.IdleTimeout, logger),
		book:    book.New(),
		queues:  make(map[string]chan job),
		promReg: promReg,
		metrics: metrics.New(promReg),
	}

	for name, node := range cfg.Nodes {
		c.ring.Add(name, ring.DefaultWeight)
		c.registry.Set(name, node.List())
	}

	c.logger.Info("client created", zap.Int("nodes", len(cfg.Nodes)))
	return c, nil
}

// ID returns the instance identifier used in logs and the ops server.
func (c *Client) ID() string {
	return c.id
}

// MetricsGatherer exposes this instance's Prometheus registry.
func (c *Client) MetricsGatherer() prometheus.Gatherer {
	return c.promReg
}

// AddNode inserts a logical node into the ring and registry.
func (c *Client) AddNode(name string, node config.NodeConfig) error {
	addrs := node.List()
	if len(addrs) == 0 {
		return errors.New("node needs an address or a non-empty addresses list")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring.Add(name, ring.DefaultWeight)
	c.registry.Set(name, addrs)
	c.logger.Info("node added", zap.String("node", name), zap.Strings("addresses", addrs))
	return nil
}

// RemoveNode removes a logical node. Cached connections to addresses
// exclusive to the node are evicted.
func (c *Client) RemoveNode(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring.Remove(name)
	for _, addr := range c.registry.Delete(name) {
		if !c.registry.AddressInUse(addr, "") {
			c.conns.Evict(addr)
		}
	}
	c.logger.Info("node removed", zap.String("node", name))
}

// CommandTimeout returns the per-batch command timeout.
func (c *Client) CommandTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandTimeout
}

// SetCommandTimeout changes the per-batch command timeout. Zero
// disables it.
func (c *Client) SetCommandTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandTimeout = d
}

// KeyToNode returns the logical node responsible for key.
func (c *Client) KeyToNode(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Lookup([]byte(key))
}

// NodeToHost returns the currently selected address for a node.
func (c *Client) NodeToHost(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, _ := c.registry.AddressOf(name)
	return addr
}

// IsServerDown reports whether addr currently holds a failure record.
func (c *Client) IsServerDown(addr string) bool {
	return c.health.IsDown(addr)
}

// IsServerUp reports the opposite of IsServerDown.
func (c *Client) IsServerUp(addr string) bool {
	return !c.health.IsDown(addr)
}

// MarkServerDown records a failure against addr by hand.
func (c *Client) MarkServerDown(addr string) {
	c.health.MarkDown(addr)
	c.metrics.ServersDown.Set(float64(c.health.DownCount()))
}

// MarkServerUp erases the failure record for addr by hand.
func (c *Client) MarkServerUp(addr string) {
	c.health.MarkUp(addr)
	c.metrics.ServersDown.Set(float64(c.health.DownCount()))
}

// MasterOf returns the informational replication topology from the
// configuration. The client records it but does not act on it.
func (c *Client) MasterOf() map[string]string {
	return c.masterOf
}

// Nodes returns a status snapshot of every configured node.
func (c *Client) Nodes() []NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := c.ring.Nodes()
	out := make([]NodeStatus, 0, len(names))
	for _, name := range names {
		selected, _ := c.registry.AddressOf(name)
		status := NodeStatus{
			Name:      name,
			Selected:  selected,
			Addresses: c.registry.Addresses(name),
			Down:      c.health.IsDown(selected),
		}
		if since, ok := c.health.DownSince(selected); ok {
			status.DownSince = since
		}
		out = append(out, status)
	}
	return out
}

// DownServers returns the addresses currently marked down.
func (c *Client) DownServers() []health.Status {
	return c.health.Snapshot()
}

// Close cancels the current batch, if any, stops the per-address
// submission workers, and tears down every cached backend connection.
// The client must not be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.batchCancel != nil {
		c.batchCancel()
		c.batchCtx, c.batchCancel = nil, nil
	}
	for _, q := range c.queues {
		close(q)
	}
	c.queues = nil
	c.mu.Unlock()

	c.logger.Info("client closed")
	return c.conns.Close()
}
