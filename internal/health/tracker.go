package health

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default retry parameters. A freshly failed address is retried on
// every dispatch until MaxHostRetries consecutive failures, then enters
// exponential backoff with jitter, capped at MaxRetryInterval.
const (
	DefaultMaxHostRetries    = 3
	DefaultBaseRetryInterval = 10 * time.Second
	DefaultRetryIntervalMult = 2
	DefaultRetrySlop         = 5 * time.Second
	DefaultMaxRetryInterval  = 600 * time.Second
)

// Options configures the retry state machine.
type Options struct {
	MaxHostRetries    int
	BaseRetryInterval time.Duration
	RetryIntervalMult int
	RetrySlop         time.Duration
	MaxRetryInterval  time.Duration
}

// withDefaults fills unset fields with the package defaults.
func (o Options) withDefaults() Options {
	if o.MaxHostRetries <= 0 {
		o.MaxHostRetries = DefaultMaxHostRetries
	}
	if o.BaseRetryInterval <= 0 {
		o.BaseRetryInterval = DefaultBaseRetryInterval
	}
	if o.RetryIntervalMult <= 0 {
		o.RetryIntervalMult = DefaultRetryIntervalMult
	}
	if o.RetrySlop <= 0 {
		o.RetrySlop = DefaultRetrySlop
	}
	if o.MaxRetryInterval <= 0 {
		o.MaxRetryInterval = DefaultMaxRetryInterval
	}
	return o
}

// record is the per-address failure bookkeeping. An address with no
// record is up; a successful reply erases the record entirely.
type record struct {
	failures    int
	lastAttempt time.Time
	downSince   time.Time
	interval    time.Duration
}

// Status is a read-only snapshot of one down address.
type Status struct {
	Address       string
	Failures      int
	DownSince     time.Time
	RetryInterval time.Duration
}

// Tracker maintains per-address health records and decides when a
// known-down address may be retried.
type Tracker struct {
	mu     sync.Mutex
	opts   Options
	down   map[string]*record
	now    func() time.Time
	jitter func(time.Duration) time.Duration
	logger *zap.Logger
}

// NewTracker creates a tracker with the given options, applying package
// defaults for unset fields.
func NewTracker(opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		opts: opts.withDefaults(),
		down: make(map[string]*record),
		now:  time.Now,
		jitter: func(slop time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(slop)))
		},
		logger: logger,
	}
}

// MarkDown records a failed attempt against addr, advancing the state
// machine: Up -> fast retries -> exponential backoff.
func (t *Tracker) MarkDown(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rec, ok := t.down[addr]
	if !ok {
		t.down[addr] = &record{
			failures:    1,
			lastAttempt: now,
			downSince:   now,
			interval:    t.opts.BaseRetryInterval,
		}
		t.logger.Warn("server down", zap.String("address", addr))
		return
	}

	rec.failures++
	rec.lastAttempt = now

	switch {
	case rec.failures == t.opts.MaxHostRetries:
		t.logger.Warn("server still down, entering backoff",
			zap.String("address", addr),
			zap.Int("failures", rec.failures),
			zap.Duration("retry_interval", rec.interval))
	case rec.failures > t.opts.MaxHostRetries && rec.interval < t.opts.MaxRetryInterval:
		next := rec.interval*time.Duration(t.opts.RetryIntervalMult) + t.jitter(t.opts.RetrySlop)
		if next > t.opts.MaxRetryInterval {
			next = t.opts.MaxRetryInterval
		}
		rec.interval = next
		t.logger.Warn("server retry interval increased",
			zap.String("address", addr),
			zap.Int("failures", rec.failures),
			zap.Duration("retry_interval", rec.interval))
	}
}

// MarkUp erases the record for addr after a successful reply.
func (t *Tracker) MarkUp(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.down[addr]
	if !ok {
		return
	}
	t.logger.Info("server back up",
		zap.String("address", addr),
		zap.Time("down_since", rec.downSince),
		zap.Int("failures", rec.failures))
	delete(t.down, addr)
}

// IsDown reports whether addr currently holds a failure record.
func (t *Tracker) IsDown(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.down[addr]
	return ok
}

// NeedsRetry reports whether a dispatch to addr may be attempted now.
// Addresses within the fast-retry window are always retried; addresses
// in backoff only once their interval has elapsed since the last
// attempt. Up addresses trivially qualify.
func (t *Tracker) NeedsRetry(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.down[addr]
	if !ok {
		return true
	}
	if rec.failures < t.opts.MaxHostRetries {
		return true
	}
	return t.now().Sub(rec.lastAttempt) >= rec.interval
}

// DownSince returns when addr was first seen down.
func (t *Tracker) DownSince(addr string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.down[addr]
	if !ok {
		return time.Time{}, false
	}
	return rec.downSince, true
}

// RetryInterval returns the current backoff interval for addr.
func (t *Tracker) RetryInterval(addr string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.down[addr]
	if !ok {
		return 0, false
	}
	return rec.interval, true
}

// DownCount returns the number of addresses currently down.
func (t *Tracker) DownCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.down)
}

// Snapshot returns the down addresses sorted by address.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Status, 0, len(t.down))
	for addr, rec := range t.down {
		out = append(out, Status{
			Address:       addr,
			Failures:      rec.failures,
			DownSince:     rec.downSince,
			RetryInterval: rec.interval,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
