package backend

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Conn is a live connection to one backend address. Replies on a
// single Conn are delivered in submission order.
type Conn interface {
	// Do sends one command (verb first, then arguments) and returns the
	// raw reply. A nil reply with a nil error is a Redis nil bulk.
	Do(ctx context.Context, args ...interface{}) (interface{}, error)
	Close() error
}

// Dialer opens connections to physical addresses.
type Dialer interface {
	Dial(addr string) (Conn, error)
}

// RedisDialer dials backends through go-redis. Each Conn wraps a
// single-connection client so that at most one live backend connection
// exists per address.
type RedisDialer struct {
	// ConnectTimeout bounds connection establishment. Zero keeps the
	// library default.
	ConnectTimeout time.Duration
}

// Dial opens a connection to addr.
func (d *RedisDialer) Dial(addr string) (Conn, error) {
	opts := &redis.Options{
		Addr:        addr,
		PoolSize:    1,
		MaxRetries:  -1, // retry scheduling belongs to the health tracker
		ReadTimeout: -1, // deadlines arrive through the batch context
	}
	if d.ConnectTimeout > 0 {
		opts.DialTimeout = d.ConnectTimeout
	}
	return &redisConn{client: redis.NewClient(opts)}, nil
}

// redisConn adapts *redis.Client to the Conn interface.
type redisConn struct {
	client *redis.Client
}

func (c *redisConn) Do(ctx context.Context, args ...interface{}) (interface{}, error) {
	reply, err := c.client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return reply, err
}

func (c *redisConn) Close() error {
	return c.client.Close()
}

// IsReplyError reports whether err is an error reply from the server
// (for example -ERR or -WRONGTYPE) rather than a transport failure.
// Reply errors are surfaced to callers verbatim and count as a healthy
// response.
func IsReplyError(err error) bool {
	var re redis.Error
	return errors.As(err, &re)
}
