package redfed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedkv/redfed/internal/backend"
	"github.com/fedkv/redfed/internal/config"
)

// replyError mimics a server error reply (-ERR ...) as surfaced by the
// backend library.
type replyError string

func (e replyError) Error() string { return string(e) }
func (e replyError) RedisError()   {}

// mockConn is a scriptable in-memory backend.
type mockConn struct {
	addr string
	mu   sync.Mutex

	store map[string]interface{}
	fail  error // returned for every command when set
	hang  bool  // block until the context is cancelled

	calls [][]interface{}
}

func (m *mockConn) Do(ctx context.Context, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	hang := m.hang
	m.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}

	verb := strings.ToLower(fmt.Sprint(args[0]))
	switch verb {
	case "set":
		m.store[fmt.Sprint(args[1])] = args[2]
		return "OK", nil
	case "get":
		return m.store[fmt.Sprint(args[1])], nil
	case "del":
		delete(m.store, fmt.Sprint(args[1]))
		return int64(1), nil
	}
	return "OK", nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockDialer hands out one mockConn per address.
type mockDialer struct {
	mu    sync.Mutex
	conns map[string]*mockConn

	failDo map[string]error // addr -> transport error for its conn
	hang   map[string]bool  // addr -> conn hangs until cancelled
}

func newMockDialer() *mockDialer {
	return &mockDialer{
		conns:  make(map[string]*mockConn),
		failDo: make(map[string]error),
		hang:   make(map[string]bool),
	}
}

func (d *mockDialer) Dial(addr string) (backend.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[addr]; ok {
		return conn, nil
	}
	conn := &mockConn{
		addr:  addr,
		store: make(map[string]interface{}),
		fail:  d.failDo[addr],
		hang:  d.hang[addr],
	}
	d.conns[addr] = conn
	return conn, nil
}

func (d *mockDialer) conn(addr string) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[addr]
}

func testConfig(nodes map[string]config.NodeConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Nodes = nodes
	return cfg
}

func singleNodeConfig() *config.Config {
	return testConfig(map[string]config.NodeConfig{
		"redis_0": {Address: "localhost:63790"},
	})
}

func newTestClient(t *testing.T, cfg *config.Config, dialer backend.Dialer) *Client {
	t.Helper()
	c, err := NewWithDialer(cfg, dialer, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_ConfigurationErrors(t *testing.T) {
	_, err := New(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = New(&config.Config{}, zap.NewNop())
	assert.Error(t, err, "a config without nodes must be rejected")
}

func TestClient_SetGet(t *testing.T) {
	dialer := newMockDialer()
	c := newTestClient(t, singleNodeConfig(), dialer)

	c.Set("ducati", 7, nil)
	c.Poll()

	var got interface{}
	c.Get("ducati", func(reply interface{}) { got = reply })
	c.Poll()

	assert.Equal(t, 7, got)
}

func TestClient_Chaining(t *testing.T) {
	dialer := newMockDialer()
	c := newTestClient(t, singleNodeConfig(), dialer)

	var got interface{}
	c.Set("ducati", 8, nil).Get("ducati", func(reply interface{}) { got = reply })
	c.Poll()

	assert.Equal(t, 8, got, "submissions to one address run in dispatch order")
}

func TestClient_BarrierCompleteness(t *testing.T) {
	dialer := newMockDialer()
	cfg := testConfig(map[string]config.NodeConfig{
		"redis_0": {Address: "h0:6379"},
		"redis_1": {Address: "h1:6379"},
		"redis_2": {Address: "h2:6379"},
		"redis_3": {Address: "h3:6379"},
	})
	c := newTestClient(t, cfg, dialer)

	var done int64
	for i := 0; i < 20; i++ {
		c.Set(fmt.Sprintf("foo%d", i), fmt.Sprintf("bar%d", i), func(interface{}) {
			atomic.AddInt64(&done, 1)
		})
	}
	c.Poll()

	assert.Equal(t, int64(20), atomic.LoadInt64(&done),
		"Poll returns only after every dispatched request settled")

	var got interface{}
	c.Get("foo1", func(reply interface{}) { got = reply })
	c.Poll()
	assert.Equal(t, "bar1", got)
}

func TestClient_PollWithoutRequests(t *testing.T) {
	c := newTestClient(t, singleNodeConfig(), newMockDialer())

	start := time.Now()
	c.Poll()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestClient_KeyGroupRouting(t *testing.T) {
	dialer := newMockDialer()
	cfg := testConfig(map[string]config.NodeConfig{
		"redis_0": {Address: "h0:6379"},
		"redis_1": {Address: "h1:6379"},
		"redis_2": {Address: "h2:6379"},
		"redis_3": {Address: "h3:6379"},
	})
	c := newTestClient(t, cfg, dialer)

	c.Do("set", []interface{}{Key{Group: "g", Name: "k1"}, "v1"}, nil)
	c.Do("set", []interface{}{Key{Group: "g", Name: "k2"}, "v2"}, nil)
	c.Poll()

	target := c.NodeToHost(c.KeyToNode("g"))
	conn := dialer.conn(target)
	require.NotNil(t, conn)
	require.Equal(t, 2, conn.callCount(), "grouped keys must land on one backend")

	// The group is only a hash input; the forwarded key is the name.
	assert.Equal(t, "k1", conn.calls[0][1])
	assert.Equal(t, "k2", conn.calls[1][1])
}

func TestClient_ReplyErrorPassthrough(t *testing.T) {
	dialer := newMockDialer()
	dialer.failDo["localhost:63790"] = replyError("ERR unknown command 'frobnicate'")
	c := newTestClient(t, singleNodeConfig(), dialer)

	var got interface{}
	c.Do("frobnicate", []interface{}{"key"}, func(reply interface{}) { got = reply })
	c.Poll()

	require.IsType(t, replyError(""), got, "server error replies surface verbatim")
	assert.True(t, c.IsServerUp("localhost:63790"),
		"an error reply is a healthy response, not a transport failure")
}

func TestClient_TransportErrorMarksDownAndRefuses(t *testing.T) {
	dialer := newMockDialer()
	dialer.failDo["localhost:63790"] = errors.New("broken pipe")

	cfg := singleNodeConfig()
	cfg.MaxHostRetries = 1 // one failure puts the address straight into backoff
	c := newTestClient(t, cfg, dialer)

	invoked := false
	var got interface{} = "sentinel"
	c.Set("foo", "bar", func(reply interface{}) {
		invoked = true
		got = reply
	})
	c.Poll()

	require.True(t, invoked)
	assert.Nil(t, got, "a failed request delivers a nil reply")
	assert.True(t, c.IsServerDown("localhost:63790"))

	// The address is in backoff, so the next dispatch is refused without
	// touching the backend or the barrier.
	before := dialer.conn("localhost:63790").callCount()
	refused := make(chan interface{}, 1)
	c.Set("foo", "bar", func(reply interface{}) { refused <- reply })

	select {
	case reply := <-refused:
		assert.Nil(t, reply)
	case <-time.After(time.Second):
		t.Fatal("refusal callback must run synchronously at dispatch")
	}
	c.Poll()
	assert.Equal(t, before, dialer.conn("localhost:63790").callCount())
}

func TestClient_RecoveryClearsRecord(t *testing.T) {
	dialer := newMockDialer()
	c := newTestClient(t, singleNodeConfig(), dialer)

	c.MarkServerDown("localhost:63790")
	require.True(t, c.IsServerDown("localhost:63790"))

	// Still inside the fast-retry window, so the dispatch goes through
	// and the successful reply erases the record.
	c.Set("foo", "bar", nil)
	c.Poll()

	assert.True(t, c.IsServerUp("localhost:63790"))
	assert.Empty(t, c.DownServers())
}

func TestClient_TimeoutCancelsBatch(t *testing.T) {
	dialer := newMockDialer()
	dialer.hang["localhost:63790"] = true

	cfg := singleNodeConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	c := newTestClient(t, cfg, dialer)

	var got interface{} = "sentinel"
	invoked := false
	c.Set("foo", "bar", func(reply interface{}) {
		invoked = true
		got = reply
	})

	start := time.Now()
	c.Poll()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "Poll must return shortly after the timeout")
	assert.True(t, invoked, "cancelled requests run their callback with nil")
	assert.Nil(t, got)
	assert.True(t, c.IsServerDown("localhost:63790"),
		"a non-responsive server is effectively down")
	assert.Equal(t, 0, c.book.Pending())
}

func TestClient_TimeoutAdjustable(t *testing.T) {
	cfg := singleNodeConfig()
	c := newTestClient(t, cfg, newMockDialer())

	assert.Equal(t, time.Second, c.CommandTimeout())
	c.SetCommandTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.CommandTimeout())
}

func TestClient_ErrorRotatesToAlternate(t *testing.T) {
	dialer := newMockDialer()
	for _, addr := range []string{"a:1", "b:2", "c:3", "d:4"} {
		dialer.failDo[addr] = errors.New("connection reset")
	}
	cfg := testConfig(map[string]config.NodeConfig{
		"foo": {Addresses: []string{"a:1", "b:2", "c:3", "d:4"}},
	})
	c := newTestClient(t, cfg, dialer)

	first := c.NodeToHost("foo")
	c.Set("anything", 1, nil)
	c.Poll()

	assert.True(t, c.IsServerDown(first))
	assert.NotEqual(t, first, c.NodeToHost("foo"),
		"a failed alternate rotates out of selection")
}

func TestClient_RotationSkipsDownSelection(t *testing.T) {
	dialer := newMockDialer()
	cfg := testConfig(map[string]config.NodeConfig{
		"foo": {Addresses: []string{"a:1", "b:2"}},
	})
	c := newTestClient(t, cfg, dialer)

	first := c.NodeToHost("foo")
	c.MarkServerDown(first)

	c.Set("k", "v", nil)
	c.Poll()

	selected := c.NodeToHost("foo")
	assert.NotEqual(t, first, selected)
	assert.Equal(t, 1, dialer.conn(selected).callCount(),
		"the dispatch goes to the rotated-in alternate")
}

func TestClient_SharedInstanceByTag(t *testing.T) {
	cfg := singleNodeConfig()
	cfg.Tag = "shared-test-tag"

	a, err := NewWithDialer(cfg, newMockDialer(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	b, err := NewWithDialer(cfg, newMockDialer(), zap.NewNop())
	require.NoError(t, err)

	assert.Same(t, a, b, "same tag returns the same live instance")

	other := singleNodeConfig()
	other.Tag = "shared-test-tag-2"
	d, err := NewWithDialer(other, newMockDialer(), zap.NewNop())
	require.NoError(t, err)
	defer d.Close()

	assert.NotSame(t, a, d)
}

func TestClient_RemoveNodeEvictsConnections(t *testing.T) {
	dialer := newMockDialer()
	cfg := testConfig(map[string]config.NodeConfig{
		"redis_0": {Address: "h0:6379"},
		"redis_1": {Address: "h1:6379"},
	})
	c := newTestClient(t, cfg, dialer)

	// Warm up connections on both nodes.
	for i := 0; i < 32; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, nil)
	}
	c.Poll()
	require.Equal(t, 2, c.conns.Len())

	c.RemoveNode("redis_0")

	assert.Equal(t, 1, c.conns.Len(), "connections exclusive to the node are evicted")
	assert.Equal(t, "", c.NodeToHost("redis_0"))
	assert.NotContains(t, c.ring.Nodes(), "redis_0")
}

func TestClient_DispatchAfterClose(t *testing.T) {
	c, err := NewWithDialer(singleNodeConfig(), newMockDialer(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "closing twice is fine")

	var got interface{} = "sentinel"
	c.Set("foo", "bar", func(reply interface{}) { got = reply })
	assert.Nil(t, got)
}

func TestClient_MultiExecCarryNoArguments(t *testing.T) {
	dialer := newMockDialer()
	c := newTestClient(t, singleNodeConfig(), dialer)

	c.Multi("ducati", nil)
	c.Set("ducati", 1, nil)
	c.Exec("ducati", nil)
	c.Poll()

	conn := dialer.conn("localhost:63790")
	require.Equal(t, 3, conn.callCount())
	assert.Equal(t, []interface{}{"multi"}, conn.calls[0])
	assert.Equal(t, []interface{}{"exec"}, conn.calls[2])
}

func TestClient_MasterOfIsInformational(t *testing.T) {
	cfg := singleNodeConfig()
	cfg.MasterOf = map[string]string{"b:2": "a:1"}
	c := newTestClient(t, cfg, newMockDialer())

	assert.Equal(t, "a:1", c.MasterOf()["b:2"])
}

func TestSplitArgs(t *testing.T) {
	hashKey, fwd := splitArgs("set", []interface{}{"foo", "bar"})
	assert.Equal(t, "foo", hashKey)
	assert.Equal(t, []interface{}{"foo", "bar"}, fwd)

	hashKey, fwd = splitArgs("set", []interface{}{Key{Group: "g", Name: "k"}, "v"})
	assert.Equal(t, "g", hashKey)
	assert.Equal(t, []interface{}{"k", "v"}, fwd)

	hashKey, fwd = splitArgs("get", []interface{}{Key{Name: "k"}})
	assert.Equal(t, "k", hashKey, "an empty group falls back to the key")
	assert.Equal(t, []interface{}{"k"}, fwd)

	hashKey, fwd = splitArgs("get", []interface{}{[]byte("raw")})
	assert.Equal(t, "raw", hashKey)

	_, fwd = splitArgs("MULTI", []interface{}{"key"})
	assert.Nil(t, fwd)
	_, fwd = splitArgs("exec", []interface{}{"key"})
	assert.Nil(t, fwd)
}

func TestClient_NodesSnapshot(t *testing.T) {
	cfg := testConfig(map[string]config.NodeConfig{
		"redis_0": {Address: "h0:6379"},
		"redis_1": {Address: "h1:6379"},
	})
	c := newTestClient(t, cfg, newMockDialer())
	c.MarkServerDown("h1:6379")

	nodes := c.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "redis_0", nodes[0].Name)
	assert.False(t, nodes[0].Down)
	assert.True(t, nodes[1].Down)
	assert.False(t, nodes[1].DownSince.IsZero())
}
