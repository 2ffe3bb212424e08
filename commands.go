package redfed

// Thin helpers over Do for common verbs. Any verb the backend accepts
// can be dispatched directly through Do; nothing here is special-cased.

// Get fetches a key.
func (c *Client) Get(key interface{}, callback Callback) *Client {
	return c.Do("get", []interface{}{key}, callback)
}

// Set stores a value under a key.
func (c *Client) Set(key, value interface{}, callback Callback) *Client {
	return c.Do("set", []interface{}{key, value}, callback)
}

// Del deletes a key.
func (c *Client) Del(key interface{}, callback Callback) *Client {
	return c.Do("del", []interface{}{key}, callback)
}

// Incr increments a counter key.
func (c *Client) Incr(key interface{}, callback Callback) *Client {
	return c.Do("incr", []interface{}{key}, callback)
}

// Exists checks whether a key exists.
func (c *Client) Exists(key interface{}, callback Callback) *Client {
	return c.Do("exists", []interface{}{key}, callback)
}

// Expire sets a TTL, in seconds, on a key.
func (c *Client) Expire(key interface{}, seconds int, callback Callback) *Client {
	return c.Do("expire", []interface{}{key, seconds}, callback)
}

// LPush pushes a value onto the head of a list.
func (c *Client) LPush(key, value interface{}, callback Callback) *Client {
	return c.Do("lpush", []interface{}{key, value}, callback)
}

// RPop pops a value off the tail of a list.
func (c *Client) RPop(key interface{}, callback Callback) *Client {
	return c.Do("rpop", []interface{}{key}, callback)
}

// Multi opens a transaction on the node owning key. The key routes the
// command but is not forwarded.
func (c *Client) Multi(key interface{}, callback Callback) *Client {
	return c.Do("multi", []interface{}{key}, callback)
}

// Exec runs the open transaction on the node owning key. The key
// routes the command but is not forwarded.
func (c *Client) Exec(key interface{}, callback Callback) *Client {
	return c.Do("exec", []interface{}{key}, callback)
}
