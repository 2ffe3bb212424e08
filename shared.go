package redfed

import (
	"sync"
	"weak"
)

// sharedClients maps tags to weak references of live client instances,
// so independently written modules in one process that agree on a tag
// share one client. The weak pointers never prolong an instance's life;
// dead entries are purged lazily on insert.
var sharedClients = struct {
	sync.Mutex
	m map[string]weak.Pointer[Client]
}{m: make(map[string]weak.Pointer[Client])}

// sharedByTag returns the live instance registered under tag, or builds
// and registers a new one.
func sharedByTag(tag string, build func() (*Client, error)) (*Client, error) {
	sharedClients.Lock()
	defer sharedClients.Unlock()

	if p, ok := sharedClients.m[tag]; ok {
		if c := p.Value(); c != nil {
			return c, nil
		}
	}

	c, err := build()
	if err != nil {
		return nil, err
	}

	for t, p := range sharedClients.m {
		if p.Value() == nil {
			delete(sharedClients.m, t)
		}
	}
	sharedClients.m[tag] = weak.Make(c)
	return c, nil
}
