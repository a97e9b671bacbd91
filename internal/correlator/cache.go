package correlator

import "sync"

// SessionCache maps a per-process session id to an agent id. It is shared
// by every request in the process.
type SessionCache struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewSessionCache returns an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{m: map[string]string{}}
}

// Get returns the agent id cached for sessionID.
func (c *SessionCache) Get(sessionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.m[sessionID]
	return id, ok
}

// Put caches sessionID → agentID.
func (c *SessionCache) Put(sessionID, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[sessionID] = agentID
}

// Remove drops one session id.
func (c *SessionCache) Remove(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, sessionID)
}

// EvictAgent drops every session id pointing at agentID and returns how many
// were removed.
func (c *SessionCache) EvictAgent(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for sid, id := range c.m {
		if id == agentID {
			delete(c.m, sid)
			n++
		}
	}
	return n
}

// Clear empties the cache.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.m)
}

func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
