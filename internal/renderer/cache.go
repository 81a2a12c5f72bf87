package renderer

import (
	"html/template"
	"sync"
)

// Cache holds compiled templates. It is owned by whoever builds the
// renderers and is never shared implicitly.
type Cache struct {
	mu    sync.RWMutex
	items map[string]*template.Template
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{items: make(map[string]*template.Template)}
}

// Get returns the template stored under key.
func (c *Cache) Get(key string) (*template.Template, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.items[key]
	return t, ok
}

// Put stores t under key.
func (c *Cache) Put(key string, t *template.Template) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = t
}

// Invalidate drops key.
func (c *Cache) Invalidate(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Reset drops every entry.
func (c *Cache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
