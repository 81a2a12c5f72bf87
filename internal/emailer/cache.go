package emailer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/mailqueue/internal/email"
)

// RecordCache memoizes records by id. Entries expire after the TTL given
// to NewRecordCache, so status changes made by another process show up
// once it passes. A nil *RecordCache is valid and caches nothing.
type RecordCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	records map[uuid.UUID]cachedRecord
}

type cachedRecord struct {
	rec     *email.Record
	expires time.Time
}

// NewRecordCache creates an empty RecordCache. A non-positive ttl keeps
// entries until they are invalidated.
func NewRecordCache(ttl time.Duration) *RecordCache {
	return &RecordCache{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[uuid.UUID]cachedRecord),
	}
}

// Get returns the cached record for id unless it has expired.
func (c *RecordCache) Get(id uuid.UUID) (*email.Record, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.records[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		c.Invalidate(id)
		return nil, false
	}
	return entry.rec, true
}

// Put caches rec.
func (c *RecordCache) Put(rec *email.Record) {
	if c == nil || rec == nil {
		return
	}
	entry := cachedRecord{rec: rec}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ID] = entry
}

// Invalidate drops id.
func (c *RecordCache) Invalidate(id uuid.UUID) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
}

// Reset drops every cached record.
func (c *RecordCache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.records)
}
