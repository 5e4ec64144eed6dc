// Package codec gives find/find_one a concrete return type for blob-valued
// fields (§6.2): either the bytes are already in hand (Eager) or only a
// storage key is (Deferred), resolved lazily through a small TTL decode
// cache so repeated reads of the same key don't re-decode it every time.
package codec

import (
	"sync"
	"time"
)

// MediaKind distinguishes the two MediaField variants.
type MediaKind int

const (
	Eager MediaKind = iota
	Deferred
)

// MediaField is a closed two-variant value: an Eager field already carries
// its bytes, a Deferred field only carries the key a Resolver can later
// look up. Base64/file-sniffing decoding of those bytes is out of scope;
// this type only carries them.
type MediaField struct {
	kind MediaKind
	data []byte
	key  string
}

// NewEager wraps bytes already available in memory.
func NewEager(data []byte) MediaField {
	return MediaField{kind: Eager, data: data}
}

// NewDeferred wraps a storage key to be resolved later via a Cache.
func NewDeferred(key string) MediaField {
	return MediaField{kind: Deferred, key: key}
}

func (f MediaField) Kind() MediaKind { return f.kind }
func (f MediaField) Key() string     { return f.key }

// Bytes returns the field's data if Eager, or false if it is Deferred and
// still needs Cache.Resolve.
func (f MediaField) Bytes() ([]byte, bool) {
	if f.kind != Eager {
		return nil, false
	}
	return f.data, true
}

// Resolver loads the bytes for a Deferred field's key, e.g. from a blob
// store outside this module's scope.
type Resolver func(key string) ([]byte, error)

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// Cache is a process-wide TTL cache from storage key to decoded bytes,
// the concrete collaborator behind Resolve so repeated Deferred reads of
// the same key avoid hitting the Resolver every time.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache builds a Cache with the given entry lifetime.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: map[string]cacheEntry{}, now: time.Now}
}

// Resolve returns data for a MediaField, calling load only on a cache miss
// or an expired entry; Eager fields never touch the cache or load.
func (c *Cache) Resolve(f MediaField, load Resolver) ([]byte, error) {
	if f.kind == Eager {
		return f.data, nil
	}
	c.mu.Lock()
	entry, ok := c.entries[f.key]
	now := c.now()
	if ok && now.Before(entry.expires) {
		c.mu.Unlock()
		return entry.data, nil
	}
	c.mu.Unlock()

	data, err := load(f.key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[f.key] = cacheEntry{data: data, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return data, nil
}

// Evict removes key from the cache, e.g. after the underlying blob changes.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
