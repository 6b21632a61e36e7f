package checksum

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"

	"scenariodb/internal/scenario"
)

// Cache shares fingerprints between builds of the same settings within one
// process, e.g. the requests handled by a remote build server. A source file
// edited while an entry is cached goes unnoticed until the entry expires after
// the TTL or is dropped with Forget; forced rebuilds drop it.
type Cache struct {
	client *sturdyc.Client[scenario.Fingerprint]
}

// NewCache creates a Cache holding up to capacity fingerprints for ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Cache{client: sturdyc.New[scenario.Fingerprint](capacity, 8, ttl, 10)}
}

// Key identifies settings that produce the same fingerprint. Fields that never
// reach a checksum are left out so every test of a scenario shares one entry.
func Key(s scenario.Settings) (string, error) {
	s.TestName = ""
	s.DatabaseModifier = ""
	s.ForceRebuild = false
	return digest(domainSettings, s)
}

// Wrap returns a Checksummer that looks fingerprints up in the cache before
// asking inner.
func (c *Cache) Wrap(key string, inner scenario.Checksummer) scenario.Checksummer {
	return &cached{cache: c, key: key, inner: inner}
}

// Forget drops the fingerprint stored under key.
func (c *Cache) Forget(key string) {
	c.client.Delete(key)
}

type cached struct {
	cache *Cache
	key   string
	inner scenario.Checksummer
}

func (c *cached) Fingerprint() (scenario.Fingerprint, error) {
	return c.cache.client.GetOrFetch(context.Background(), c.key, func(context.Context) (scenario.Fingerprint, error) {
		return c.inner.Fingerprint()
	})
}

func (c *cached) SnapshotChecksumFor(seeders []string) (string, error) {
	return c.inner.SnapshotChecksumFor(seeders)
}
