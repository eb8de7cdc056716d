// Package cache stores successful visualization payloads keyed by the
// request's canonical fingerprint.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the result cache surface. Implementations are last-writer-wins
// per key.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, payload []byte, ttl time.Duration)
}

// MemoryStore wraps an in-process cache with per-entry TTLs.
type MemoryStore struct {
	inner *gocache.Cache
}

// NewMemoryStore builds a store with the given default TTL.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{inner: gocache.New(defaultTTL, 10*time.Minute)}
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	v, ok := s.inner.Get(key)
	if !ok {
		return nil, false
	}
	payload, ok := v.([]byte)
	return payload, ok
}

func (s *MemoryStore) Set(key string, payload []byte, ttl time.Duration) {
	s.inner.Set(key, payload, ttl)
}

// Key fingerprints a visualization request from its endpoint path and form
// values. The force flag is normalized to false so a forced refresh writes
// to the same slot later reads hit.
func Key(path string, form url.Values) string {
	normalized := url.Values{}
	for k, vs := range form {
		if k == "force" {
			continue
		}
		normalized[k] = vs
	}
	normalized.Set("force", "false")

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(path)
	b.WriteString("?")
	for i, k := range keys {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strings.Join(normalized[k], ","))
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ResolveTTL walks the TTL hierarchy: slice, then datasource, then
// database, then the global default. Values are in seconds; zero means not
// configured at that level.
func ResolveTTL(sliceTTL, datasourceTTL, databaseTTL int, defaultTTL time.Duration) time.Duration {
	for _, ttl := range []int{sliceTTL, datasourceTTL, databaseTTL} {
		if ttl > 0 {
			return time.Duration(ttl) * time.Second
		}
	}
	return defaultTTL
}
