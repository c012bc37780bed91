package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TokenEntry is a verified delivery token
type TokenEntry struct {
	Path      string    // path claim, empty when the token is not path-bound
	ExpiresAt time.Time // token expiry
}

// TokenCache remembers verified tokens so repeated segment requests of one
// playback skip signature checks. Entries never outlive the token itself.
type TokenCache struct {
	lru   *expirable.LRU[string, TokenEntry]
	ttl   time.Duration
	stats CacheStats
}

// CacheStats tracks cache performance metrics
type CacheStats struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
}

// NewTokenCache creates a cache holding at most size tokens for at most ttl
func NewTokenCache(size int, ttl time.Duration) *TokenCache {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	tc := &TokenCache{ttl: ttl}
	tc.lru = expirable.NewLRU[string, TokenEntry](size, func(string, TokenEntry) {
		tc.stats.Evictions.Add(1)
	}, ttl)
	return tc
}

// Get returns the entry for token if it is cached and not yet expired
func (tc *TokenCache) Get(token string, now time.Time) (TokenEntry, bool) {
	if tc == nil {
		return TokenEntry{}, false
	}
	key := hashToken(token)
	entry, ok := tc.lru.Get(key)
	if !ok {
		tc.stats.Misses.Add(1)
		return TokenEntry{}, false
	}
	if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
		tc.lru.Remove(key)
		tc.stats.Misses.Add(1)
		return TokenEntry{}, false
	}
	tc.stats.Hits.Add(1)
	return entry, true
}

// Set stores a verified token
func (tc *TokenCache) Set(token string, entry TokenEntry) {
	if tc == nil {
		return
	}
	tc.lru.Add(hashToken(token), entry)
}

// Len returns the number of cached tokens
func (tc *TokenCache) Len() int {
	if tc == nil {
		return 0
	}
	return tc.lru.Len()
}

// GetGlobalStats returns overall cache statistics
func (tc *TokenCache) GetGlobalStats() map[string]interface{} {
	if tc == nil {
		return map[string]interface{}{"enabled": false}
	}
	hits := tc.stats.Hits.Load()
	misses := tc.stats.Misses.Load()

	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return map[string]interface{}{
		"enabled":   true,
		"entries":   tc.lru.Len(),
		"hits":      hits,
		"misses":    misses,
		"evictions": tc.stats.Evictions.Load(),
		"hit_rate":  fmt.Sprintf("%.2f%%", hitRate),
		"ttl_sec":   tc.ttl.Seconds(),
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
