package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultTokenCacheSize bounds the number of cached verification
// results across all tenants.
const defaultTokenCacheSize = 16384

type cacheEntry struct {
	claims    *Claims
	expiresAt time.Time
}

// resultCache holds successful verification results keyed by tenant
// and token digest. Entries live until the token itself expires, so a
// hit never resurrects a token the parser would now reject.
type resultCache struct {
	lru *lru.Cache[string, cacheEntry]
}

func newResultCache(size int) *resultCache {
	if size <= 0 {
		size = defaultTokenCacheSize
	}
	c, _ := lru.New[string, cacheEntry](size)
	return &resultCache{lru: c}
}

func (c *resultCache) get(key string) (*Claims, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.claims, true
}

func (c *resultCache) put(key string, claims *Claims, expiresAt time.Time) {
	// Tokens without a usable expiry are never cached.
	if expiresAt.IsZero() || !time.Now().Before(expiresAt) {
		return
	}
	c.lru.Add(key, cacheEntry{claims: claims, expiresAt: expiresAt})
}

func (c *resultCache) evictTenant(externalID string) int {
	prefix := externalID + ":"
	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// cacheKey derives the cache key for a (tenant, token) pair. The raw
// token never lands in the cache, only its digest.
func cacheKey(externalID, token string) string {
	sum := sha256.Sum256([]byte(token))
	return externalID + ":" + hex.EncodeToString(sum[:])
}
