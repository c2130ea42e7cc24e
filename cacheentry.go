package pyenvd

import "time"

// CacheKey identifies a CacheEntry: either a concrete (package, version)
// metadata lookup, or a resolution-result fingerprint.
type CacheKey string

// PackageCacheKey returns the key under which a package descriptor for
// (name, version) is cached.
func PackageCacheKey(name string, v Version) CacheKey {
	return CacheKey("pkg:" + name + "@" + v.String())
}

// ResolutionCacheKey returns the key under which a resolved dependency set
// for a root (name, version) is cached.
func ResolutionCacheKey(name string, v Version) CacheKey {
	return CacheKey("resolve:" + name + "@" + v.String())
}

// CacheEntry is a value stored in the Content Cache (C2), carrying enough
// information for TTL-based expiry independent of the backing store.
type CacheEntry struct {
	Key       CacheKey
	Package   *Package
	Resolved  []Package
	FetchedAt time.Time
}

// Expired reports whether the entry is past its TTL as of now.
func (e CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.After(e.FetchedAt.Add(ttl))
}
