// Package cache implements the Content Cache (C2): a TTL-bounded,
// size-bounded store for package metadata and resolution results, fronting
// the Package Index Client so repeated resolves don't re-fetch the index.
//
// Two interchangeable backends satisfy Store, mirroring the teacher's
// datastore abstraction over Postgres: Sqlite (default, no external
// dependency) and Postgres (optional, for multi-replica deployments
// sharing one cache).
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/errs"
)

// Store is the Content Cache capability interface. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get looks up key, reporting (nil, false, nil) on a clean miss.
	Get(ctx context.Context, key pyenvd.CacheKey) (*pyenvd.CacheEntry, bool, error)
	// Put writes entry, evicting the least-recently-accessed entries first
	// if the store is now over its configured size limit.
	Put(ctx context.Context, entry pyenvd.CacheEntry) error
	// Evict forces an eviction pass down to the configured target
	// occupancy, independent of any Put. Used to react to an external
	// resource-limit breach (spec §4.8) rather than the store's own size.
	Evict(ctx context.Context) (int, error)
	// Close releases backend resources.
	Close() error
}

// kind discriminates the two shapes of value a CacheEntry can hold, so a
// single schema covers both package descriptors and resolution results.
type kind string

const (
	kindPackage    kind = "package"
	kindResolution kind = "resolution"
)

// row is the JSON-serializable payload stored in the value column.
type row struct {
	Package  *pyenvd.Package  `json:"package,omitempty"`
	Resolved []pyenvd.Package `json:"resolved,omitempty"`
}

func entryKind(e pyenvd.CacheEntry) kind {
	if e.Package != nil {
		return kindPackage
	}
	return kindResolution
}

func encodeRow(e pyenvd.CacheEntry) ([]byte, error) {
	return json.Marshal(row{Package: e.Package, Resolved: e.Resolved})
}

func decodeRow(key pyenvd.CacheKey, fetchedAt time.Time, b []byte) (*pyenvd.CacheEntry, error) {
	var r row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errs.Wrap(errs.Corruption, "cache.decode", err).WithContext("key", string(key))
	}
	return &pyenvd.CacheEntry{
		Key:       key,
		Package:   r.Package,
		Resolved:  r.Resolved,
		FetchedAt: fetchedAt,
	}, nil
}
