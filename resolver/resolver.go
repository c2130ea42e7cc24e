// Package resolver implements the Dependency Resolver (C3): given a root
// package, compute a consistent set of (name, version) pairs satisfying
// every transitive constraint.
//
// Resolution is newest-first with no backtracking: for each package name
// the accumulated constraint (every requirement on that name, folded with
// And) is matched against that package's available versions from newest to
// oldest, and the first match wins. This is the same strategy the teacher
// uses pep440.Range for — composing constraints with And and testing
// Range.Match against a candidate — just without a SAT-style search.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/cache"
	"github.com/quay/pyenvd/errs"
	"github.com/quay/pyenvd/indexclient"
	"github.com/quay/pyenvd/internal/xlog"
)

// Resolver resolves a root package's full dependency closure.
type Resolver struct {
	client indexclient.Client
	cache  cache.Store
	// AllowPrereleases, when false (the default), excludes pre-release
	// versions from candidate selection unless the root explicitly pins one.
	AllowPrereleases bool

	sf singleflight.Group
}

// New constructs a Resolver. cacheStore may be nil to disable caching.
func New(client indexclient.Client, cacheStore cache.Store) *Resolver {
	return &Resolver{client: client, cache: cacheStore}
}

// Conflict describes an unsatisfiable accumulated constraint.
type Conflict struct {
	Package     string
	Constraints []string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("resolver: no version of %q satisfies all of %v", c.Package, c.Constraints)
}

// candidate tracks the accumulated state for one package name during
// resolution.
type candidate struct {
	constraint pyenvd.VersionConstraint
	sources    []string // human-readable constraint strings, for Conflict
	requiredBy map[string]struct{}
}

// Resolve computes the full dependency closure for root, returning every
// resolved Package (including root itself), sorted by name.
func (r *Resolver) Resolve(ctx context.Context, root pyenvd.Package) ([]pyenvd.Package, error) {
	const op = "resolver.resolve"
	ctx = xlog.With(ctx, "component", op, "root", root.Name)

	if r.cache != nil {
		if key := pyenvd.ResolutionCacheKey(root.Name, root.Version); true {
			if entry, ok, err := r.cache.Get(ctx, key); err == nil && ok {
				return entry.Resolved, nil
			}
		}
	}

	candidates := map[string]*candidate{
		root.Name: {constraint: pyenvd.ExactConstraint(root.Version), sources: []string{"root"}, requiredBy: map[string]struct{}{}},
	}
	resolved := map[string]pyenvd.Package{root.Name: root}
	queue := []string{root.Name}
	visitedDeps := map[string]bool{root.Name: true}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		pkg, ok := resolved[name]
		if !ok {
			resolvedPkg, err := r.resolveOne(ctx, name, candidates[name])
			if err != nil {
				return nil, err
			}
			pkg = resolvedPkg
			resolved[name] = pkg
		}

		if visitedDeps[name] && name != root.Name {
			continue
		}

		for depName, depConstraint := range pkg.Dependencies {
			if depName == root.Name {
				continue // never re-constrain root; it's pinned by definition
			}
			c, exists := candidates[depName]
			if !exists {
				c = &candidate{constraint: pyenvd.Any(), requiredBy: map[string]struct{}{}}
				candidates[depName] = c
			}
			c.constraint = pyenvd.AndConstraint(c.constraint, depConstraint)
			c.sources = append(c.sources, fmt.Sprintf("%s requires %s", name, depConstraint))
			c.requiredBy[name] = struct{}{}

			if existing, ok := resolved[depName]; ok && !c.constraint.Match(existing.Version) {
				return nil, errs.Wrap(errs.Conflict, op, &Conflict{Package: depName, Constraints: c.sources}).
					WithContext("package", depName)
			}
			if !visitedDeps[depName] {
				visitedDeps[depName] = false
				queue = append(queue, depName)
			}
		}
		visitedDeps[name] = true
	}

	out := make([]pyenvd.Package, 0, len(resolved))
	for _, p := range resolved {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	if r.cache != nil {
		key := pyenvd.ResolutionCacheKey(root.Name, root.Version)
		_ = r.cache.Put(ctx, pyenvd.CacheEntry{Key: key, Resolved: out, FetchedAt: time.Now()})
	}
	return out, nil
}

// resolveOne picks the newest version of name satisfying c. The version
// list always comes from the index client; the chosen version's descriptor
// is taken from the cache when present, before asking the index client for
// its dependencies. Concurrent fetches of the same name are de-duplicated
// via singleflight (the same primitive backing the teacher's
// weak-pointer live cache).
func (r *Resolver) resolveOne(ctx context.Context, name string, c *candidate) (pyenvd.Package, error) {
	const op = "resolver.resolve_one"

	v, err, _ := r.sf.Do(name, func() (any, error) {
		versions, err := r.client.GetVersions(ctx, name)
		if err != nil {
			return nil, err
		}
		for i := len(versions) - 1; i >= 0; i-- {
			cand := versions[i]
			if cand.Pre != "" && !r.AllowPrereleases && c.constraint.Kind != pyenvd.KindExact {
				continue
			}
			if !c.constraint.Match(cand) {
				continue
			}
			if r.cache != nil {
				if entry, ok, cerr := r.cache.Get(ctx, pyenvd.PackageCacheKey(name, cand)); cerr == nil && ok && entry.Package != nil {
					return entry.Package, nil
				}
			}
			deps, err := r.client.GetDependencies(ctx, name, cand)
			if err != nil {
				return nil, err
			}
			pkg := pyenvd.Package{
				PackageId:    pyenvd.PackageId{Name: name, Version: cand},
				Dependencies: deps,
			}
			if r.cache != nil {
				_ = r.cache.Put(ctx, pyenvd.CacheEntry{Key: pyenvd.PackageCacheKey(name, cand), Package: &pkg, FetchedAt: time.Now()})
			}
			return &pkg, nil
		}
		return nil, &Conflict{Package: name, Constraints: c.sources}
	})
	if err != nil {
		var conflict *Conflict
		if as, ok := err.(*Conflict); ok {
			conflict = as
		}
		if conflict != nil {
			return pyenvd.Package{}, errs.Wrap(errs.Conflict, op, conflict).WithContext("package", name)
		}
		return pyenvd.Package{}, errs.Wrap(errs.Network, op, err)
	}
	return *(v.(*pyenvd.Package)), nil
}
