package resolver

import (
	"context"
	"testing"

	"github.com/quay/pyenvd"
)

// fakeIndex is a tiny in-memory indexclient.Client for resolver tests.
type fakeIndex struct {
	versions map[string]pyenvd.Versions
	deps     map[string]map[string]pyenvd.VersionConstraint // "name@version" -> deps
}

func (f *fakeIndex) GetMetadata(ctx context.Context, name string) (*pyenvd.Package, error) {
	panic("not used by resolver")
}

func (f *fakeIndex) GetVersions(ctx context.Context, name string) (pyenvd.Versions, error) {
	return f.versions[name], nil
}

func (f *fakeIndex) GetDependencies(ctx context.Context, name string, v pyenvd.Version) (map[string]pyenvd.VersionConstraint, error) {
	return f.deps[name+"@"+v.String()], nil
}

func v(s string) pyenvd.Version { return pyenvd.MustParseVersion(s) }
func c(s string) pyenvd.VersionConstraint {
	vc, err := pyenvd.ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return vc
}

func TestResolveSimpleChain(t *testing.T) {
	idx := &fakeIndex{
		versions: map[string]pyenvd.Versions{
			"urllib3": {v("v1.26.0"), v("v2.0.0")},
		},
		deps: map[string]map[string]pyenvd.VersionConstraint{
			"urllib3@2.0.0": {},
		},
	}
	root := pyenvd.Package{
		PackageId:    pyenvd.PackageId{Name: "requests", Version: v("v2.31.0")},
		Dependencies: map[string]pyenvd.VersionConstraint{"urllib3": c(">=1.21.1,<3")},
	}
	r := New(idx, nil)
	got, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d packages, want 2", len(got))
	}
	byName := map[string]pyenvd.Package{}
	for _, p := range got {
		byName[p.Name] = p
	}
	if byName["urllib3"].Version.String() != "2.0.0" {
		t.Errorf("urllib3 resolved to %s, want newest-satisfying 2.0.0", byName["urllib3"].Version)
	}
}

func TestResolveConflict(t *testing.T) {
	idx := &fakeIndex{
		versions: map[string]pyenvd.Versions{
			"shared": {v("v1.0.0")},
		},
		deps: map[string]map[string]pyenvd.VersionConstraint{
			"shared@1.0.0": {},
		},
	}
	root := pyenvd.Package{
		PackageId: pyenvd.PackageId{Name: "root", Version: v("v1.0.0")},
		Dependencies: map[string]pyenvd.VersionConstraint{
			"shared": c(">=2.0.0"), // unsatisfiable: only 1.0.0 exists
		},
	}
	r := New(idx, nil)
	if _, err := r.Resolve(context.Background(), root); err == nil {
		t.Fatal("expected a conflict error")
	}
}

func TestResolveExcludesPrereleaseByDefault(t *testing.T) {
	idx := &fakeIndex{
		versions: map[string]pyenvd.Versions{
			"lib": {v("v1.0.0"), v("v1.1.0-rc1")},
		},
		deps: map[string]map[string]pyenvd.VersionConstraint{
			"lib@1.0.0": {},
		},
	}
	root := pyenvd.Package{
		PackageId:    pyenvd.PackageId{Name: "root", Version: v("v1.0.0")},
		Dependencies: map[string]pyenvd.VersionConstraint{"lib": pyenvd.Any()},
	}
	r := New(idx, nil)
	got, err := r.Resolve(context.Background(), root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, p := range got {
		if p.Name == "lib" && p.Version.Pre != "" {
			t.Errorf("resolved pre-release %s while AllowPrereleases is false", p.Version)
		}
	}
}
