package pyenvd

import (
	"fmt"
	"path/filepath"
	"time"
)

// EnvironmentState is the full persisted state of one isolated Python
// environment: installed packages, their histories, environment variables,
// and bookkeeping timestamps.
type EnvironmentState struct {
	ID                 string
	Name               string
	Path               string
	InterpreterVersion Version

	Packages         map[string]Version
	PackageMeta      map[string]Package
	VersionHistories map[string]VersionHistory
	EnvVars          map[string]string

	CreatedAt  time.Time
	ModifiedAt time.Time
	Active     bool
}

// NewEnvironmentState returns an EnvironmentState with all maps initialized
// and CreatedAt/ModifiedAt set to now.
func NewEnvironmentState(id, name, path string, interpreter Version, now time.Time) EnvironmentState {
	return EnvironmentState{
		ID:                 id,
		Name:               name,
		Path:               path,
		InterpreterVersion: interpreter,
		Packages:           map[string]Version{},
		PackageMeta:        map[string]Package{},
		VersionHistories:   map[string]VersionHistory{},
		EnvVars:            map[string]string{},
		CreatedAt:          now,
		ModifiedAt:         now,
	}
}

// Validate checks the invariants listed in spec §3:
//   - every key in Packages has a corresponding entry in VersionHistories
//   - ModifiedAt >= CreatedAt
//   - Path is absolute
//   - every history's CurrentVersion agrees with the installed Version
func (s *EnvironmentState) Validate() error {
	if !filepath.IsAbs(s.Path) {
		return fmt.Errorf("pyenvd: environment %q path %q is not absolute", s.Name, s.Path)
	}
	if s.ModifiedAt.Before(s.CreatedAt) {
		return fmt.Errorf("pyenvd: environment %q modified_at before created_at", s.Name)
	}
	for name, v := range s.Packages {
		h, ok := s.VersionHistories[name]
		if !ok {
			return fmt.Errorf("pyenvd: package %q has no version history", name)
		}
		cur, ok := h.CurrentVersion()
		if !ok {
			return fmt.Errorf("pyenvd: package %q has an empty version history", name)
		}
		if !cur.Equal(v) {
			return fmt.Errorf("pyenvd: package %q installed version %s disagrees with history's current version %s", name, v, cur)
		}
	}
	return nil
}

// Clone returns a deep copy, used by the State Store (C4) so readers never
// observe mutation of the canonical in-memory state.
func (s *EnvironmentState) Clone() EnvironmentState {
	out := *s
	out.Packages = make(map[string]Version, len(s.Packages))
	for k, v := range s.Packages {
		out.Packages[k] = v
	}
	out.PackageMeta = make(map[string]Package, len(s.PackageMeta))
	for k, p := range s.PackageMeta {
		out.PackageMeta[k] = p
	}
	out.VersionHistories = make(map[string]VersionHistory, len(s.VersionHistories))
	for k, h := range s.VersionHistories {
		events := make([]VersionEvent, len(h.Events))
		copy(events, h.Events)
		out.VersionHistories[k] = VersionHistory{Events: events}
	}
	out.EnvVars = make(map[string]string, len(s.EnvVars))
	for k, v := range s.EnvVars {
		out.EnvVars[k] = v
	}
	return out
}

// Dependents returns the names of installed packages whose dependency maps
// mention pkgName, used by the Transaction Engine's Uninstall verification.
func Dependents(pkgs map[string]Package, pkgName string) []string {
	var out []string
	for name, p := range pkgs {
		if name == pkgName {
			continue
		}
		if _, ok := p.Dependencies[pkgName]; ok {
			out = append(out, name)
		}
	}
	return out
}
