package pyenvd

import "fmt"

// PackageId identifies a concrete, resolved package: a name paired with a
// specific Version.
type PackageId struct {
	Name    string
	Version Version
}

// String renders "name==version", the form used in dependency-closure error
// messages throughout the resolver.
func (id PackageId) String() string {
	return fmt.Sprintf("%s==%s", id.Name, id.Version)
}

// Package is a single node in a dependency graph: its identity, the
// constraints it places on its dependencies and on the interpreter, and its
// optional extras.
//
// Invariant: a package never lists itself as its own dependency (enforced
// by Validate, checked by the resolver before a Package enters a work set).
type Package struct {
	PackageId

	Dependencies          map[string]VersionConstraint
	InterpreterConstraint VersionConstraint
	Extras                map[string]map[string]VersionConstraint

	Description string
	Author      string
	Homepage    string
}

// Validate checks the self-dependency invariant.
func (p *Package) Validate() error {
	if _, ok := p.Dependencies[p.Name]; ok {
		return fmt.Errorf("pyenvd: package %q lists itself as a dependency", p.Name)
	}
	for extra, deps := range p.Extras {
		if _, ok := deps[p.Name]; ok {
			return fmt.Errorf("pyenvd: package %q extra %q lists itself as a dependency", p.Name, extra)
		}
	}
	return nil
}
