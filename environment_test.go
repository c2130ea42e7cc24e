package pyenvd

import (
	"testing"
	"time"
)

func TestEnvironmentStateValidate(t *testing.T) {
	now := time.Now()
	s := NewEnvironmentState("env1", "myenv", "/envs/myenv", MustParseVersion("3.11.0"), now)
	if err := s.Validate(); err != nil {
		t.Fatalf("empty state should validate: %v", err)
	}

	s.Packages["requests"] = MustParseVersion("2.28.2")
	if err := s.Validate(); err == nil {
		t.Fatal("expected error: package without history")
	}

	h := VersionHistory{}
	h.Append(VersionEvent{ToVersion: MustParseVersion("2.28.2"), Reason: "install"})
	s.VersionHistories["requests"] = h
	if err := s.Validate(); err != nil {
		t.Fatalf("state with matching history should validate: %v", err)
	}

	s.Path = "relative/path"
	if err := s.Validate(); err == nil {
		t.Fatal("expected error: non-absolute path")
	}
}

func TestEnvironmentStateCloneIsDeep(t *testing.T) {
	now := time.Now()
	s := NewEnvironmentState("env1", "myenv", "/envs/myenv", MustParseVersion("3.11.0"), now)
	s.Packages["requests"] = MustParseVersion("2.28.2")
	h := VersionHistory{}
	h.Append(VersionEvent{ToVersion: MustParseVersion("2.28.2")})
	s.VersionHistories["requests"] = h

	clone := s.Clone()
	clone.Packages["requests"] = MustParseVersion("2.29.0")
	if s.Packages["requests"].Equal(clone.Packages["requests"]) {
		t.Fatal("mutating the clone's Packages map affected the original")
	}
}

func TestDependents(t *testing.T) {
	pkgs := map[string]Package{
		"requests": {
			PackageId:    PackageId{Name: "requests"},
			Dependencies: map[string]VersionConstraint{"urllib3": Any()},
		},
		"urllib3": {PackageId: PackageId{Name: "urllib3"}},
		"flask":   {PackageId: PackageId{Name: "flask"}},
	}
	got := Dependents(pkgs, "urllib3")
	if len(got) != 1 || got[0] != "requests" {
		t.Fatalf("Dependents(urllib3) = %v, want [requests]", got)
	}
	if got := Dependents(pkgs, "flask"); len(got) != 0 {
		t.Fatalf("Dependents(flask) = %v, want []", got)
	}
}
