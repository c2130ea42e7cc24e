package fspolicy

import (
	"testing"

	"github.com/quay/pyenvd"
)

func TestIsAllowed(t *testing.T) {
	p := New(Config{
		AllowedPaths: []string{"/envs"},
		DeniedPaths:  []string{"/envs/secret"},
	})
	cases := map[string]bool{
		"/envs/myenv/lib":     true,
		"/envs/secret/thing":  false,
		"/other/path":         false,
		"/envs/../etc/passwd": false,
	}
	for path, want := range cases {
		if got := p.IsAllowed(path); got != want {
			t.Errorf("IsAllowed(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestIsAllowedNoAllowlistMeansEverythingNotDenied(t *testing.T) {
	p := New(Config{DeniedPaths: []string{"/etc"}})
	if !p.IsAllowed("/home/user/envs/myenv") {
		t.Error("expected a path outside DeniedPaths to be allowed when AllowedPaths is empty")
	}
	if p.IsAllowed("/etc/passwd") {
		t.Error("expected a denied path to be rejected")
	}
}

func TestIsReadonly(t *testing.T) {
	p := New(Config{ReadonlyPaths: []string{"/envs/myenv/lib"}})
	if !p.IsReadonly("/envs/myenv/lib/site-packages") {
		t.Error("expected a subpath of a read-only root to be read-only")
	}
	if p.IsReadonly("/envs/myenv/bin") {
		t.Error("expected a sibling path to not be read-only")
	}
}

func TestValidateMountRejectsForbiddenOption(t *testing.T) {
	p := New(Config{AllowedPaths: []string{"/envs"}})
	m := pyenvd.MountInfo{Point: "/envs/myenv", Type: pyenvd.MountBind, Source: "/src", Options: []string{"suid"}}
	if err := p.ValidateMount(m); err == nil {
		t.Fatal("expected ValidateMount to reject the suid option")
	}
}

func TestValidateMountRejectsNesting(t *testing.T) {
	p := New(Config{AllowedPaths: []string{"/envs"}})
	p.mounts = append(p.mounts, pyenvd.MountInfo{Point: "/envs/myenv"})
	m := pyenvd.MountInfo{Point: "/envs/myenv/sub", Type: pyenvd.MountBind, Source: "/src"}
	if err := p.ValidateMount(m); err == nil {
		t.Fatal("expected ValidateMount to reject nesting under an existing mount")
	}
}

func TestRecordAccessFlagsLargeTransfer(t *testing.T) {
	p := New(Config{})
	flags, err := p.RecordAccess("/envs/myenv/lib/big.whl", false, 2<<20)
	if err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}
	var sawLarge bool
	for _, f := range flags {
		if f == pyenvd.FlagLargeTransfer {
			sawLarge = true
		}
	}
	if !sawLarge {
		t.Error("expected a 2MiB read to raise FlagLargeTransfer")
	}
}

func TestRecordAccessSuspiciousAfterThreshold(t *testing.T) {
	p := New(Config{})
	for i := 0; i < suspiciousThreshold+2; i++ {
		if _, err := p.RecordAccess("/envs/myenv/lib/hot.so", false, 2<<20); err != nil {
			t.Fatalf("RecordAccess: %v", err)
		}
	}
	info, ok := p.AccessInfo("/envs/myenv/lib/hot.so")
	if !ok {
		t.Fatal("expected access info to exist")
	}
	if len(info.Violations) == 0 {
		t.Error("expected a recorded violation once the flag threshold is exceeded")
	}
}

func TestRecordAccessRejectsOversizedWrite(t *testing.T) {
	p := New(Config{MaxFileSize: 1 << 20})
	if _, err := p.RecordAccess("/envs/myenv/lib/huge.whl", true, 2<<20); err == nil {
		t.Fatal("expected a write over MaxFileSize to be rejected")
	}
	if _, ok := p.AccessInfo("/envs/myenv/lib/huge.whl"); ok {
		t.Error("a rejected write should not be recorded in the access tracker")
	}
}

func TestValidateMountRejectsMissingBindSource(t *testing.T) {
	p := New(Config{AllowedPaths: []string{"/envs"}})
	m := pyenvd.MountInfo{Point: "/envs/myenv", Type: pyenvd.MountBind, Source: "/does/not/exist"}
	if err := p.ValidateMount(m); err == nil {
		t.Fatal("expected ValidateMount to reject a bind mount whose source doesn't exist")
	}
}

func TestValidateMountRejectsSourceTraversal(t *testing.T) {
	p := New(Config{AllowedPaths: []string{"/envs"}})
	m := pyenvd.MountInfo{Point: "/envs/myenv", Type: pyenvd.MountBind, Source: "/src/../etc"}
	if err := p.ValidateMount(m); err == nil {
		t.Fatal("expected ValidateMount to reject a mount source containing a traversal segment")
	}
}
