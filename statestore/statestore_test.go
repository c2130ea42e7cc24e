package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/quay/pyenvd"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now().Truncate(time.Second)
	st := pyenvd.NewEnvironmentState("env-1", "myenv", "/envs/myenv", pyenvd.MustParseVersion("v3.11.0"), now)

	if err := s.Put(context.Background(), st); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(context.Background(), "myenv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != st.ID || got.Path != st.Path {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, st)
	}
}

func TestGetMissing(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Get(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for a missing environment")
	}
}

func TestListAndDelete(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	for _, name := range []string{"a", "b"} {
		st := pyenvd.NewEnvironmentState(name, name, "/envs/"+name, pyenvd.MustParseVersion("v3.11.0"), now)
		if err := s.Put(context.Background(), st); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	names, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	if err := s.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	names, err = s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("List after delete = %v, want [b]", names)
	}
}

func TestLockExcludesConcurrentAccess(t *testing.T) {
	l := NewInProcessLocker()
	ctx := context.Background()

	lctx1, release1 := l.Lock(ctx, "myenv")
	if lctx1.Err() != nil {
		t.Fatal("expected the first Lock to succeed")
	}

	lctx2, release2 := l.TryLock(ctx, "myenv")
	if lctx2.Err() == nil {
		t.Fatal("expected TryLock to fail while the lock is held")
	}
	release2()
	release1()

	lctx3, release3 := l.TryLock(ctx, "myenv")
	defer release3()
	if lctx3.Err() != nil {
		t.Fatal("expected TryLock to succeed once the lock is released")
	}
}
