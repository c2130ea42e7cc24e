package checkpointstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quay/pyenvd"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleCheckpoint(id string, createdAt time.Time) pyenvd.Checkpoint {
	return pyenvd.Checkpoint{
		ID:          id,
		Description: "pre-install snapshot",
		State:       pyenvd.NewEnvironmentState("env-1", "myenv", "/envs/myenv", pyenvd.MustParseVersion("v3.11.0"), createdAt),
		CreatedAt:   createdAt,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := testStore(t)
	cp := sampleCheckpoint("cp-1", time.Now())
	if err := s.Create(context.Background(), cp); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(context.Background(), "cp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != cp.Description || got.State.Name != cp.State.Name {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestCreateRefusesDuplicateID(t *testing.T) {
	s := testStore(t)
	cp := sampleCheckpoint("cp-1", time.Now())
	if err := s.Create(context.Background(), cp); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := s.Create(context.Background(), cp); err == nil {
		t.Fatal("expected the second Create with the same id to fail")
	}
}

func TestLargeCheckpointIsCompressed(t *testing.T) {
	s := testStore(t)
	cp := sampleCheckpoint("cp-big", time.Now())
	cp.State.EnvVars = make(map[string]string, 500)
	for i := 0; i < 500; i++ {
		cp.State.EnvVars[strings.Repeat("k", 8)+string(rune('a'+i%26))] = strings.Repeat("v", 64)
	}
	if err := s.Create(context.Background(), cp); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(context.Background(), "cp-big")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.State.EnvVars) != len(cp.State.EnvVars) {
		t.Errorf("EnvVars length mismatch after compressed round trip: got %d, want %d", len(got.State.EnvVars), len(cp.State.EnvVars))
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Now()
	_ = s.Create(context.Background(), sampleCheckpoint("old", base.Add(-time.Hour)))
	_ = s.Create(context.Background(), sampleCheckpoint("new", base))

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" {
		t.Fatalf("List = %v, want [new, old]", list)
	}
}

func TestGCKeepsNewestEvenIfOld(t *testing.T) {
	s := testStore(t)
	base := time.Now()
	_ = s.Create(context.Background(), sampleCheckpoint("only", base.Add(-48*time.Hour)))

	removed, err := s.GC(context.Background(), base, 24*time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 0 {
		t.Fatalf("GC removed %d, want 0 (must keep the only checkpoint)", removed)
	}
}

func TestGCRemovesOldKeepsNewest(t *testing.T) {
	s := testStore(t)
	base := time.Now()
	_ = s.Create(context.Background(), sampleCheckpoint("old", base.Add(-48*time.Hour)))
	_ = s.Create(context.Background(), sampleCheckpoint("new", base))

	removed, err := s.GC(context.Background(), base, 24*time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("GC removed %d, want 1", removed)
	}
	if _, err := s.Get(context.Background(), "new"); err != nil {
		t.Fatalf("expected newest checkpoint to survive GC: %v", err)
	}
}
