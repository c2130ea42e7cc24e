package resourcemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWalkSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("world!"), 0o644); err != nil {
		t.Fatal(err)
	}
	size, count, err := walkSize(dir)
	if err != nil {
		t.Fatalf("walkSize: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if size != 11 {
		t.Errorf("size = %d, want 11", size)
	}
}

func TestSampleAllEmitsUpdatesAndChecks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := New(50*time.Millisecond, Limits{MaxEnvSize: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.StopMonitoring()
	if err := m.Watch("myenv", dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	m.sampleAll(context.Background())

	select {
	case u := <-m.Updates():
		if u.Environment != "myenv" || u.SizeBytes < 1024 {
			t.Errorf("unexpected update: %+v", u)
		}
	default:
		t.Fatal("expected a ResourceUpdate")
	}

	select {
	case c := <-m.Checks():
		if !c.OverSize {
			t.Error("expected OverSize given a 1024-byte file against a 100-byte limit")
		}
	default:
		t.Fatal("expected a ResourceCheck")
	}
}
