package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/cache"
	"github.com/quay/pyenvd/checkpointstore"
	"github.com/quay/pyenvd/config"
	"github.com/quay/pyenvd/errs"
	"github.com/quay/pyenvd/statestore"
)

// fakeIndex is a tiny in-memory indexclient.Client for daemon tests.
type fakeIndex struct {
	metadata map[string]*pyenvd.Package
	versions map[string]pyenvd.Versions
	deps     map[string]map[string]pyenvd.VersionConstraint
}

func (f *fakeIndex) GetMetadata(ctx context.Context, name string) (*pyenvd.Package, error) {
	p, ok := f.metadata[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "fakeIndex.get_metadata", "no such package").WithContext("package", name)
	}
	return p, nil
}

func (f *fakeIndex) GetVersions(ctx context.Context, name string) (pyenvd.Versions, error) {
	return f.versions[name], nil
}

func (f *fakeIndex) GetDependencies(ctx context.Context, name string, v pyenvd.Version) (map[string]pyenvd.VersionConstraint, error) {
	return f.deps[name+"@"+v.String()], nil
}

func v(s string) pyenvd.Version { return pyenvd.MustParseVersion(s) }

func newTestDaemon(t *testing.T, idx *fakeIndex) *Daemon {
	t.Helper()
	states, err := statestore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	checkpoints, err := checkpointstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("checkpointstore.New: %v", err)
	}
	t.Cleanup(func() { checkpoints.Close() })
	cacheStore, err := cache.NewSqlite(cache.SqliteOptions{Path: "file::memory:?cache=shared", MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("cache.NewSqlite: %v", err)
	}
	t.Cleanup(func() { cacheStore.Close() })

	cfg := config.Default()
	cfg.MaxConcurrentOps = 2
	cfg.OpsPerMinute = 6000

	d, err := New(Options{
		Config:      cfg,
		Index:       idx,
		Cache:       cacheStore,
		States:      states,
		Checkpoints: checkpoints,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func waitForStatus(t *testing.T, d *Daemon, id string, want pyenvd.OperationStatusKind, timeout time.Duration) pyenvd.OperationStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := d.OperationStatus(id)
		if err == nil && st.Kind == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach status %v in time", id, want)
	return pyenvd.OperationStatus{}
}

func TestFreshInstallCommits(t *testing.T) {
	idx := &fakeIndex{
		metadata: map[string]*pyenvd.Package{
			"flask": {PackageId: pyenvd.PackageId{Name: "flask", Version: v("v2.0.0")}},
		},
	}
	d := newTestDaemon(t, idx)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if _, err := d.CreateEnvironment(ctx, "myenv", "/envs/myenv", v("v3.11.0")); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}

	so, err := d.Install(ctx, "myenv", "flask", pyenvd.PriorityNormal)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	waitForStatus(t, d, so.ID, pyenvd.OpCompleted, 2*time.Second)

	st, err := d.ListEnvironments(ctx)
	if err != nil {
		t.Fatalf("ListEnvironments: %v", err)
	}
	if len(st) != 1 || st[0].Packages["flask"].String() != "2.0.0" {
		t.Fatalf("unexpected environment state: %+v", st)
	}
}

func TestInstallAlreadyInstalledIsRejectedBeforeScheduling(t *testing.T) {
	idx := &fakeIndex{
		metadata: map[string]*pyenvd.Package{
			"flask": {PackageId: pyenvd.PackageId{Name: "flask", Version: v("v2.0.0")}},
		},
	}
	d := newTestDaemon(t, idx)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.CreateEnvironment(ctx, "myenv", "/envs/myenv", v("v3.11.0")); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	if _, err := d.Install(ctx, "myenv", "flask", pyenvd.PriorityNormal); err != nil {
		t.Fatalf("first Install: %v", err)
	}

	go d.scheduler.Run(ctx)
	waitForScheduled(t, d, "flask")

	if _, err := d.Install(ctx, "myenv", "flask", pyenvd.PriorityNormal); err == nil {
		t.Fatal("expected the second Install of an already-installed package to fail")
	}
}

// waitForScheduled polls until the environment's state reflects the
// package, i.e. the install transaction has actually committed.
func waitForScheduled(t *testing.T, d *Daemon, pkg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		envs, err := d.ListEnvironments(context.Background())
		if err == nil {
			for _, e := range envs {
				if _, ok := e.Packages[pkg]; ok {
					return
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("package %s was never installed", pkg)
}

func TestRollbackRestoresStateOnVerificationFailure(t *testing.T) {
	idx := &fakeIndex{
		metadata: map[string]*pyenvd.Package{
			"flask": {PackageId: pyenvd.PackageId{Name: "flask", Version: v("v2.1.0")}},
		},
	}
	d := newTestDaemon(t, idx)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if _, err := d.CreateEnvironment(ctx, "myenv", "/envs/myenv", v("v3.11.0")); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}

	// Install once through the daemon, then force a second conflicting
	// submission directly through the scheduler (bypassing Daemon.Install's
	// own already-installed guard) to exercise the engine's rollback path.
	so, err := d.Install(ctx, "myenv", "flask", pyenvd.PriorityNormal)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	waitForStatus(t, d, so.ID, pyenvd.OpCompleted, 2*time.Second)

	dupInstall := pyenvd.InstallOp(pyenvd.Package{PackageId: pyenvd.PackageId{Name: "flask", Version: v("v2.1.0")}})
	dupInstall.EnvName = "myenv"
	dup := pyenvd.ScheduledOperation{
		ID:       "dup",
		Priority: pyenvd.PriorityNormal,
		OpType:   pyenvd.OpTypeInstall,
		Op:       dupInstall,
	}
	if err := d.scheduler.Submit(ctx, dup); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, d, "dup", pyenvd.OpFailed, 2*time.Second)

	envs, err := d.ListEnvironments(ctx)
	if err != nil {
		t.Fatalf("ListEnvironments: %v", err)
	}
	if len(envs) != 1 || envs[0].Packages["flask"].String() != "2.1.0" {
		t.Fatalf("expected rollback to leave flask at 2.1.0, got %+v", envs)
	}
}

func TestHealthReportsQueueDepth(t *testing.T) {
	idx := &fakeIndex{metadata: map[string]*pyenvd.Package{}}
	d := newTestDaemon(t, idx)
	ctx := context.Background()
	if _, err := d.CreateEnvironment(ctx, "myenv", "/envs/myenv", v("v3.11.0")); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	h, err := d.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !h.Healthy || h.EnvironmentCt != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
}
