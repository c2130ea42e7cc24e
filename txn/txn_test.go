package txn

import (
	"context"
	"testing"
	"time"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/checkpointstore"
	"github.com/quay/pyenvd/statestore"
)

func newTestEngine(t *testing.T) (*Engine, *statestore.Store) {
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
	return New(states, checkpoints), states
}

func seedEnvironment(t *testing.T, states *statestore.Store, name string, packages map[string]pyenvd.Version) {
	t.Helper()
	st := pyenvd.NewEnvironmentState("env-"+name, name, "/envs/"+name, pyenvd.MustParseVersion("v3.11.0"), time.Now())
	for pkg, v := range packages {
		st.Packages[pkg] = v
		h := st.VersionHistories[pkg]
		h.Append(pyenvd.VersionEvent{Timestamp: time.Now(), ToVersion: v, IsDirect: true, Approved: true})
		st.VersionHistories[pkg] = h
	}
	if err := states.Put(context.Background(), st); err != nil {
		t.Fatalf("seed Put: %v", err)
	}
}

func TestInstallCommits(t *testing.T) {
	e, states := newTestEngine(t)
	seedEnvironment(t, states, "myenv", nil)

	pkg := pyenvd.Package{PackageId: pyenvd.PackageId{Name: "flask", Version: pyenvd.MustParseVersion("v2.0.0")}}
	txnObj, err := e.Begin(context.Background(), "t-1", "myenv", "install flask", []pyenvd.Op{pyenvd.InstallOp(pkg)})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Run(context.Background(), txnObj, "myenv"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if txnObj.Status != pyenvd.StatusCommitted {
		t.Fatalf("Status = %v, want Committed", txnObj.Status)
	}

	got, err := states.Get(context.Background(), "myenv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, ok := got.Packages["flask"]; !ok || !v.Equal(pkg.Version) {
		t.Errorf("flask not installed at expected version: %+v", got.Packages)
	}
}

func TestInstallAlreadyInstalledRollsBack(t *testing.T) {
	e, states := newTestEngine(t)
	seedEnvironment(t, states, "myenv", map[string]pyenvd.Version{"flask": pyenvd.MustParseVersion("v2.0.0")})

	pkg := pyenvd.Package{PackageId: pyenvd.PackageId{Name: "flask", Version: pyenvd.MustParseVersion("v2.1.0")}}
	txnObj, err := e.Begin(context.Background(), "t-2", "myenv", "install flask again", []pyenvd.Op{pyenvd.InstallOp(pkg)})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Run(context.Background(), txnObj, "myenv"); err == nil {
		t.Fatal("expected Run to fail: flask is already installed")
	}
	if txnObj.Status != pyenvd.StatusRolledBack {
		t.Fatalf("Status = %v, want RolledBack", txnObj.Status)
	}

	got, err := states.Get(context.Background(), "myenv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v := got.Packages["flask"]; !v.Equal(pyenvd.MustParseVersion("v2.0.0")) {
		t.Errorf("expected flask to remain at 2.0.0 after rollback, got %s", v)
	}
}

func TestBreakingUpdateWarnsButCommits(t *testing.T) {
	e, states := newTestEngine(t)
	seedEnvironment(t, states, "myenv", map[string]pyenvd.Version{"django": pyenvd.MustParseVersion("v3.0.0")})

	from := pyenvd.Package{PackageId: pyenvd.PackageId{Name: "django", Version: pyenvd.MustParseVersion("v3.0.0")}}
	to := pyenvd.Package{PackageId: pyenvd.PackageId{Name: "django", Version: pyenvd.MustParseVersion("v4.0.0")}}
	txnObj, err := e.Begin(context.Background(), "t-3", "myenv", "update django", []pyenvd.Op{pyenvd.UpdateOp(from, to)})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Run(context.Background(), txnObj, "myenv"); err != nil {
		t.Fatalf("Run: %v (a breaking update should warn, not block)", err)
	}
	if txnObj.Status != pyenvd.StatusCommitted {
		t.Fatalf("Status = %v, want Committed", txnObj.Status)
	}
	if txnObj.VerificationResult.HasCritical() {
		t.Fatal("a breaking update is a warning, not a critical issue")
	}
	var sawWarning bool
	for _, issue := range txnObj.VerificationResult.Issues {
		if issue.Severity == pyenvd.SeverityWarning {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Error("expected a warning-severity issue for the breaking update")
	}
}

func TestInstallConflictingDependencyRollsBack(t *testing.T) {
	e, states := newTestEngine(t)
	seedEnvironment(t, states, "myenv", map[string]pyenvd.Version{"urllib3": pyenvd.MustParseVersion("v2.0.0")})

	constraint, err := pyenvd.ParseConstraint(">=1.21.1,<1.27")
	if err != nil {
		t.Fatalf("ParseConstraint: %v", err)
	}
	pkg := pyenvd.Package{
		PackageId:    pyenvd.PackageId{Name: "requests", Version: pyenvd.MustParseVersion("v2.28.2")},
		Dependencies: map[string]pyenvd.VersionConstraint{"urllib3": constraint},
	}
	txnObj, err := e.Begin(context.Background(), "t-5", "myenv", "install requests", []pyenvd.Op{pyenvd.InstallOp(pkg)})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Run(context.Background(), txnObj, "myenv"); err == nil {
		t.Fatal("expected Run to fail: urllib3 2.0.0 does not satisfy >=1.21.1,<1.27")
	}
	if txnObj.Status != pyenvd.StatusRolledBack {
		t.Fatalf("Status = %v, want RolledBack", txnObj.Status)
	}
	if !txnObj.VerificationResult.HasCritical() {
		t.Error("expected a critical issue for the unsatisfied dependency")
	}

	got, err := states.Get(context.Background(), "myenv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := got.Packages["requests"]; ok {
		t.Error("requests should not be installed: its dependency was never satisfied")
	}
	if v := got.Packages["urllib3"]; !v.Equal(pyenvd.MustParseVersion("v2.0.0")) {
		t.Errorf("expected urllib3 to remain at 2.0.0 after rollback, got %s", v)
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	e, states := newTestEngine(t)
	seedEnvironment(t, states, "myenv", nil)

	pkg := pyenvd.Package{PackageId: pyenvd.PackageId{Name: "flask", Version: pyenvd.MustParseVersion("v2.0.0")}}
	txnObj, err := e.Begin(context.Background(), "t-4", "myenv", "install flask", []pyenvd.Op{pyenvd.InstallOp(pkg)})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Rollback(context.Background(), txnObj, "myenv"); err != nil {
		t.Fatalf("first Rollback: %v", err)
	}
	if err := e.Rollback(context.Background(), txnObj, "myenv"); err != nil {
		t.Fatalf("second Rollback should be a no-op, got: %v", err)
	}
}
