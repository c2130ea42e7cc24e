// Package daemon implements the Daemon Core (C10): the library surface
// that owns every other component and exposes the request surface from
// spec §6. Its shape is grounded on the teacher's Libvuln: a struct of
// subsystems built once by New, with background tasks supervised by an
// errgroup instead of bespoke goroutine bookkeeping.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/cache"
	"github.com/quay/pyenvd/checkpointstore"
	"github.com/quay/pyenvd/config"
	"github.com/quay/pyenvd/errs"
	"github.com/quay/pyenvd/fspolicy"
	"github.com/quay/pyenvd/indexclient"
	"github.com/quay/pyenvd/internal/xlog"
	"github.com/quay/pyenvd/resolver"
	"github.com/quay/pyenvd/resourcemon"
	"github.com/quay/pyenvd/scheduler"
	"github.com/quay/pyenvd/statestore"
	"github.com/quay/pyenvd/txn"
)

// Options supplies every dependency New needs to build a Daemon. Index and
// States are required. No other field is given a default: a nil Cache
// disables resolver caching, a nil Policy or Monitor leaves that subsystem
// out, and a nil Checkpoints leaves transactions without checkpoints.
type Options struct {
	Config      config.Config
	Index       indexclient.Client
	Cache       cache.Store
	States      *statestore.Store
	Checkpoints *checkpointstore.Store
	Policy      *fspolicy.Policy
	Monitor     *resourcemon.Monitor
}

// Daemon owns the arena of environment handles and every subsystem backing
// the request surface in spec §6.
type Daemon struct {
	cfg config.Config

	index       indexclient.Client
	cache       cache.Store
	resolver    *resolver.Resolver
	states      *statestore.Store
	checkpoints *checkpointstore.Store
	engine      *txn.Engine
	scheduler   *scheduler.Scheduler
	policy      *fspolicy.Policy
	monitor     *resourcemon.Monitor
}

// New builds a Daemon from opts by wiring its subsystems together. Nothing
// is loaded from disk here; environment state is read from the State Store
// when a request needs it.
func New(opts Options) (*Daemon, error) {
	const op = "daemon.new"
	if opts.Index == nil {
		return nil, errs.New(errs.Internal, op, "Options.Index is required")
	}
	if opts.States == nil {
		return nil, errs.New(errs.Internal, op, "Options.States is required")
	}

	d := &Daemon{
		cfg:         opts.Config,
		index:       opts.Index,
		cache:       opts.Cache,
		resolver:    resolver.New(opts.Index, opts.Cache),
		states:      opts.States,
		checkpoints: opts.Checkpoints,
		engine:      txn.New(opts.States, opts.Checkpoints),
		policy:      opts.Policy,
		monitor:     opts.Monitor,
	}
	d.resolver.AllowPrereleases = opts.Config.AllowPrereleases
	d.scheduler = scheduler.New(scheduler.Options{
		MaxConcurrentOps:  opts.Config.MaxConcurrentOps,
		OpsPerMinute:      opts.Config.OpsPerMinute,
		MaxQueueSize:      opts.Config.MaxQueueSize,
		OperationTimeouts: convertTimeouts(opts.Config.OperationTimeouts),
		DefaultTimeout:    5 * time.Minute,
	}, (*schedulerExecutor)(d))
	return d, nil
}

func convertTimeouts(m map[string]time.Duration) map[pyenvd.OpType]time.Duration {
	out := make(map[pyenvd.OpType]time.Duration, len(m))
	for k, v := range m {
		out[pyenvd.OpType(k)] = v
	}
	return out
}

// Run starts every background task (dispatch loop, resource sampler and
// its reaction loop, checkpoint GC) and blocks until ctx is done or one
// task fails, the same supervised-group discipline the teacher uses for
// its updater manager. It also calls the policy's RecoverMountState, whose
// result is discarded: no mount is verified, remounted or dropped here.
func (d *Daemon) Run(ctx context.Context) error {
	ctx = xlog.With(ctx, "component", "daemon.run")
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.scheduler.Run(ctx) })
	if d.monitor != nil {
		g.Go(func() error { return d.monitor.Run(ctx) })
		g.Go(func() error { return d.reactToResourceChecks(ctx) })
	}
	g.Go(func() error { return d.checkpointGCLoop(ctx) })

	if d.policy != nil {
		d.policy.RecoverMountState()
	}
	return g.Wait()
}

// reactToResourceChecks pauses the scheduler and triggers a cache eviction
// pass whenever the resource monitor reports an environment over its size
// or file-count limit (spec §4.8, §8 seed scenario 6), and resumes dispatch
// once every environment is back under its limits.
func (d *Daemon) reactToResourceChecks(ctx context.Context) error {
	ctx = xlog.With(ctx, "component", "daemon.react_to_resource_checks")
	over := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case check, ok := <-d.monitor.Checks():
			if !ok {
				return nil
			}
			breached := check.OverSize || check.OverFiles
			wasBreached := over[check.Environment]
			over[check.Environment] = breached

			if breached && !wasBreached {
				slog.WarnContext(ctx, "environment over resource limit, throttling scheduler",
					"environment", check.Environment, "over_size", check.OverSize, "over_files", check.OverFiles)
				d.scheduler.Pause()
				if d.cache != nil {
					if _, err := d.cache.Evict(ctx); err != nil {
						slog.ErrorContext(ctx, "cache eviction failed", "reason", err)
					}
				}
				continue
			}
			if !anyBreached(over) {
				d.scheduler.Resume()
			}
		}
	}
}

func anyBreached(over map[string]bool) bool {
	for _, b := range over {
		if b {
			return true
		}
	}
	return false
}

func (d *Daemon) checkpointGCLoop(ctx context.Context) error {
	if d.checkpoints == nil {
		return nil
	}
	interval := 24 * time.Hour
	maxAge := time.Duration(d.cfg.MaxSnapshotAgeDays) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.checkpoints.GC(ctx, time.Now(), maxAge); err != nil {
				slog.ErrorContext(ctx, "checkpoint gc failed", "reason", err)
			}
		}
	}
}

// schedulerExecutor adapts Daemon to scheduler.Executor, so submitted
// ScheduledOperations actually drive the transaction engine.
type schedulerExecutor Daemon

func (d *schedulerExecutor) Execute(ctx context.Context, op pyenvd.ScheduledOperation) error {
	dd := (*Daemon)(d)
	t, err := dd.engine.Begin(ctx, op.ID, op.Op.EnvName, string(op.OpType), []pyenvd.Op{op.Op})
	if err != nil {
		return err
	}
	return dd.engine.Run(ctx, t, op.Op.EnvName)
}

// CreateEnvironment adds a new environment and persists its initial state.
func (d *Daemon) CreateEnvironment(ctx context.Context, name, path string, interpreter pyenvd.Version) (pyenvd.EnvironmentState, error) {
	const op = "daemon.create_environment"
	if d.policy != nil && !d.policy.IsAllowed(path) {
		return pyenvd.EnvironmentState{}, errs.New(errs.PolicyViolation, op, "path is not allowed").WithContext("path", path)
	}
	st := pyenvd.NewEnvironmentState(uuid.NewString(), name, path, interpreter, time.Now())
	if err := d.states.Put(ctx, st); err != nil {
		return pyenvd.EnvironmentState{}, errs.Wrap(errs.Internal, op, err)
	}
	if d.monitor != nil {
		_ = d.monitor.Watch(name, path)
	}
	return st, nil
}

// RemoveEnvironment deletes an environment's persisted state.
func (d *Daemon) RemoveEnvironment(ctx context.Context, name string) error {
	const op = "daemon.remove_environment"
	if d.monitor != nil {
		d.monitor.Unwatch(name)
	}
	if err := d.states.Delete(ctx, name); err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	return nil
}

// ActivateEnvironment marks an environment Active.
func (d *Daemon) ActivateEnvironment(ctx context.Context, name string) error {
	return d.setActive(ctx, name, true)
}

// DeactivateEnvironment clears an environment's Active flag.
func (d *Daemon) DeactivateEnvironment(ctx context.Context, name string) error {
	return d.setActive(ctx, name, false)
}

func (d *Daemon) setActive(ctx context.Context, name string, active bool) error {
	const op = "daemon.set_active"
	st, err := d.states.Get(ctx, name)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	st.Active = active
	st.ModifiedAt = time.Now()
	if err := d.states.Put(ctx, st); err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	return nil
}

// Install resolves pkgName's dependency closure and submits an install
// transaction for every package in it that isn't already present in
// envName, scheduled at priority. Each ScheduledOperation's Dependencies
// names the sibling operations (within this same closure) for the packages
// it directly requires, so the scheduler won't dispatch a dependent
// package's install until its dependencies have completed. The Transaction
// Engine's verify phase still re-checks preconditions at apply time, as a
// second line of defense against state that changed after submission.
func (d *Daemon) Install(ctx context.Context, envName, pkgName string, priority pyenvd.Priority) (pyenvd.ScheduledOperation, error) {
	const op = "daemon.install"
	meta, err := d.index.GetMetadata(ctx, pkgName)
	if err != nil {
		return pyenvd.ScheduledOperation{}, errs.Wrap(errs.Internal, op, err)
	}

	st, err := d.states.Get(ctx, envName)
	if err != nil {
		return pyenvd.ScheduledOperation{}, errs.Wrap(errs.Internal, op, err)
	}
	if _, ok := st.Packages[pkgName]; ok {
		return pyenvd.ScheduledOperation{}, errs.New(errs.AlreadyExists, op, "package is already installed").WithContext("package", pkgName)
	}

	closure, err := d.resolver.Resolve(ctx, *meta)
	if err != nil {
		return pyenvd.ScheduledOperation{}, err
	}

	var toInstall []pyenvd.Package
	for _, pkg := range closure {
		if _, installed := st.Packages[pkg.Name]; installed {
			continue
		}
		toInstall = append(toInstall, pkg)
	}

	// Pre-assign every operation's ID so each package's Dependencies can
	// name its siblings' IDs regardless of submission order.
	ids := make(map[string]string, len(toInstall))
	for _, pkg := range toInstall {
		ids[pkg.Name] = uuid.NewString()
	}

	var rootSO pyenvd.ScheduledOperation
	for _, pkg := range toInstall {
		installOp := pyenvd.InstallOp(pkg)
		installOp.EnvName = envName
		var deps []string
		for depName := range pkg.Dependencies {
			if depID, ok := ids[depName]; ok {
				deps = append(deps, depID)
			}
		}
		so := pyenvd.ScheduledOperation{
			ID:           ids[pkg.Name],
			Priority:     priority,
			OpType:       pyenvd.OpTypeInstall,
			PackageName:  pkg.Name,
			SubmittedAt:  time.Now(),
			Op:           installOp,
			Dependencies: deps,
			Timeout:      d.cfg.OperationTimeouts[string(pyenvd.OpTypeInstall)],
		}
		if err := d.scheduler.Submit(ctx, so); err != nil {
			return pyenvd.ScheduledOperation{}, err
		}
		if pkg.Name == pkgName {
			rootSO = so
		}
	}
	return rootSO, nil
}

// Uninstall submits an uninstall transaction for pkgName.
func (d *Daemon) Uninstall(ctx context.Context, envName, pkgName string, priority pyenvd.Priority) (pyenvd.ScheduledOperation, error) {
	st, err := d.states.Get(ctx, envName)
	if err != nil {
		return pyenvd.ScheduledOperation{}, errs.Wrap(errs.Internal, "daemon.uninstall", err)
	}
	v, ok := st.Packages[pkgName]
	if !ok {
		return pyenvd.ScheduledOperation{}, errs.New(errs.NotFound, "daemon.uninstall", "package is not installed").WithContext("package", pkgName)
	}
	pkg := pyenvd.Package{PackageId: pyenvd.PackageId{Name: pkgName, Version: v}}
	uninstallOp := pyenvd.UninstallOp(pkg)
	uninstallOp.EnvName = envName
	so := pyenvd.ScheduledOperation{
		ID:          uuid.NewString(),
		Priority:    priority,
		OpType:      pyenvd.OpTypeUninstall,
		PackageName: pkgName,
		SubmittedAt: time.Now(),
		Op:          uninstallOp,
	}
	if err := d.scheduler.Submit(ctx, so); err != nil {
		return pyenvd.ScheduledOperation{}, err
	}
	return so, nil
}

// Update submits an update transaction moving pkgName from its installed
// version to the index's current newest.
func (d *Daemon) Update(ctx context.Context, envName, pkgName string, priority pyenvd.Priority) (pyenvd.ScheduledOperation, error) {
	const op = "daemon.update"
	st, err := d.states.Get(ctx, envName)
	if err != nil {
		return pyenvd.ScheduledOperation{}, errs.Wrap(errs.Internal, op, err)
	}
	fromV, ok := st.Packages[pkgName]
	if !ok {
		return pyenvd.ScheduledOperation{}, errs.New(errs.NotFound, op, "package is not installed").WithContext("package", pkgName)
	}
	meta, err := d.index.GetMetadata(ctx, pkgName)
	if err != nil {
		return pyenvd.ScheduledOperation{}, errs.Wrap(errs.Internal, op, err)
	}
	from := pyenvd.Package{PackageId: pyenvd.PackageId{Name: pkgName, Version: fromV}}
	updateOp := pyenvd.UpdateOp(from, *meta)
	updateOp.EnvName = envName
	so := pyenvd.ScheduledOperation{
		ID:          uuid.NewString(),
		Priority:    priority,
		OpType:      pyenvd.OpTypeUpdate,
		PackageName: pkgName,
		SubmittedAt: time.Now(),
		Op:          updateOp,
	}
	if err := d.scheduler.Submit(ctx, so); err != nil {
		return pyenvd.ScheduledOperation{}, err
	}
	return so, nil
}

// SyncEnvironment submits one low-priority Update per installed package,
// each towards the index's newest version of that package. No dependency
// resolution is performed, and a package whose Update cannot be submitted
// is skipped.
func (d *Daemon) SyncEnvironment(ctx context.Context, envName string) ([]pyenvd.ScheduledOperation, error) {
	const op = "daemon.sync_environment"
	st, err := d.states.Get(ctx, envName)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	var ops []pyenvd.ScheduledOperation
	for name := range st.Packages {
		so, err := d.Update(ctx, envName, name, pyenvd.PriorityLow)
		if err != nil {
			continue // best-effort: one package's sync failure shouldn't block the rest
		}
		ops = append(ops, so)
	}
	return ops, nil
}

// OperationStatus returns the current status of a previously submitted
// operation.
func (d *Daemon) OperationStatus(id string) (pyenvd.OperationStatus, error) {
	return d.scheduler.Status(id)
}

// ListEnvironments returns every known environment's current state.
func (d *Daemon) ListEnvironments(ctx context.Context) ([]pyenvd.EnvironmentState, error) {
	names, err := d.states.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pyenvd.EnvironmentState, 0, len(names))
	for _, name := range names {
		st, err := d.states.Get(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// ListCheckpoints returns every recorded checkpoint, newest first.
func (d *Daemon) ListCheckpoints(ctx context.Context) ([]pyenvd.Checkpoint, error) {
	if d.checkpoints == nil {
		return nil, nil
	}
	return d.checkpoints.List(ctx)
}

// RestoreCheckpoint overwrites an environment's persisted state with a
// previously captured checkpoint.
func (d *Daemon) RestoreCheckpoint(ctx context.Context, id string) (pyenvd.EnvironmentState, error) {
	const op = "daemon.restore_checkpoint"
	if d.checkpoints == nil {
		return pyenvd.EnvironmentState{}, errs.New(errs.NotFound, op, "no checkpoint store configured")
	}
	cp, err := d.checkpoints.Get(ctx, id)
	if err != nil {
		return pyenvd.EnvironmentState{}, errs.Wrap(errs.Internal, op, err)
	}
	if err := d.states.Put(ctx, cp.State); err != nil {
		return pyenvd.EnvironmentState{}, errs.Wrap(errs.Internal, op, err)
	}
	return cp.State, nil
}

// Health reports a basic liveness/readiness summary.
type Health struct {
	Healthy       bool
	QueuedOps     int
	RunningOps    int
	EnvironmentCt int
}

// Health returns the daemon's current liveness/readiness summary.
func (d *Daemon) Health(ctx context.Context) (Health, error) {
	names, err := d.states.List(ctx)
	if err != nil {
		return Health{}, err
	}
	stats := d.scheduler.Stats()
	return Health{
		Healthy:       true,
		QueuedOps:     stats.Queued,
		RunningOps:    stats.Running,
		EnvironmentCt: len(names),
	}, nil
}

