// Package txn implements the Transaction Engine (C6): a state machine
// driving each Transaction through verify -> apply -> commit, or rollback
// on failure, directly grounded on the teacher's indexer controller (a
// stateFunc jump table walked by a run loop until a terminal state).
package txn

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/checkpointstore"
	"github.com/quay/pyenvd/errs"
	"github.com/quay/pyenvd/internal/xlog"
	"github.com/quay/pyenvd/statestore"
)

var tracer = otel.Tracer("github.com/quay/pyenvd/txn")

// state is the engine's internal FSM position. It's more granular than
// pyenvd.TransactionStatus, which only distinguishes pending/running/
// terminal for external consumers.
type state int

const (
	statePending state = iota
	stateVerifying
	stateApplying
	stateCommitted
	stateRolledBack
	stateFailed
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateVerifying:
		return "verifying"
	case stateApplying:
		return "applying"
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled_back"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// run is a single transaction's working state as it moves through the FSM.
type run struct {
	txn     *pyenvd.Transaction
	envName string
	current state
	err     error
}

type stateFunc func(ctx context.Context, e *Engine, r *run) (state, error)

var stateToStateFunc = map[state]stateFunc{
	statePending:   doVerify,
	stateVerifying: doApply,
	stateApplying:  doCommit,
}

// Engine drives transactions for one environment's state.
type Engine struct {
	states      *statestore.Store
	checkpoints *checkpointstore.Store
}

// New constructs an Engine.
func New(states *statestore.Store, checkpoints *checkpointstore.Store) *Engine {
	return &Engine{states: states, checkpoints: checkpoints}
}

// Begin opens a transaction against envName: it snapshots the environment's
// current package set into StateBefore and writes a pre-checkpoint, so
// Rollback always has somewhere to restore to even if Apply never runs.
func (e *Engine) Begin(ctx context.Context, id, envName, description string, ops []pyenvd.Op) (*pyenvd.Transaction, error) {
	const op = "txn.begin"
	ctx = xlog.With(ctx, "component", op, "transaction", id, "environment", envName)

	st, err := e.states.Get(ctx, envName)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}

	before := make(map[string]pyenvd.Package, len(st.Packages))
	for name, v := range st.Packages {
		before[name] = pyenvd.Package{PackageId: pyenvd.PackageId{Name: name, Version: v}}
	}

	now := time.Now()
	cpID := id + "-pre"
	if e.checkpoints != nil {
		if err := e.checkpoints.Create(ctx, pyenvd.Checkpoint{
			ID:            cpID,
			Description:   "pre-transaction snapshot for " + id,
			TransactionID: id,
			State:         st,
			CreatedAt:     now,
		}); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
	}

	return &pyenvd.Transaction{
		ID:              id,
		Description:     description,
		Ops:             ops,
		StateBefore:     before,
		CreatedAt:       now,
		Status:          pyenvd.StatusPending,
		PreCheckpointID: cpID,
		Metrics:         pyenvd.TransactionMetrics{BeginAt: now},
	}, nil
}

// Run drives t from Pending through Committed, RolledBack, or Failed.
// envName identifies which environment t.Ops apply to.
func (e *Engine) Run(ctx context.Context, t *pyenvd.Transaction, envName string) error {
	const op = "txn.run"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes())
	defer span.End()

	// Verify, apply and commit run under the environment's exclusive lock.
	lockCtx, unlock := e.states.Lock(ctx, envName)
	defer unlock()
	if err := lockCtx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, op, err)
	}
	ctx = lockCtx

	r := &run{txn: t, envName: envName, current: statePending}
	t.Status = pyenvd.StatusRunning

	for r.current != stateCommitted && r.current != stateRolledBack && r.current != stateFailed {
		if err := ctx.Err(); err != nil {
			r.err = err
			if rbErr := e.rollback(ctx, r); rbErr != nil {
				t.Status = pyenvd.StatusFailed
				t.FailureReason = fmt.Sprintf("cancelled (%v) and rollback also failed (%v)", err, rbErr)
				return errs.Wrap(errs.Unhealthy, op, fmt.Errorf("%s", t.FailureReason))
			}
			t.Status = pyenvd.StatusRolledBack
			t.FailureReason = err.Error()
			return errs.Wrap(errs.Cancelled, op, err)
		}
		fn, ok := stateToStateFunc[r.current]
		if !ok {
			return errs.New(errs.Internal, op, fmt.Sprintf("no state function for %s", r.current))
		}
		next, err := fn(ctx, e, r)
		if err != nil {
			r.err = err
			if rbErr := e.rollback(ctx, r); rbErr != nil {
				t.Status = pyenvd.StatusFailed
				t.FailureReason = fmt.Sprintf("apply failed (%v) and rollback also failed (%v)", err, rbErr)
				return errs.Wrap(errs.Unhealthy, op, fmt.Errorf("%s", t.FailureReason))
			}
			t.Status = pyenvd.StatusRolledBack
			t.FailureReason = err.Error()
			return err
		}
		r.current = next
	}

	switch r.current {
	case stateCommitted:
		t.Status = pyenvd.StatusCommitted
	case stateRolledBack:
		t.Status = pyenvd.StatusRolledBack
	case stateFailed:
		t.Status = pyenvd.StatusFailed
	}
	return nil
}

func doVerify(ctx context.Context, e *Engine, r *run) (state, error) {
	const op = "txn.verify"
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	st, err := e.states.Get(ctx, r.envName)
	if err != nil {
		return stateFailed, errs.Wrap(errs.Internal, op, err)
	}
	result := verify(st, r.txn.Ops)
	r.txn.VerificationResult = &result
	r.txn.Metrics.VerifiedAt = time.Now()
	if result.HasCritical() {
		return stateFailed, errs.New(errs.Conflict, op, "verification found a critical issue")
	}
	return stateVerifying, nil
}

// verify checks each Op's precondition against st, per spec §4.6: Install
// requires the package isn't already installed and that every already-
// installed dependency still satisfies the new package's constraint on it;
// Uninstall requires the package is installed and that no other installed
// package still depends on it; Update requires the From version matches
// what's installed, and flags (but doesn't block) a Breaking-impact update
// as a warning; Add/RemoveEnvironment check name collision/existence.
func verify(st pyenvd.EnvironmentState, ops []pyenvd.Op) pyenvd.VerificationResult {
	var result pyenvd.VerificationResult
	installed := make(map[string]pyenvd.Version, len(st.Packages))
	for k, v := range st.Packages {
		installed[k] = v
	}
	meta := make(map[string]pyenvd.Package, len(st.PackageMeta))
	for k, p := range st.PackageMeta {
		meta[k] = p
	}

	for _, o := range ops {
		switch o.Kind {
		case pyenvd.OpInstall:
			if _, ok := installed[o.Package.Name]; ok {
				result.Issues = append(result.Issues, pyenvd.Issue{
					Severity: pyenvd.SeverityCritical, Op: o,
					Message: fmt.Sprintf("%s is already installed", o.Package.Name),
				})
				continue
			}
			conflict := false
			for dep, constraint := range o.Package.Dependencies {
				v, ok := installed[dep]
				if !ok || constraint.Match(v) {
					continue
				}
				result.Issues = append(result.Issues, pyenvd.Issue{
					Severity: pyenvd.SeverityCritical, Op: o,
					Message: fmt.Sprintf("%s requires %s %s, but %s is installed", o.Package.Name, dep, constraint, v),
				})
				conflict = true
			}
			if conflict {
				continue
			}
			installed[o.Package.Name] = o.Package.Version
			meta[o.Package.Name] = o.Package
		case pyenvd.OpUninstall:
			if _, ok := installed[o.Package.Name]; !ok {
				result.Issues = append(result.Issues, pyenvd.Issue{
					Severity: pyenvd.SeverityCritical, Op: o,
					Message: fmt.Sprintf("%s is not installed", o.Package.Name),
				})
				continue
			}
			if dependents := pyenvd.Dependents(meta, o.Package.Name); len(dependents) > 0 {
				result.Issues = append(result.Issues, pyenvd.Issue{
					Severity: pyenvd.SeverityCritical, Op: o,
					Message: fmt.Sprintf("%s is still required by %v", o.Package.Name, dependents),
				})
				continue
			}
			delete(installed, o.Package.Name)
			delete(meta, o.Package.Name)
		case pyenvd.OpUpdate:
			cur, ok := installed[o.From.Name]
			if !ok || !cur.Equal(o.From.Version) {
				result.Issues = append(result.Issues, pyenvd.Issue{
					Severity: pyenvd.SeverityCritical, Op: o,
					Message: fmt.Sprintf("%s is not installed at expected version %s", o.From.Name, o.From.Version),
				})
				continue
			}
			if impact := pyenvd.ComputeImpact(o.From.Version, o.To.Version); impact == pyenvd.ImpactBreaking {
				result.Issues = append(result.Issues, pyenvd.Issue{
					Severity: pyenvd.SeverityWarning, Op: o,
					Message: fmt.Sprintf("%s -> %s is a breaking change", o.From.Version, o.To.Version),
				})
			}
			if o.To.Name != o.From.Name {
				delete(installed, o.From.Name)
				delete(meta, o.From.Name)
			}
			installed[o.To.Name] = o.To.Version
			meta[o.To.Name] = o.To
		case pyenvd.OpAddEnvironment:
			if o.EnvName == st.Name {
				result.Issues = append(result.Issues, pyenvd.Issue{
					Severity: pyenvd.SeverityCritical, Op: o,
					Message: fmt.Sprintf("environment %q already exists", o.EnvName),
				})
			}
		case pyenvd.OpRemoveEnvironment:
			if o.EnvName != st.Name {
				result.Issues = append(result.Issues, pyenvd.Issue{
					Severity: pyenvd.SeverityCritical, Op: o,
					Message: fmt.Sprintf("environment %q does not exist", o.EnvName),
				})
			}
		}
	}
	return result
}

func doApply(ctx context.Context, e *Engine, r *run) (state, error) {
	const op = "txn.apply"
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	st, err := e.states.Get(ctx, r.envName)
	if err != nil {
		return stateFailed, errs.Wrap(errs.Internal, op, err)
	}
	now := time.Now()
	for _, o := range r.txn.Ops {
		applyOp(&st, o, now, r.txn.ID)
	}
	st.ModifiedAt = now
	if err := e.states.Put(ctx, st); err != nil {
		return stateFailed, errs.Wrap(errs.IO, op, err)
	}
	r.txn.Metrics.AppliedAt = now
	return stateApplying, nil
}

func applyOp(st *pyenvd.EnvironmentState, o pyenvd.Op, now time.Time, txnID string) {
	reason := fmt.Sprintf("via transaction %s", txnID)
	switch o.Kind {
	case pyenvd.OpInstall:
		st.Packages[o.Package.Name] = o.Package.Version
		st.PackageMeta[o.Package.Name] = o.Package
		h := st.VersionHistories[o.Package.Name]
		h.Append(pyenvd.VersionEvent{
			Timestamp: now, ToVersion: o.Package.Version, Interpreter: st.InterpreterVersion,
			Reason: reason, IsDirect: true, Approved: true,
		})
		st.VersionHistories[o.Package.Name] = h
	case pyenvd.OpUninstall:
		delete(st.Packages, o.Package.Name)
		delete(st.PackageMeta, o.Package.Name)
	case pyenvd.OpUpdate:
		if o.To.Name != o.From.Name {
			delete(st.Packages, o.From.Name)
			delete(st.PackageMeta, o.From.Name)
		}
		st.Packages[o.To.Name] = o.To.Version
		st.PackageMeta[o.To.Name] = o.To
		h := st.VersionHistories[o.To.Name]
		h.Append(pyenvd.VersionEvent{
			Timestamp: now, ToVersion: o.To.Version, Interpreter: st.InterpreterVersion,
			Reason: reason, IsDirect: true, Approved: true,
		})
		st.VersionHistories[o.To.Name] = h
	}
}

func doCommit(ctx context.Context, e *Engine, r *run) (state, error) {
	const op = "txn.commit"
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	if e.checkpoints != nil {
		st, err := e.states.Get(ctx, r.envName)
		if err != nil {
			return stateFailed, errs.Wrap(errs.Internal, op, err)
		}
		cpID := r.txn.ID + "-post"
		if err := e.checkpoints.Create(ctx, pyenvd.Checkpoint{
			ID:            cpID,
			Description:   "post-transaction snapshot for " + r.txn.ID,
			TransactionID: r.txn.ID,
			State:         st,
			CreatedAt:     time.Now(),
		}); err != nil {
			return stateFailed, errs.Wrap(errs.Internal, op, err)
		}
		r.txn.PostCheckpointID = cpID
	}
	r.txn.Metrics.CommittedAt = time.Now()
	return stateCommitted, nil
}

// Rollback restores the environment to its pre-transaction checkpoint.
// It's idempotent: rolling back an already-rolled-back transaction is a
// no-op rather than an error.
func (e *Engine) Rollback(ctx context.Context, t *pyenvd.Transaction, envName string) error {
	r := &run{txn: t, envName: envName}
	return e.rollback(ctx, r)
}

func (e *Engine) rollback(ctx context.Context, r *run) error {
	const op = "txn.rollback"
	if r.txn.Status == pyenvd.StatusRolledBack {
		return nil
	}
	if e.checkpoints == nil || r.txn.PreCheckpointID == "" {
		return errs.New(errs.Internal, op, "no pre-transaction checkpoint to restore")
	}
	cp, err := e.checkpoints.Get(ctx, r.txn.PreCheckpointID)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	if err := e.states.Put(ctx, cp.State); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	r.txn.Status = pyenvd.StatusRolledBack
	return nil
}
