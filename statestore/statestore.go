// Package statestore implements the State Store (C4): durable,
// single-writer-ordered persistence of one EnvironmentState per
// environment, each guarded by an exclusive lock held only across a
// transaction's critical section.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/errs"
)

// Locker grants exclusive, context-scoped access to a named resource.
//
// The shape is lifted verbatim from the teacher's indexer-driver Locker:
// callers get back a context that's canceled when the lock is released (or
// lost), so long-running work under the lock can select on ctx.Done()
// instead of polling a separate "am I still holding this" check. Close
// releases every lock this Locker has ever granted.
type Locker interface {
	TryLock(ctx context.Context, name string) (context.Context, context.CancelFunc)
	Lock(ctx context.Context, name string) (context.Context, context.CancelFunc)
	Close(ctx context.Context) error
}

// InProcessLocker is the default Locker: a process-local, mutex-guarded map
// of mutexes, one per environment name. A pgx-backed advisory-lock
// implementation satisfying the same interface is a drop-in swap for
// multi-replica deployments.
type InProcessLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewInProcessLocker constructs an InProcessLocker.
func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *InProcessLocker) mutexFor(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	return m
}

// TryLock attempts to acquire name's lock without blocking. If it can't,
// the returned context is already canceled.
func (l *InProcessLocker) TryLock(ctx context.Context, name string) (context.Context, context.CancelFunc) {
	m := l.mutexFor(name)
	lctx, cancel := context.WithCancel(ctx)
	if !m.TryLock() {
		cancel()
		return lctx, cancel
	}
	return lctx, l.releaser(m, cancel)
}

// Lock blocks until name's lock is acquired or ctx is done.
func (l *InProcessLocker) Lock(ctx context.Context, name string) (context.Context, context.CancelFunc) {
	m := l.mutexFor(name)
	lctx, cancel := context.WithCancel(ctx)

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return lctx, l.releaser(m, cancel)
	case <-ctx.Done():
		go func() {
			<-acquired
			m.Unlock()
		}()
		cancel()
		return lctx, cancel
	}
}

func (l *InProcessLocker) releaser(m *sync.Mutex, cancel context.CancelFunc) context.CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()
			cancel()
		})
	}
}

// Close is a no-op: the in-process locker owns no external resources, and
// locks still held stay held until their CancelFunc is called.
func (l *InProcessLocker) Close(ctx context.Context) error { return nil }

// Store persists EnvironmentState values, one file per environment.
type Store struct {
	dir    string
	locker Locker
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string, locker Locker) (*Store, error) {
	const op = "statestore.new"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	if locker == nil {
		locker = NewInProcessLocker()
	}
	return &Store{dir: dir, locker: locker}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Get reads and returns a deep copy of the named environment's state.
func (s *Store) Get(ctx context.Context, name string) (pyenvd.EnvironmentState, error) {
	const op = "statestore.get"
	b, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return pyenvd.EnvironmentState{}, errs.New(errs.NotFound, op, "no such environment").WithContext("environment", name)
	}
	if err != nil {
		return pyenvd.EnvironmentState{}, errs.Wrap(errs.IO, op, err)
	}
	var st pyenvd.EnvironmentState
	if err := json.Unmarshal(b, &st); err != nil {
		return pyenvd.EnvironmentState{}, errs.Wrap(errs.Corruption, op, err).WithContext("environment", name)
	}
	return st.Clone(), nil
}

// Put atomically writes state for its environment: write to a sibling
// ".tmp" file, then rename over the target, the same write discipline the
// teacher uses for every on-disk blob it owns.
func (s *Store) Put(ctx context.Context, state pyenvd.EnvironmentState) error {
	const op = "statestore.put"
	if err := state.Validate(); err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	b, err := json.Marshal(state)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}

	target := s.path(state.Name)
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.Wrap(errs.IO, op, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.Wrap(errs.IO, op, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.IO, op, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.IO, op, err)
	}
	return nil
}

// Delete removes the named environment's persisted state.
func (s *Store) Delete(ctx context.Context, name string) error {
	const op = "statestore.delete"
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.Wrap(errs.IO, op, err)
	}
	return nil
}

// List returns the names of every persisted environment.
func (s *Store) List(ctx context.Context) ([]string, error) {
	const op = "statestore.list"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		const suffix = ".json"
		if filepath.Ext(e.Name()) == suffix {
			names = append(names, e.Name()[:len(e.Name())-len(suffix)])
		}
	}
	return names, nil
}

// Lock acquires the exclusive per-environment lock, to be held only across
// a transaction's critical section.
func (s *Store) Lock(ctx context.Context, name string) (context.Context, context.CancelFunc) {
	return s.locker.Lock(ctx, name)
}
