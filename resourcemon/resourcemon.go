// Package resourcemon implements the Resource Monitor (C8): a
// ticker-driven sampler of environment disk usage plus an fsnotify watcher
// for live filesystem events, grounded on the teacher's periodic-with-
// jitter update manager loop.
package resourcemon

import (
	"context"
	"io/fs"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quay/pyenvd/errs"
	"github.com/quay/pyenvd/internal/xlog"
)

var (
	envSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pyenvd",
		Subsystem: "resourcemon",
		Name:      "environment_size_bytes",
		Help:      "Total on-disk size of an environment's directory.",
	}, []string{"environment"})

	envFileCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pyenvd",
		Subsystem: "resourcemon",
		Name:      "environment_file_count",
		Help:      "Total file count under an environment's directory.",
	}, []string{"environment"})
)

// Limits bounds resource usage, per spec §6's configuration surface.
type Limits struct {
	MaxEnvSize   int64
	MaxFileSize  int64
	MaxFileCount int64
}

// ResourceUpdate reports a fresh measurement for one environment.
type ResourceUpdate struct {
	Environment string
	SizeBytes   int64
	FileCount   int64
	At          time.Time
}

// ResourceCheck reports whether an environment is currently over a limit.
type ResourceCheck struct {
	Environment string
	OverSize    bool
	OverFiles   bool
}

// Monitor samples environment directories on an interval and watches for
// live filesystem changes.
type Monitor struct {
	interval time.Duration
	limits   Limits
	roots    map[string]string // environment name -> directory

	updates chan ResourceUpdate
	checks  chan ResourceCheck
	events  chan fsnotify.Event
	stop    chan struct{}

	watcher *fsnotify.Watcher
}

// New constructs a Monitor that watches no environment yet; Watch adds an
// environment name and its directory after construction.
func New(interval time.Duration, limits Limits) (*Monitor, error) {
	const op = "resourcemon.new"
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	return &Monitor{
		interval: interval,
		limits:   limits,
		roots:    make(map[string]string),
		updates:  make(chan ResourceUpdate, 16),
		checks:   make(chan ResourceCheck, 16),
		events:   make(chan fsnotify.Event, 64),
		stop:     make(chan struct{}),
		watcher:  w,
	}, nil
}

// Updates returns the channel of periodic ResourceUpdate samples.
func (m *Monitor) Updates() <-chan ResourceUpdate { return m.updates }

// Checks returns the channel of limit-check results (see checkLimits).
func (m *Monitor) Checks() <-chan ResourceCheck { return m.checks }

// Events returns raw filesystem change notifications (FileChanged /
// PackageChanged, in spec terms) for watched environment directories.
func (m *Monitor) Events() <-chan fsnotify.Event { return m.events }

// Watch adds an environment directory to both the periodic sampler and the
// live fsnotify watch set.
func (m *Monitor) Watch(envName, dir string) error {
	const op = "resourcemon.watch"
	m.roots[envName] = dir
	if err := m.watcher.Add(dir); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	return nil
}

// Unwatch removes an environment from monitoring.
func (m *Monitor) Unwatch(envName string) {
	if dir, ok := m.roots[envName]; ok {
		m.watcher.Remove(dir)
		delete(m.roots, envName)
	}
}

// StopMonitoring halts the sampler and closes the watcher. It's the
// counterpart the spec calls StopMonitoring.
func (m *Monitor) StopMonitoring() {
	close(m.stop)
	m.watcher.Close()
}

// Run drives the periodic sampler and forwards fsnotify events, until ctx
// is done or StopMonitoring is called. Meant to run under an errgroup.
func (m *Monitor) Run(ctx context.Context) error {
	ctx = xlog.With(ctx, "component", "resourcemon.run")
	// Jitter the first tick so many environments' samplers don't all wake
	// in lockstep, the same discipline as the teacher's update manager.
	jitter := time.Duration(rand.Int63n(int64(m.interval) + 1))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			select {
			case m.events <- ev:
			default:
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			// Logged only; not fatal to the monitor.
			slog.WarnContext(ctx, "filesystem watcher error", "reason", err)
		case <-timer.C:
			m.sampleAll(ctx)
			timer.Reset(m.interval)
		}
	}
}

func (m *Monitor) sampleAll(ctx context.Context) {
	for name, dir := range m.roots {
		size, count, err := walkSize(dir)
		if err != nil {
			continue
		}
		envSizeBytes.WithLabelValues(name).Set(float64(size))
		envFileCount.WithLabelValues(name).Set(float64(count))

		update := ResourceUpdate{Environment: name, SizeBytes: size, FileCount: count, At: time.Now()}
		select {
		case m.updates <- update:
		default:
		}

		check := m.checkLimits(name, size, count)
		select {
		case m.checks <- check:
		default:
		}
	}
}

// checkLimits reports whether an environment is over its configured size
// or file-count limit. The daemon reacts to OverSize/OverFiles by
// throttling the scheduler and triggering cache eviction (spec §4.8).
func (m *Monitor) checkLimits(name string, size, count int64) ResourceCheck {
	return ResourceCheck{
		Environment: name,
		OverSize:    m.limits.MaxEnvSize > 0 && size > m.limits.MaxEnvSize,
		OverFiles:   m.limits.MaxFileCount > 0 && count > m.limits.MaxFileCount,
	}
}

func walkSize(root string) (size, count int64, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		count++
		return nil
	})
	return size, count, err
}
