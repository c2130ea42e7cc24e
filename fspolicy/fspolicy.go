// Package fspolicy implements the Filesystem Policy (C9): path allow/deny
// checks, mount validation, syscall-level mounting on Linux with rollback
// on partial failure, and per-path access heuristics.
package fspolicy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/errs"
)

// Config mirrors config.FSPolicyConfig; duplicated here (rather than
// importing package config) so fspolicy has no dependency on the daemon's
// configuration shape.
type Config struct {
	AllowedPaths  []string
	DeniedPaths   []string
	ReadonlyPaths []string
	// MaxFileSize rejects a single write exceeding this many bytes with a
	// security violation. Zero disables the check.
	MaxFileSize int64
}

// forbiddenMountOptions may never appear in a requested mount's Options;
// each one widens what a contained process can do on the host.
var forbiddenMountOptions = map[string]bool{"suid": true, "dev": true, "exec": true}

// Policy enforces path and mount rules for one daemon instance.
type Policy struct {
	cfg Config

	mu     sync.Mutex
	mounts []pyenvd.MountInfo
	access map[string]*pyenvd.FileAccessInfo
}

// New constructs a Policy.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg, access: make(map[string]*pyenvd.FileAccessInfo)}
}

// IsAllowed reports whether path is permitted by the policy: it must be
// absolute, must not contain a ".." traversal segment, must not fall under
// any DeniedPaths entry, and (if AllowedPaths is non-empty) must fall
// under one of them.
func (p *Policy) IsAllowed(path string) bool {
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return false
	}
	if strings.Contains(path, "..") {
		return false
	}
	for _, denied := range p.cfg.DeniedPaths {
		if underPath(clean, denied) {
			return false
		}
	}
	if len(p.cfg.AllowedPaths) == 0 {
		return true
	}
	for _, allowed := range p.cfg.AllowedPaths {
		if underPath(clean, allowed) {
			return true
		}
	}
	return false
}

// IsReadonly reports whether path falls under a configured read-only root.
func (p *Policy) IsReadonly(path string) bool {
	clean := filepath.Clean(path)
	for _, ro := range p.cfg.ReadonlyPaths {
		if underPath(clean, ro) {
			return true
		}
	}
	return false
}

func underPath(path, root string) bool {
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// ValidateMount checks a requested mount against the policy before any
// syscall is attempted: forbidden options, path traversal in either the
// point or the source, nesting under an existing mount, and (for bind
// mounts) that the source exists.
func (p *Policy) ValidateMount(m pyenvd.MountInfo) error {
	const op = "fspolicy.validate_mount"
	if !p.IsAllowed(m.Point) {
		return errs.New(errs.PolicyViolation, op, "mount point is not an allowed path").WithContext("point", m.Point)
	}
	if m.Source != "" && strings.Contains(m.Source, "..") {
		return errs.New(errs.PolicyViolation, op, "mount source contains a path traversal segment").WithContext("source", m.Source)
	}
	for _, opt := range m.Options {
		if forbiddenMountOptions[opt] {
			return errs.New(errs.PolicyViolation, op, "forbidden mount option").WithContext("option", opt)
		}
	}
	if m.Type == pyenvd.MountBind {
		if _, err := os.Stat(m.Source); err != nil {
			return errs.Wrap(errs.PolicyViolation, op, err).WithContext("source", m.Source)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.mounts {
		if underPath(m.Point, existing.Point) || underPath(existing.Point, m.Point) {
			return errs.New(errs.PolicyViolation, op, "mount point nests under an existing mount").WithContext("existing", existing.Point)
		}
	}
	return nil
}

// Mount validates and performs a mount, recording it for RecoverMountState
// and rollback-on-failure. options are translated to MS_* flags: bind
// mounts always get MS_NODEV|MS_NOSUID|MS_NOEXEC, plus MS_RDONLY when
// ReadOnly is set.
func (p *Policy) Mount(ctx context.Context, m pyenvd.MountInfo) error {
	const op = "fspolicy.mount"
	if err := p.ValidateMount(m); err != nil {
		return err
	}

	flags := uintptr(unix.MS_NODEV | unix.MS_NOSUID | unix.MS_NOEXEC)
	if m.ReadOnly {
		flags |= unix.MS_RDONLY
	}

	var mountErr error
	switch m.Type {
	case pyenvd.MountBind:
		flags |= unix.MS_BIND
		mountErr = unix.Mount(m.Source, m.Point, "", flags, "")
	case pyenvd.MountTmpfs:
		mountErr = unix.Mount("tmpfs", m.Point, "tmpfs", flags, "")
	case pyenvd.MountOverlay:
		mountErr = unix.Mount("overlay", m.Point, "overlay", flags, strings.Join(m.Options, ","))
	default:
		return errs.New(errs.Internal, op, "unknown mount type")
	}
	if mountErr != nil {
		return errs.Wrap(errs.IO, op, mountErr).WithContext("point", m.Point)
	}

	m.MountedAt = time.Now()
	p.mu.Lock()
	p.mounts = append(p.mounts, m)
	p.mu.Unlock()
	return nil
}

// Unmount reverses Mount, removing the bookkeeping entry regardless of
// whether the syscall itself succeeds (the mount may already be gone).
func (p *Policy) Unmount(ctx context.Context, point string) error {
	const op = "fspolicy.unmount"
	err := unix.Unmount(point, 0)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.mounts {
		if m.Point == point {
			p.mounts = append(p.mounts[:i], p.mounts[i+1:]...)
			break
		}
	}
	if err != nil {
		return errs.Wrap(errs.IO, op, err).WithContext("point", point)
	}
	return nil
}

// MountAll performs a sequence of mounts, unwinding (unmounting) every
// mount already performed if one fails partway through.
func (p *Policy) MountAll(ctx context.Context, mounts []pyenvd.MountInfo) error {
	done := make([]pyenvd.MountInfo, 0, len(mounts))
	for _, m := range mounts {
		if err := p.Mount(ctx, m); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				_ = p.Unmount(ctx, done[i].Point)
			}
			return err
		}
		done = append(done, m)
	}
	return nil
}

// RecoverMountState returns a copy of the mounts this Policy has recorded.
// It does not inspect the kernel's mount table, and it neither verifies,
// remounts nor drops any recorded mount.
func (p *Policy) RecoverMountState() []pyenvd.MountInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pyenvd.MountInfo, len(p.mounts))
	copy(out, p.mounts)
	return out
}

// suspiciousThreshold is the flag count at which a path's access pattern is
// reported as a Violation, per spec §4.9.
const suspiciousThreshold = 10

// largeTransferBytes is the per-operation size at which an access is
// flagged FlagLargeTransfer, per spec §4.9.
const largeTransferBytes = 1 << 20

// RecordAccess updates the access tracker for path and returns the
// heuristic flags raised by this access. A write whose size exceeds the
// policy's configured MaxFileSize is rejected outright, before any
// tracking state is updated.
func (p *Policy) RecordAccess(path string, isWrite bool, size int64) ([]pyenvd.AccessFlag, error) {
	const op = "fspolicy.record_access"
	if isWrite && p.cfg.MaxFileSize > 0 && size > p.cfg.MaxFileSize {
		return nil, errs.New(errs.PolicyViolation, op, "write exceeds max_file_size").
			WithContext("path", path).WithContext("size", size).WithContext("max_file_size", p.cfg.MaxFileSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	info, ok := p.access[path]
	if !ok {
		info = &pyenvd.FileAccessInfo{Path: path}
		p.access[path] = info
	}
	now := time.Now()
	rapid := !info.LastAccess.IsZero() && now.Sub(info.LastAccess) < 10*time.Millisecond
	if isWrite {
		info.Writes++
	} else {
		info.Reads++
	}
	info.Size += size
	info.LastAccess = now

	var flags []pyenvd.AccessFlag
	if rapid {
		flags = append(flags, pyenvd.FlagRapidAccess)
	}
	if size >= largeTransferBytes {
		flags = append(flags, pyenvd.FlagLargeTransfer)
	}
	if len(flags) > 0 {
		info.Flags = append(info.Flags, flags...)
	}
	if len(info.Flags) > suspiciousThreshold {
		info.Flags = append(info.Flags, pyenvd.FlagSuspiciousPattern)
		info.Violations = append(info.Violations, fmt.Sprintf("more than %d flags raised on %s", suspiciousThreshold, path))
	}
	return flags, nil
}

// AccessInfo returns the tracked access stats for path.
func (p *Policy) AccessInfo(path string) (pyenvd.FileAccessInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.access[path]
	if !ok {
		return pyenvd.FileAccessInfo{}, false
	}
	return *info, true
}
