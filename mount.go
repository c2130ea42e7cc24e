package pyenvd

import "time"

// MountType names the filesystem mount strategy used for a MountInfo.
type MountType int

const (
	MountBind MountType = iota
	MountTmpfs
	MountOverlay
)

func (t MountType) String() string {
	switch t {
	case MountBind:
		return "bind"
	case MountTmpfs:
		return "tmpfs"
	case MountOverlay:
		return "overlay"
	default:
		return "unknown"
	}
}

// MountInfo describes one mount recorded by the Filesystem Policy (C9).
type MountInfo struct {
	Point     string
	Source    string
	Type      MountType
	ReadOnly  bool
	Options   []string
	MountedAt time.Time
}

// AccessFlag marks a heuristic pattern detected on a path by the Filesystem
// Policy's access tracker.
type AccessFlag int

const (
	FlagRapidAccess AccessFlag = iota
	FlagLargeTransfer
	FlagSuspiciousPattern
)

// FileAccessInfo holds per-path access statistics tracked by the Filesystem
// Policy (C9).
type FileAccessInfo struct {
	Path       string
	Reads      int64
	Writes     int64
	Size       int64
	LastAccess time.Time
	Flags      []AccessFlag
	Violations []string
}
