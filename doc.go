// Package pyenvd implements the data model shared by the pyenvd core: the
// transactional state engine, the operation scheduler, the dependency
// resolver, and the resource/isolation monitor that together let a daemon
// own isolated Python virtual environments on behalf of interactive shells.
//
// The shell-integration surface, CLI parsing, configuration-file loading,
// and the package index's wire protocol are not implemented here; see
// package daemon for the request surface that ties the pieces together.
package pyenvd
