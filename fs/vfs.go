// Package fs is the filesystem layer: a VFS mount table dispatching by
// longest-prefix match to a small driver capability set, and a RAMFS
// driver that ingests a USTAR initrd with zero-copy file data (§4.4).
// Grounded on the teacher's fs package for naming conventions (Ustr paths,
// Err_t returns) and on the original C
// implementation's src/fs.c for the exact mount/lookup/tar-ingest
// semantics the teacher's own disk-backed, journaled filesystem doesn't
// have an analogue for.
package fs

import (
	"kernel/kerrno"
	"kernel/ustr"
)

// NodeKind classifies a filesystem node.
type NodeKind int

const (
	FILE NodeKind = iota
	DIR
	SYMLINK
)

// Driver is the capability set a filesystem driver exposes; the VFS core
// depends only on these operations (§9's "dynamic dispatch" note).
type Driver interface {
	FindNode(state interface{}, suffix ustr.Ustr) (Handle, error)
	Read(state interface{}, cursor int, n int) ([]byte, error)
}

// Mount is one entry of the VFS's mount list: a path prefix, the driver
// that serves it, and that driver's private state.
type Mount struct {
	Prefix ustr.Ustr
	Driver Driver
	State  interface{}
	next   *Mount
}

// VFS holds an ordered mount list. The package declares an instance,
// Global, but boot.Boot builds and mounts its own VFS and leaves Global
// empty.
type VFS struct {
	mounts *Mount
}

var Global VFS

// AddMount prepends m to the mount list. Order does not affect
// MountFor's outcome (longest-prefix always wins), only tie-breaking
// between mounts with identical prefixes, which the kernel never creates.
func (v *VFS) AddMount(m *Mount) {
	m.next = v.mounts
	v.mounts = m
}

// MountFor returns the mount whose prefix shares the longest run of
// leading characters with path.
func (v *VFS) MountFor(path ustr.Ustr) *Mount {
	var best *Mount
	bestLen := -1
	for m := v.mounts; m != nil; m = m.next {
		n := commonPrefixLen(m.Prefix, path)
		if n == len(m.Prefix) && n > bestLen {
			best = m
			bestLen = n
		}
	}
	return best
}

func commonPrefixLen(a, b ustr.Ustr) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// Handle is an open file: the driver and state that own it, the mount it
// was opened through, and a byte cursor for sequential reads (§3).
type Handle struct {
	Driver Driver
	State  interface{}
	Mount  *Mount
	Cursor int
	Size   int
}

// FindNode dispatches path to the mount with the longest matching prefix,
// stripping that prefix before calling into the driver.
func (v *VFS) FindNode(path ustr.Ustr) (Handle, error) {
	m := v.MountFor(path)
	if m == nil {
		return Handle{}, kerrno.NotFound
	}
	suffix := path[len(m.Prefix):]
	h, err := m.Driver.FindNode(m.State, suffix)
	if err != nil {
		return Handle{}, err
	}
	h.Mount = m
	return h, nil
}

// Read reads n bytes from h starting at its current cursor, advancing the
// cursor, and returns the bytes actually read.
func (v *VFS) Read(h *Handle, n int) ([]byte, error) {
	b, err := h.Driver.Read(h.State, h.Cursor, n)
	if err != nil {
		return nil, err
	}
	h.Cursor += len(b)
	return b, nil
}

// dirReader is implemented by drivers that support Readdir; Driver itself
// doesn't require it, since not every backing store need support listing.
type dirReader interface {
	Readdir(state interface{}) ([]DirEntry, error)
}

// Readdir lists h's children, if h's driver supports it.
func (v *VFS) Readdir(h *Handle) ([]DirEntry, error) {
	d, ok := h.Driver.(dirReader)
	if !ok {
		return nil, kerrno.Unsupported
	}
	return d.Readdir(h.State)
}
