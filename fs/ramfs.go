package fs

import (
	"kernel/kerrno"
	"kernel/ustr"
)

// RamfsNode is a tree node: name, kind, and sibling/child links (§3). File
// nodes additionally carry a slice viewing the still-mapped initrd image
// directly, so ingest never copies file payloads.
type RamfsNode struct {
	Name        ustr.Ustr
	Kind        NodeKind
	Parent      *RamfsNode
	Sibling     *RamfsNode
	FirstChild  *RamfsNode

	Data []byte // valid only when Kind == FILE
}

// Ramfs is one mounted RAMFS's private driver state: just the root node.
type Ramfs struct {
	Root *RamfsNode
}

// NewRamfs creates an empty RAMFS with a root directory whose name is
// empty, matching the mount prefix convention (§4.4).
func NewRamfs() *Ramfs {
	return &Ramfs{Root: &RamfsNode{Name: ustr.Mk(), Kind: DIR}}
}

func (r *Ramfs) childNamed(parent *RamfsNode, name ustr.Ustr) *RamfsNode {
	for c := parent.FirstChild; c != nil; c = c.Sibling {
		if c.Name.Eq(name) {
			return c
		}
	}
	return nil
}

func (r *Ramfs) appendChild(parent, child *RamfsNode) {
	child.Parent = parent
	child.Sibling = parent.FirstChild
	parent.FirstChild = child
}

// Mkdir appends a new directory named name under parent.
func (r *Ramfs) Mkdir(parent *RamfsNode, name ustr.Ustr) *RamfsNode {
	n := &RamfsNode{Name: append(ustr.Ustr{}, name...), Kind: DIR}
	r.appendChild(parent, n)
	return n
}

// Mkfile appends a new file named name under parent.
func (r *Ramfs) Mkfile(parent *RamfsNode, name ustr.Ustr) *RamfsNode {
	n := &RamfsNode{Name: append(ustr.Ustr{}, name...), Kind: FILE}
	r.appendChild(parent, n)
	return n
}

// FindNode implements Driver: it walks the tree tokenizing suffix on '/'.
func (r *Ramfs) FindNode(state interface{}, suffix ustr.Ustr) (Handle, error) {
	cur := r.Root
	for _, tok := range ustr.Split(suffix) {
		child := r.childNamed(cur, tok)
		if child == nil {
			return Handle{}, kerrno.NotFound
		}
		cur = child
	}
	size := 0
	if cur.Kind == FILE {
		size = len(cur.Data)
	}
	return Handle{Driver: r, State: cur, Cursor: 0, Size: size}, nil
}

// Read implements Driver: it copies n bytes from state.Data starting at
// cursor, failing if the request would read past the file's length.
func (r *Ramfs) Read(state interface{}, cursor int, n int) ([]byte, error) {
	node := state.(*RamfsNode)
	if node.Kind != FILE {
		return nil, kerrno.InvalidArgument
	}
	if cursor < 0 || cursor+n > len(node.Data) {
		return nil, kerrno.OutOfRange
	}
	return node.Data[cursor : cursor+n], nil
}

// DirEntry is one child of a directory, as returned by Readdir.
type DirEntry struct {
	Name ustr.Ustr
	Kind NodeKind
}

// Readdir lists the immediate children of a directory handle's node,
// most-recently-created first, since appendChild links each new child at
// the head of the list. Fails InvalidArgument if state is not a
// directory node.
func (r *Ramfs) Readdir(state interface{}) ([]DirEntry, error) {
	node := state.(*RamfsNode)
	if node.Kind != DIR {
		return nil, kerrno.InvalidArgument
	}
	var entries []DirEntry
	for c := node.FirstChild; c != nil; c = c.Sibling {
		entries = append(entries, DirEntry{Name: c.Name, Kind: c.Kind})
	}
	return entries, nil
}
