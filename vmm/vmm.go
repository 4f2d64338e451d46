// Package vmm is the virtual memory manager: it builds and mutates
// per-address-space page tables, implements copy-on-write fork, and owns
// the COW page-fault path. It is grounded on the teacher's vm package
// (vm/pmap.go's pmap_pgtbl walker, vm/vm.go's Vmregion/Ptefork, and
// proc/proc.go's Vm_fork) but generalizes the walker across an
// architecture-neutral Flags set and an Arch plugin instead of hard-coding
// x86_64 PTE bit layout, because this spec targets both x86_64 and
// AArch64 (§4.2).
package vmm

import (
	"sync"
	"unsafe"

	"kernel/kerrno"
	"kernel/mem"
)

// Flags are the architecture-neutral leaf attributes the rest of the
// kernel deals in; Arch implementations translate them to native PTE bits.
type Flags uint

const (
	WRITE Flags = 1 << iota
	USER
	COW
)

const (
	entriesPerTable = 512
	levels          = 4 // PML4/PDPT/PD/PT on x86_64; L0..L3 on AArch64
)

// Table is one level of the radix tree: 512 raw architecture-encoded
// entries, exactly the layout of one physical page when walked by Arch.
type Table [entriesPerTable]uint64

// Arch translates between the kernel's neutral Flags and the encoding a
// concrete architecture's page-table walker expects, and extracts the
// per-level index from a virtual address. x86_64 and AArch64
// implementations live in kernel/arch/x86_64 and kernel/arch/aarch64; the
// core never imports either (§4.8 contract boundary).
type Arch interface {
	// Attrs returns the native leaf bits for flags, OR'd with Present.
	Attrs(flags Flags) uint64
	// IntermediateAttrs returns the native bits for a non-leaf (table)
	// entry that must permit the union of everything beneath it.
	IntermediateAttrs() uint64
	Present(entry uint64) bool
	Writable(entry uint64) bool
	IsCOW(entry uint64) bool
	Frame(entry uint64) mem.Pa_t
	WithFrame(entry uint64, frame mem.Pa_t) uint64
	// ClearWriteSetCOW returns entry with WRITE cleared and COW set,
	// preserving Present/User/frame bits.
	ClearWriteSetCOW(entry uint64) uint64
	// ClearCOWSetWrite is the inverse, used when resolving a COW fault.
	ClearCOWSetWrite(entry uint64) uint64
	// Index returns the table index at level lvl (0 = root/PML4, levels-1
	// = leaf PT) for virtual address va.
	Index(va uintptr, lvl int) int
	// InvalidateTLB flushes the translation for va on the current core.
	InvalidateTLB(va uintptr)
}

// DirectMap is the reference implementation of the hardware direct-map
// window (teacher: vm/physmem.go's Dmap_init/Dmaplen/caddr): it lets the
// kernel address any physical frame backed by the PFA's tracked region as
// an ordinary Go value without a separate per-frame mapping step. A real
// arch backend installs this as an actual identity-mapped virtual range
// (§4.8); this implementation backs it with a flat byte arena so the core
// VMM logic is host-testable without real hardware.
type DirectMap struct {
	base  mem.Pa_t
	arena []byte
}

// NewDirectMap allocates an arena covering [base, base+length).
func NewDirectMap(base mem.Pa_t, length int) *DirectMap {
	return &DirectMap{base: base, arena: make([]byte, length)}
}

func (d *DirectMap) Table(pa mem.Pa_t) *Table {
	off := int(pa - d.base)
	if off < 0 || off+mem.PGSIZE > len(d.arena) {
		panic("vmm.DirectMap: physical address out of range")
	}
	return (*Table)(unsafe.Pointer(&d.arena[off]))
}

func (d *DirectMap) Bytes(pa mem.Pa_t, n int) []byte {
	off := int(pa - d.base)
	if off < 0 || off+n > len(d.arena) {
		panic("vmm.DirectMap: physical address out of range")
	}
	return d.arena[off : off+n]
}

// VMM is the kernel-wide virtual memory manager. One instance, Global, is
// constructed during boot and shared by every address space.
type VMM struct {
	PFA  *mem.PFA
	DM   *DirectMap
	Arch Arch

	// kernelHalf is populated once, by SeedKernelHalf, before any user
	// address space exists, and copied by CloneHigherHalf thereafter.
	mu         sync.Mutex
	kernelHalf [entriesPerTable]uint64
	kernelSet  bool
}

var Global VMM

// KernelHalfStart is the lowest virtual address whose root-level index
// falls in the shared kernel quarter installed by CloneHigherHalf (§4.2).
// Both Arch implementations index the root table with a 9-bit field
// shifted by 12+9*(levels-1) bits, so this boundary is architecture
// independent. IPC's PUSH/PEEK/POP use it to reject Array pointers into
// the kernel half with PermissionDenied (§4.7, §7).
const KernelHalfStart = uintptr(entriesPerTable-entriesPerTable/4) << (12 + 9*(levels-1))

// Root identifies a per-process top-level table by physical address.
type Root mem.Pa_t

const NoRoot Root = Root(mem.NoFrame)

// CreateTable acquires one free frame, zeroes it, and returns its
// address. Returns NoRoot on allocation failure.
func (v *VMM) CreateTable() Root {
	pa := v.PFA.Alloc(1)
	if pa == mem.NoFrame {
		return NoRoot
	}
	tbl := v.DM.Table(pa)
	for i := range tbl {
		tbl[i] = 0
	}
	return Root(pa)
}

// SeedKernelHalf records the upper-quarter entries that every address
// space must share, taken from an already-built root (typically the boot
// kernel's own). Call exactly once, before the first CloneHigherHalf.
func (v *VMM) SeedKernelHalf(from Root) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tbl := v.DM.Table(mem.Pa_t(from))
	upperStart := entriesPerTable - entriesPerTable/4
	copy(v.kernelHalf[upperStart:], tbl[upperStart:])
	v.kernelSet = true
}

// CloneHigherHalf shares the kernel-half root entries of dst with the
// recorded kernel half, so that kernel mappings appear identically in
// every process (§4.2). Must run exactly once per new address space,
// before any user mapping is installed.
func (v *VMM) CloneHigherHalf(dst Root) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.kernelSet {
		panic("vmm: CloneHigherHalf before SeedKernelHalf")
	}
	tbl := v.DM.Table(mem.Pa_t(dst))
	upperStart := entriesPerTable - entriesPerTable/4
	copy(tbl[upperStart:], v.kernelHalf[upperStart:])
}

// walk returns, for root and va, the leaf table and the index of the leaf
// entry within it, creating intermediate tables as needed when create is
// true. It returns (nil, 0) if create is false and any intermediate table
// is absent, or if create is true but a table allocation failed.
func (v *VMM) walk(root Root, va uintptr, create bool) (*Table, int) {
	cur := mem.Pa_t(root)
	for lvl := 0; lvl < levels-1; lvl++ {
		tbl := v.DM.Table(cur)
		idx := v.Arch.Index(va, lvl)
		entry := tbl[idx]
		if !v.Arch.Present(entry) {
			if !create {
				return nil, 0
			}
			childPa := v.PFA.Alloc(1)
			if childPa == mem.NoFrame {
				return nil, 0
			}
			child := v.DM.Table(childPa)
			for i := range child {
				child[i] = 0
			}
			tbl[idx] = v.Arch.WithFrame(v.Arch.IntermediateAttrs(), childPa)
			entry = tbl[idx]
		}
		cur = v.Arch.Frame(entry)
	}
	leaf := v.DM.Table(cur)
	return leaf, v.Arch.Index(va, levels-1)
}

// Map installs a leaf mapping from v to p with the given flags, walking
// or creating intermediate tables as needed. If a mapping already existed
// at v, its frame's reference is dropped before the new one is installed
// (idempotent replacement, §4.2). Map consumes the one reference pa
// already carries from its allocation (Alloc or a prior owner that is
// handing pa off); callers that want pa referenced by more than one
// mapping (fork) bump the refcount themselves before installing the
// second mapping.
func (v *VMM) Map(root Root, va uintptr, pa mem.Pa_t, flags Flags) error {
	leaf, idx := v.walk(root, va, true)
	if leaf == nil {
		return kerrno.OutOfMemory
	}
	old := leaf[idx]
	if v.Arch.Present(old) {
		v.PFA.RefDec(v.Arch.Frame(old))
	}
	leaf[idx] = v.Arch.WithFrame(v.Arch.Attrs(flags), pa)
	return nil
}

// Unmap clears the leaf entry for va if present, drops the outgoing
// frame's reference, and invalidates the TLB for va.
func (v *VMM) Unmap(root Root, va uintptr) {
	leaf, idx := v.walk(root, va, false)
	if leaf == nil {
		return
	}
	e := leaf[idx]
	if !v.Arch.Present(e) {
		return
	}
	leaf[idx] = 0
	v.PFA.RefDec(v.Arch.Frame(e))
	v.Arch.InvalidateTLB(va)
}

// Lookup returns the raw leaf entry for va and whether it is present.
func (v *VMM) Lookup(root Root, va uintptr) (uint64, bool) {
	leaf, idx := v.walk(root, va, false)
	if leaf == nil {
		return 0, false
	}
	e := leaf[idx]
	return e, v.Arch.Present(e)
}

// ForkCOW deep-copies the user portion of src into dst over [start, end)
// (page-aligned): every writable leaf becomes COW (WRITE cleared, COW set)
// on both sides with the frame's refcount incremented; non-writable
// leaves are mirrored as-is, also refcounted. The kernel half is left to
// an earlier CloneHigherHalf call (§4.2).
func (v *VMM) ForkCOW(src, dst Root, start, end uintptr) error {
	for va := start; va < end; va += uintptr(mem.PGSIZE) {
		leaf, idx := v.walk(src, va, false)
		if leaf == nil {
			// no table covers this page; move on one page at a time
			// rather than skipping the whole missing table's span.
			continue
		}
		e := leaf[idx]
		if !v.Arch.Present(e) {
			continue
		}
		frame := v.Arch.Frame(e)
		var newEntry uint64
		if v.Arch.Writable(e) {
			newEntry = v.Arch.ClearWriteSetCOW(e)
			leaf[idx] = newEntry
		} else {
			newEntry = e
		}
		dstLeaf, dstIdx := v.walk(dst, va, true)
		if dstLeaf == nil {
			return kerrno.OutOfMemory
		}
		dstLeaf[dstIdx] = newEntry
		v.PFA.RefInc(frame)
	}
	return nil
}

// DestroyAddressSpace walks the user half of root (the lower
// three-quarters of the root table; the upper quarter is the shared
// kernel half installed by CloneHigherHalf and is left untouched),
// dropping a reference on every mapped frame and freeing every
// intermediate table frame it visited, then frees the root table itself
// (task_delete_process, §4.6).
func (v *VMM) DestroyAddressSpace(root Root) {
	userLimit := entriesPerTable - entriesPerTable/4
	v.destroyLevel(mem.Pa_t(root), 0, userLimit)
	v.PFA.RefDec(mem.Pa_t(root))
}

func (v *VMM) destroyLevel(pa mem.Pa_t, lvl int, limit int) {
	tbl := v.DM.Table(pa)
	for idx := 0; idx < limit; idx++ {
		e := tbl[idx]
		if !v.Arch.Present(e) {
			continue
		}
		frame := v.Arch.Frame(e)
		if lvl < levels-1 {
			v.destroyLevel(frame, lvl+1, entriesPerTable)
		}
		v.PFA.RefDec(frame)
		tbl[idx] = 0
	}
}

// SetCurrent installs root as the active address space on the current
// core. The concrete register write (CR3/TTBR0) lives in the arch layer;
// this records the logical switch so tests and the scheduler can observe
// it without real hardware.
func (v *VMM) SetCurrent(root Root) {
	v.Arch.InvalidateTLB(0) // no-op placeholder hook kept for symmetry
	currentRoot.Store(uintptr(root))
}

var currentRoot atomicUintptr

type atomicUintptr struct {
	mu sync.Mutex
	v  uintptr
}

func (a *atomicUintptr) Store(v uintptr) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicUintptr) Load() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// CurrentRoot returns the address space most recently installed by
// SetCurrent on this (simulated single-core-view) instance.
func CurrentRoot() Root {
	return Root(currentRoot.Load())
}

// PageFault resolves a write fault against a present, COW-tagged page by
// duplicating the frame, remapping it writable, and dropping the old
// frame's reference (which may free it). Any other fault is reported as
// unresolved and is fatal per §4.2/§7.
func (v *VMM) PageFault(root Root, va uintptr, write bool) error {
	leaf, idx := v.walk(root, va, false)
	if leaf == nil {
		return kerrno.InvalidArgument
	}
	e := leaf[idx]
	if !v.Arch.Present(e) || !write || !v.Arch.IsCOW(e) {
		return kerrno.InvalidArgument
	}
	oldFrame := v.Arch.Frame(e)
	newFrame := v.PFA.Alloc(1)
	if newFrame == mem.NoFrame {
		return kerrno.OutOfMemory
	}
	copy(v.DM.Bytes(newFrame, mem.PGSIZE), v.DM.Bytes(oldFrame, mem.PGSIZE))
	leaf[idx] = v.Arch.ClearCOWSetWrite(v.Arch.WithFrame(e, newFrame))
	v.Arch.InvalidateTLB(va)
	v.PFA.RefDec(oldFrame)
	return nil
}
