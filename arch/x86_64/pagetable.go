// Package x86_64 is the x86_64 half of the architecture contract described
// in §4.8: it supplies only the VMM's Arch plugin (PTE bit layout, 4-level
// PML4/PDPT/PD/PT indexing). It is grounded on the teacher's vm/pmap.go bit
// constants; everything below the VMM plugin boundary (GDT/IDT/MSR setup,
// the syscall/interrupt entry stubs, AP bring-up) is out of scope per §1's
// non-goals. The saved-frame shape the core resumes is sched.InterruptFrame,
// which this package does not define.
package x86_64

import (
	"kernel/mem"
	"kernel/vmm"
)

// PTE bit layout, identical to the hardware encoding.
const (
	PTE_P   uint64 = 1 << 0
	PTE_W   uint64 = 1 << 1
	PTE_U   uint64 = 1 << 2
	PTE_COW uint64 = 1 << 9 // software-reserved AVL bit
)

const pteAddrMask uint64 = 0x000ffffffffff000

// Arch implements vmm.Arch for x86_64's 4-level paging.
type Arch struct{}

func (Arch) Attrs(flags vmm.Flags) uint64 {
	bits := PTE_P
	if flags&vmm.WRITE != 0 {
		bits |= PTE_W
	}
	if flags&vmm.USER != 0 {
		bits |= PTE_U
	}
	if flags&vmm.COW != 0 {
		bits |= PTE_COW
		bits &^= PTE_W
	}
	return bits
}

func (Arch) IntermediateAttrs() uint64 {
	return PTE_P | PTE_W | PTE_U
}

func (Arch) Present(e uint64) bool { return e&PTE_P != 0 }
func (Arch) Writable(e uint64) bool {
	return e&PTE_P != 0 && e&PTE_W != 0
}
func (Arch) IsCOW(e uint64) bool { return e&PTE_COW != 0 }

func (Arch) Frame(e uint64) mem.Pa_t {
	return mem.Pa_t(e & pteAddrMask)
}

func (Arch) WithFrame(e uint64, frame mem.Pa_t) uint64 {
	return (e &^ pteAddrMask) | (uint64(frame) & pteAddrMask)
}

func (Arch) ClearWriteSetCOW(e uint64) uint64 {
	return (e &^ PTE_W) | PTE_COW
}

func (Arch) ClearCOWSetWrite(e uint64) uint64 {
	return (e &^ PTE_COW) | PTE_W
}

// Index extracts the 9-bit index for level lvl (0=PML4 .. 3=PT) from va:
// every level is addressed by its own shifted field. Linking a newly
// created child table into its parent is done by vmm's walk, which always
// installs the child's own frame.
func (Arch) Index(va uintptr, lvl int) int {
	shift := uint(12 + 9*(3-lvl))
	return int((va >> shift) & 0x1ff)
}

func (Arch) InvalidateTLB(va uintptr) {
	invlpg(va)
}

// invlpg issues the architecture TLB-invalidation instruction for va. The
// real instruction is arch-glue (§4.8); this hook exists so the core can
// call it uniformly and a build targeting real x86_64 hardware can supply
// the actual INVLPG via assembly without touching vmm.
var invlpg = func(va uintptr) {}
