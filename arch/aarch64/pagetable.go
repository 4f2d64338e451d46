// Package aarch64 is the AArch64 half of the architecture contract (§4.8):
// it supplies the VMM's Arch plugin for a 4-level translation table walk
// (L0..L3). The exception-frame shape the scheduler resumes into is
// sched.InterruptFrame; this package does not define one.
// Grounded on the style of iansmith-mazarin's mazboot/golang/main/mmu.go
// and go/mazarin/page.go (register-bit-named constants, TTBR-relative
// walk) rather than the teacher, which is x86_64-only; biscuit supplied
// the package shape (one Arch value implementing vmm.Arch), mazarin
// supplied the AArch64 descriptor bit names.
package aarch64

import (
	"kernel/mem"
	"kernel/vmm"
)

// Translation table descriptor bits, AArch64 long-descriptor format.
const (
	DESC_VALID uint64 = 1 << 0
	DESC_TABLE uint64 = 1 << 1 // table descriptor at levels 0-2; page descriptor at L3
	AP_RO      uint64 = 1 << 7 // AP[2]: 1 = read-only, 0 = read-write
	AP_EL0     uint64 = 1 << 6 // AP[1]: 1 = accessible at EL0 (user)
	AF         uint64 = 1 << 10
)

const descAddrMask uint64 = 0x0000fffffffff000

// Arch implements vmm.Arch for AArch64's 4-level (L0-L3) walk. There is no
// separate software COW bit on this target: per §4.2, COW is represented
// by the hardware read-only attribute alone, so IsCOW reports true for
// any present, user, read-only leaf (the only way such a leaf state
// arises in this kernel is ForkCOW/PageFault, since there is no general
// read-only mmap in scope).
type Arch struct{}

func (Arch) Attrs(flags vmm.Flags) uint64 {
	bits := DESC_VALID | DESC_TABLE | AF
	if flags&vmm.USER != 0 {
		bits |= AP_EL0
	}
	if flags&vmm.WRITE == 0 || flags&vmm.COW != 0 {
		bits |= AP_RO
	}
	return bits
}

func (Arch) IntermediateAttrs() uint64 {
	return DESC_VALID | DESC_TABLE
}

func (Arch) Present(e uint64) bool { return e&DESC_VALID != 0 }
func (Arch) Writable(e uint64) bool {
	return e&DESC_VALID != 0 && e&AP_RO == 0
}
func (Arch) IsCOW(e uint64) bool {
	return e&DESC_VALID != 0 && e&AP_EL0 != 0 && e&AP_RO != 0
}

func (Arch) Frame(e uint64) mem.Pa_t {
	return mem.Pa_t(e & descAddrMask)
}

func (Arch) WithFrame(e uint64, frame mem.Pa_t) uint64 {
	return (e &^ descAddrMask) | (uint64(frame) & descAddrMask)
}

func (Arch) ClearWriteSetCOW(e uint64) uint64 {
	return e | AP_RO
}

func (Arch) ClearCOWSetWrite(e uint64) uint64 {
	return e &^ AP_RO
}

func (Arch) Index(va uintptr, lvl int) int {
	shift := uint(12 + 9*(3-lvl))
	return int((va >> shift) & 0x1ff)
}

func (Arch) InvalidateTLB(va uintptr) {
	tlbi(va)
}

// tlbi issues "tlbi vaae1is" (or equivalent) for va; real implementation
// is arch glue (§4.8).
var tlbi = func(va uintptr) {}
