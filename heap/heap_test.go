package heap

import (
	"testing"
	"unsafe"

	x86 "kernel/arch/x86_64"
	"kernel/mem"
	"kernel/vmm"
)

func ptrOf(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p)
}

func newTestHeap(t *testing.T, frames int) *Heap {
	t.Helper()
	pfa := &mem.PFA{}
	if err := pfa.Init([]mem.MemMapEntry{{Type: mem.Conventional, PhysicalStart: 0, NumberOfPages: uint64(frames)}}); err != nil {
		t.Fatalf("pfa init: %v", err)
	}
	pfa.InitRefcount()
	v := &vmm.VMM{PFA: pfa, DM: vmm.NewDirectMap(pfa.Base(), frames*mem.PGSIZE), Arch: x86.Arch{}}
	root := v.CreateTable()
	return Init(v, root, 0x10000)
}

func TestMallocFreeRoundtrip(t *testing.T) {
	h := newTestHeap(t, 64)
	p := h.Malloc(128)
	if p == 0 {
		t.Fatal("malloc failed")
	}
	buf := (*[128]byte)(ptrOf(p))
	for i := range buf {
		buf[i] = 0xAA
	}
	h.Free(p)
	if !h.SingleFreeBlock() {
		t.Fatal("expected a single free block after malloc+free on a fresh arena")
	}
}

func TestFreeOutsideArenaIsNoop(t *testing.T) {
	h := newTestHeap(t, 64)
	h.Malloc(16) // force expand so arena bounds are non-trivial
	h.Free(0xdeadbeef)
	if err := h.Validate(); err != nil {
		t.Fatalf("heap corrupted by out-of-range free: %v", err)
	}
}

func TestSplitAndMergeKeepsInvariant(t *testing.T) {
	h := newTestHeap(t, 64)
	a := h.Malloc(64)
	b := h.Malloc(64)
	c := h.Malloc(64)
	if a == 0 || b == 0 || c == 0 {
		t.Fatal("mallocs failed")
	}
	h.Free(b)
	if err := h.Validate(); err != nil {
		t.Fatalf("validate after middle free: %v", err)
	}
	h.Free(a)
	h.Free(c)
	if err := h.Validate(); err != nil {
		t.Fatalf("validate after all free: %v", err)
	}
}
