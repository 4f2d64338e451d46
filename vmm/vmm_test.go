package vmm_test

import (
	"testing"

	x86 "kernel/arch/x86_64"
	"kernel/mem"
	. "kernel/vmm"
)

func newTestVMM(t *testing.T, frames int) (*VMM, *mem.PFA) {
	t.Helper()
	pfa := &mem.PFA{}
	if err := pfa.Init([]mem.MemMapEntry{{Type: mem.Conventional, PhysicalStart: 0, NumberOfPages: uint64(frames)}}); err != nil {
		t.Fatalf("pfa init: %v", err)
	}
	pfa.InitRefcount()
	v := &VMM{PFA: pfa, DM: NewDirectMap(pfa.Base(), frames*mem.PGSIZE), Arch: x86.Arch{}}
	return v, pfa
}

func TestMapUnmapRoundtrip(t *testing.T) {
	v, pfa := newTestVMM(t, 64)
	root := v.CreateTable()
	if root == NoRoot {
		t.Fatal("CreateTable failed")
	}
	page := pfa.Alloc(1)
	va := uintptr(0x400000)
	if err := v.Map(root, va, page, WRITE|USER); err != nil {
		t.Fatalf("Map: %v", err)
	}
	e, ok := v.Lookup(root, va)
	if !ok {
		t.Fatal("mapping not present after Map")
	}
	if (x86.Arch{}).Frame(e) != page {
		t.Fatalf("mapped frame mismatch")
	}
	v.Unmap(root, va)
	if _, ok := v.Lookup(root, va); ok {
		t.Fatal("mapping still present after Unmap")
	}
}

func TestMapIdempotentReplaceDropsOldRef(t *testing.T) {
	v, pfa := newTestVMM(t, 64)
	root := v.CreateTable()
	va := uintptr(0x400000)
	first := pfa.Alloc(1)
	second := pfa.Alloc(1)
	v.Map(root, va, first, WRITE|USER)
	if pfa.Refcount(first) != 1 {
		t.Fatalf("refcount(first) = %d, want 1", pfa.Refcount(first))
	}
	v.Map(root, va, second, WRITE|USER)
	if pfa.Refcount(first) != 0 {
		t.Fatalf("refcount(first) after replace = %d, want 0", pfa.Refcount(first))
	}
	if !pfa.Locked(second) {
		t.Fatalf("second frame should be locked")
	}
}

func TestCloneHigherHalfSharesKernelEntries(t *testing.T) {
	v, _ := newTestVMM(t, 64)
	kroot := v.CreateTable()
	ktbl := v.DM.Table(mem.Pa_t(kroot))
	ktbl[511] = 0xdeadb000 | x86.PTE_P | x86.PTE_W
	v.SeedKernelHalf(kroot)

	uroot := v.CreateTable()
	v.CloneHigherHalf(uroot)
	utbl := v.DM.Table(mem.Pa_t(uroot))
	if utbl[511] != ktbl[511] {
		t.Fatalf("kernel half not shared: got %#x want %#x", utbl[511], ktbl[511])
	}
}

func TestForkCOWAndPageFault(t *testing.T) {
	v, pfa := newTestVMM(t, 64)
	parent := v.CreateTable()
	child := v.CreateTable()
	frame := pfa.Alloc(1)
	va := uintptr(0x500000)
	v.Map(parent, va, frame, WRITE|USER)
	v.DM.Bytes(frame, 8)[0] = 0xAA

	if err := v.ForkCOW(parent, child, va, va+uintptr(mem.PGSIZE)); err != nil {
		t.Fatalf("ForkCOW: %v", err)
	}

	pe, _ := v.Lookup(parent, va)
	ce, _ := v.Lookup(child, va)
	arch := x86.Arch{}
	if arch.Writable(pe) {
		t.Fatalf("parent leaf should have lost WRITE after fork")
	}
	if !arch.IsCOW(pe) || !arch.IsCOW(ce) {
		t.Fatalf("both leaves should be COW after fork")
	}
	if pfa.Refcount(frame) != 2 {
		t.Fatalf("refcount after fork = %d, want 2", pfa.Refcount(frame))
	}

	// parent writes: triggers COW fault, duplicates the frame.
	if err := v.PageFault(parent, va, true); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	pe2, _ := v.Lookup(parent, va)
	if !arch.Writable(pe2) || arch.IsCOW(pe2) {
		t.Fatalf("parent leaf should be writable, non-COW after fault")
	}
	newFrame := arch.Frame(pe2)
	if newFrame == frame {
		t.Fatalf("parent should now point at a distinct frame")
	}
	if pfa.Refcount(frame) != 1 {
		t.Fatalf("old frame refcount after fault = %d, want 1 (child still holds it)", pfa.Refcount(frame))
	}
	// child's page is untouched.
	ce2, _ := v.Lookup(child, va)
	if arch.Frame(ce2) != frame {
		t.Fatalf("child mapping should be unchanged")
	}
	if v.DM.Bytes(frame, 1)[0] != 0xAA {
		t.Fatalf("child's (original) frame contents should be unchanged")
	}
}
