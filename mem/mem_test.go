package mem

import "testing"

func TestInitScenarioA(t *testing.T) {
	var p PFA
	mmap := []MemMapEntry{{Type: Conventional, PhysicalStart: 0x1000, NumberOfPages: 256}}
	if err := p.Init(mmap); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := p.BitmapLen(); got != 32 {
		t.Fatalf("bitmap length = %d, want 32", got)
	}
	for i := 0; i < 8; i++ {
		if !bitGet(p.bitmap, i) {
			t.Fatalf("frame %d should be locked (bitmap storage)", i)
		}
	}
	for i := 8; i < 256; i++ {
		if bitGet(p.bitmap, i) {
			t.Fatalf("frame %d should be free", i)
		}
	}
}

func TestFindFreeLowestAddress(t *testing.T) {
	var p PFA
	mmap := []MemMapEntry{{Type: Conventional, PhysicalStart: 0, NumberOfPages: 64}}
	if err := p.Init(mmap); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// frame 0 (bitmap storage, 1 page) is locked; lock frame 3 as well so
	// frames 1-2 form the lowest free 2-frame run, ahead of the run from 4.
	p.SetLock(p.base+Pa_t(3*PGSIZE), 1, true)
	addr := p.FindFree(2)
	if addr != p.base+Pa_t(1*PGSIZE) {
		t.Fatalf("FindFree(2) = %#x, want frame 1", addr)
	}
}

func TestFindFreeNoneSentinel(t *testing.T) {
	var p PFA
	mmap := []MemMapEntry{{Type: Conventional, PhysicalStart: 0, NumberOfPages: 4}}
	p.Init(mmap)
	if addr := p.FindFree(100); addr != NoFrame {
		t.Fatalf("FindFree(100) = %#x, want NoFrame", addr)
	}
}

func TestSetLockBoundaryHalfOpen(t *testing.T) {
	var p PFA
	mmap := []MemMapEntry{{Type: Conventional, PhysicalStart: 0, NumberOfPages: 4}}
	p.Init(mmap)
	// last valid frame index is 3; locking it must succeed.
	if err := p.SetLock(p.base+Pa_t(3*PGSIZE), 1, true); err != nil {
		t.Fatalf("locking last valid frame failed: %v", err)
	}
	// one frame past the end must fail.
	if err := p.SetLock(p.base+Pa_t(4*PGSIZE), 1, true); err == nil {
		t.Fatalf("locking frame 4 of a 4-frame region should fail")
	}
}

func TestRefcountClearsBitmapAtZero(t *testing.T) {
	var p PFA
	mmap := []MemMapEntry{{Type: Conventional, PhysicalStart: 0, NumberOfPages: 4}}
	p.Init(mmap)
	p.InitRefcount()
	f := p.base + Pa_t(1*PGSIZE)
	p.SetLock(f, 1, true)
	p.RefInc(f)
	p.RefInc(f)
	if !p.Locked(f) {
		t.Fatalf("frame should still be locked")
	}
	if p.RefDec(f) {
		t.Fatalf("first RefDec should not free the frame")
	}
	if !p.RefDec(f) {
		t.Fatalf("second RefDec should free the frame")
	}
	if p.Locked(f) {
		t.Fatalf("frame should be free after refcount hits zero")
	}
}

func TestAllocLocksRun(t *testing.T) {
	var p PFA
	mmap := []MemMapEntry{{Type: Conventional, PhysicalStart: 0, NumberOfPages: 16}}
	p.Init(mmap)
	p.InitRefcount()
	addr := p.Alloc(3)
	if addr == NoFrame {
		t.Fatalf("Alloc(3) failed")
	}
	for i := 0; i < 3; i++ {
		if !p.Locked(addr + Pa_t(i*PGSIZE)) {
			t.Fatalf("frame %d of allocation not locked", i)
		}
	}
}
