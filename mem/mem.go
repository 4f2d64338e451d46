// Package mem is the physical page-frame allocator (PFA): a bitmap over
// physical memory plus an optional per-frame refcount array. It is
// grounded on the shape of the teacher's mem/vm.Physmem_t singleton (one
// global, mutex-guarded struct with Pa_t/PGSIZE types and Refup/Refdown
// naming) but its allocation algorithm is the bitmap scan the spec
// mandates (§3, §4.1) in place of the teacher's per-CPU free list, and its
// ownership model is "what does this frame's bit say" rather than "is this
// frame on a free list".
package mem

import "sync"

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT

// Pa_t is a physical address or frame-aligned physical frame number
// depending on context; call sites that care are explicit about which.
type Pa_t uintptr

// MemType is the boot memory map's region classification. Only
// Conventional is ever handed to the PFA as free.
type MemType uint32

const Conventional MemType = 7

// MemMapEntry mirrors the fields the PFA consumes from the bootloader's
// memory map, named exactly as §6 describes them.
type MemMapEntry struct {
	Type             MemType
	PhysicalStart    Pa_t
	NumberOfPages    uint64
}

const NoFrame Pa_t = ^Pa_t(0)

// PFA is the page-frame allocator. One instance, Global, is constructed by
// Init during boot and never torn down; all operations after Init acquire
// lk rather than replicating the raw globals of the teacher's Physmem_t.
type PFA struct {
	lk sync.Mutex

	base   Pa_t // physical address of frame 0 of the bitmap's domain
	length int  // bytes covered, i.e. frames = length / PGSIZE

	bitmap   []byte  // 1 bit per frame; set == locked/owned
	refcount []uint16 // optional, same length in frames as bitmap covers
}

// Global is the kernel's single PFA instance, populated once by Init
// during boot per §4.1/§9 (single-init, never-teardown global).
var Global PFA

func frames(length int) int {
	return length / PGSIZE
}

func bitmapBytes(nframes int) int {
	return (nframes + 7) / 8
}

// Init builds the PFA bitmap from the bootloader memory map. It picks the
// first Conventional region as storage for the bitmap itself, sets base to
// the lowest physical start and length to cover up to the highest region
// end, locks every frame, clears the Conventional ranges, and finally
// re-locks the frames occupied by the bitmap storage.
func (p *PFA) Init(mmap []MemMapEntry) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	var bitmapRegion *MemMapEntry
	var base Pa_t = NoFrame
	var end Pa_t

	for i := range mmap {
		e := &mmap[i]
		if e.Type != Conventional {
			continue
		}
		if bitmapRegion == nil {
			bitmapRegion = e
		}
		if base == NoFrame || e.PhysicalStart < base {
			base = e.PhysicalStart
		}
		regionEnd := e.PhysicalStart + Pa_t(e.NumberOfPages)*Pa_t(PGSIZE)
		if regionEnd > end {
			end = regionEnd
		}
	}
	if bitmapRegion == nil {
		return errOOM
	}

	p.base = base
	p.length = int(end - base)
	nframes := frames(p.length)
	p.bitmap = make([]byte, bitmapBytes(nframes))

	// Fill with ones: every frame starts locked.
	for i := range p.bitmap {
		p.bitmap[i] = 0xff
	}

	// Clear bits for every Conventional range: those frames are free.
	for i := range mmap {
		e := &mmap[i]
		if e.Type != Conventional {
			continue
		}
		start := int((e.PhysicalStart - p.base) / Pa_t(PGSIZE))
		n := int(e.NumberOfPages)
		p.setLockLocked(start, n, false)
	}

	// Re-lock the frames the bitmap itself occupies.
	bitmapFrames := util_roundupDiv(len(p.bitmap), PGSIZE)
	bitmapStart := int((bitmapRegion.PhysicalStart - p.base) / Pa_t(PGSIZE))
	p.setLockLocked(bitmapStart, bitmapFrames, true)

	return nil
}

func util_roundupDiv(n, d int) int {
	return (n + d - 1) / d
}

// InitRefcount allocates a refcount array covering every frame tracked by
// the bitmap. Call once, after Init, if the caller wants ref_inc/ref_dec.
func (p *PFA) InitRefcount() {
	p.lk.Lock()
	defer p.lk.Unlock()
	p.refcount = make([]uint16, frames(p.length))
}

var errOOM = Err{kind: "out of memory"}

// Err is a tiny local error type; mem does not import kerrno, so its
// errors are Err values rather than kerrno.Err_t.
type Err struct{ kind string }

func (e Err) Error() string { return e.kind }

func (p *PFA) frameIndex(addr Pa_t) (int, bool) {
	if addr < p.base {
		return 0, false
	}
	idx := int((addr - p.base) / Pa_t(PGSIZE))
	if idx >= frames(p.length) {
		return 0, false
	}
	return idx, true
}

func bitGet(bm []byte, i int) bool {
	return bm[i/8]&(1<<uint(i%8)) != 0
}

func bitSet(bm []byte, i int, v bool) {
	mask := byte(1 << uint(i%8))
	if v {
		bm[i/8] |= mask
	} else {
		bm[i/8] &^= mask
	}
}

// FindFree scans for the lowest-addressed run of n consecutive clear bits
// and returns the physical address of the first frame in the run. Returns
// NoFrame if no such run exists.
func (p *PFA) FindFree(n int) Pa_t {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.findFreeLocked(n)
}

func (p *PFA) findFreeLocked(n int) Pa_t {
	if n <= 0 {
		return NoFrame
	}
	total := frames(p.length)
	run := 0
	for i := 0; i < total; i++ {
		if bitGet(p.bitmap, i) {
			run = 0
			continue
		}
		run++
		if run == n {
			first := i - n + 1
			return p.base + Pa_t(first*PGSIZE)
		}
	}
	return NoFrame
}

// Alloc finds n free frames and locks them atomically, returning the
// physical address of the first. Returns NoFrame on exhaustion.
func (p *PFA) Alloc(n int) Pa_t {
	p.lk.Lock()
	defer p.lk.Unlock()
	addr := p.findFreeLocked(n)
	if addr == NoFrame {
		return NoFrame
	}
	idx, _ := p.frameIndex(addr)
	for i := 0; i < n; i++ {
		bitSet(p.bitmap, idx+i, true)
		if p.refcount != nil {
			p.refcount[idx+i] = 1
		}
	}
	return addr
}

// SetLock sets or clears n consecutive bits starting at the frame
// containing frame. Fails OutOfRange if any frame in the run lies outside
// the tracked domain (half-open interval: the last valid frame index is
// frames(length)-1, so idx+n must be <= frames(length)).
func (p *PFA) SetLock(frame Pa_t, n int, lock bool) error {
	p.lk.Lock()
	defer p.lk.Unlock()
	idx, ok := p.frameIndex(frame)
	if !ok || idx+n > frames(p.length) || n < 0 {
		return errOutOfRange
	}
	p.setLockLocked(idx, n, lock)
	return nil
}

var errOutOfRange = Err{kind: "out of range"}

func (p *PFA) setLockLocked(idx, n int, lock bool) {
	total := frames(p.length)
	for i := idx; i < idx+n && i < total; i++ {
		if i < 0 {
			continue
		}
		bitSet(p.bitmap, i, lock)
	}
}

// RefInc increments the refcount of the frame containing addr. Panics if
// no refcount array was configured; callers that need refcounting must
// call InitRefcount first.
func (p *PFA) RefInc(addr Pa_t) {
	p.lk.Lock()
	defer p.lk.Unlock()
	idx, ok := p.frameIndex(addr)
	if !ok {
		panic("mem.RefInc: frame out of range")
	}
	p.refcount[idx]++
	bitSet(p.bitmap, idx, true)
}

// RefDec decrements the refcount of the frame containing addr. When the
// refcount reaches zero the bitmap bit is cleared, returning the frame to
// the free pool; it returns true in that case.
func (p *PFA) RefDec(addr Pa_t) bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	idx, ok := p.frameIndex(addr)
	if !ok {
		panic("mem.RefDec: frame out of range")
	}
	if p.refcount[idx] == 0 {
		panic("mem.RefDec: refcount underflow")
	}
	p.refcount[idx]--
	if p.refcount[idx] == 0 {
		bitSet(p.bitmap, idx, false)
		return true
	}
	return false
}

// Refcount returns the current refcount of the frame containing addr, or 0
// if no refcount array is configured.
func (p *PFA) Refcount(addr Pa_t) int {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.refcount == nil {
		return 0
	}
	idx, ok := p.frameIndex(addr)
	if !ok {
		return 0
	}
	return int(p.refcount[idx])
}

// Locked reports whether the frame containing addr is currently marked
// owned. Used by tests and by the VMM's sanity checks.
func (p *PFA) Locked(addr Pa_t) bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	idx, ok := p.frameIndex(addr)
	if !ok {
		return false
	}
	return bitGet(p.bitmap, idx)
}

// BitmapLen returns the bitmap's length in bytes, for tests that check the
// concrete boot scenario in §8.A.
func (p *PFA) BitmapLen() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.bitmap)
}

// Base returns the physical address backing frame 0.
func (p *PFA) Base() Pa_t {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.base
}
