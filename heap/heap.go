// Package heap is the kernel's general-purpose allocator: an intrusive
// doubly-linked free list over a reserved kernel virtual range that grows
// lazily by asking the VMM for one page at a time from the PFA (§4.3). The
// block-header shape and first-fit-with-split/merge algorithm are grounded
// on iansmith-mazarin's go/mazarin/heap.go (heapSegment: next/prev/
// isAllocated/segmentSize, kmalloc/kfree with eager neighbour coalescing)
// since the teacher runs atop the Go runtime's own allocator and has no
// analogous code. The package declares no global instance: Init returns
// the arena, and boot keeps the one it creates in Kernel.Heap.
package heap

import (
	"sync"
	"unsafe"

	"kernel/kerrno"
	"kernel/mem"
	"kernel/util"
	"kernel/vmm"
)

type header struct {
	used bool
	size int // total size including this header
	prev *header
	next *header
}

const headerSize = int(unsafe.Sizeof(header{}))

// Heap is the kernel's single free-list arena. Callers that can race with
// concurrent malloc/free must hold their own lock around calls into it;
// the heap is not itself thread-safe beyond serializing its own bookkeeping
// (§4.3).
type Heap struct {
	mu sync.Mutex

	vmm  *vmm.VMM
	root vmm.Root

	arenaStart uintptr
	arenaEnd   uintptr // exclusive; grows by one page at a time
	head       *header
}

// Init reserves the arena's starting virtual address; no pages are mapped
// until the first malloc forces an expand.
func Init(v *vmm.VMM, root vmm.Root, arenaStart uintptr) *Heap {
	return &Heap{vmm: v, root: root, arenaStart: arenaStart, arenaEnd: arenaStart}
}

func headerAt(addr uintptr) *header {
	return (*header)(unsafe.Pointer(addr))
}

func dataOf(h *header) uintptr {
	return uintptr(unsafe.Pointer(h)) + uintptr(headerSize)
}

// Malloc performs a first-fit forward scan from the arena start. If the
// chosen block is larger than n plus two headers, it is split in place,
// leaving a free tail block. Returns 0 on allocation failure.
func (h *Heap) Malloc(n int) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	need := util.Roundup(n+headerSize, 8)

	for {
		if addr := h.firstFit(need); addr != 0 {
			return addr
		}
		if !h.expand() {
			return 0
		}
	}
}

func (h *Heap) firstFit(need int) uintptr {
	for b := h.head; b != nil; b = b.next {
		if b.used || b.size < need {
			continue
		}
		if b.size > need+headerSize {
			h.split(b, need)
		}
		b.used = true
		return dataOf(b)
	}
	return 0
}

func (h *Heap) split(b *header, need int) {
	tailAddr := uintptr(unsafe.Pointer(b)) + uintptr(need)
	tail := headerAt(tailAddr)
	tail.used = false
	tail.size = b.size - need
	tail.prev = b
	tail.next = b.next
	if b.next != nil {
		b.next.prev = tail
	}
	b.next = tail
	b.size = need
}

// Free marks the block whose header sits at p-headerSize as free and
// merges it with each immediate neighbour that is also free. Freeing a
// pointer outside the arena is a no-op (§8.12).
func (h *Heap) Free(p uintptr) {
	if p == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if p < h.arenaStart+uintptr(headerSize) || p >= h.arenaEnd {
		return
	}
	b := headerAt(p - uintptr(headerSize))
	b.used = false

	if b.next != nil && !b.next.used {
		h.merge(b, b.next)
	}
	if b.prev != nil && !b.prev.used {
		h.merge(b.prev, b)
	}
}

// merge absorbs right into left; both must be free.
func (h *Heap) merge(left, right *header) {
	left.size += right.size
	left.next = right.next
	if right.next != nil {
		right.next.prev = left
	}
}

// expand obtains one fresh frame from the PFA, maps it at the arena's
// current end with KERNEL_WRITE, and converts it to a trailing free block,
// merged with the previous tail if that tail is free.
func (h *Heap) expand() bool {
	frame := h.vmm.PFA.Alloc(1)
	if frame == mem.NoFrame {
		return false
	}
	va := h.arenaEnd
	if err := h.vmm.Map(h.root, va, frame, vmm.WRITE); err != nil {
		h.vmm.PFA.SetLock(frame, 1, false)
		return false
	}
	h.arenaEnd += uintptr(mem.PGSIZE)

	nb := headerAt(va)
	nb.used = false
	nb.size = mem.PGSIZE
	nb.next = nil

	if h.head == nil {
		nb.prev = nil
		h.head = nb
		return true
	}
	tail := h.head
	for tail.next != nil {
		tail = tail.next
	}
	if !tail.used {
		h.merge(tail, nb)
	} else {
		tail.next = nb
		nb.prev = tail
	}
	return true
}

// Validate walks the free list checking the invariants of §8.5: every
// header reachable from the arena start via next, prev the inverse of
// next, and no two adjacent free neighbours.
func (h *Heap) Validate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var prev *header
	for b := h.head; b != nil; b = b.next {
		if b.prev != prev {
			return kerrno.InvalidArgument
		}
		if prev != nil && !prev.used && !b.used {
			return kerrno.InvalidArgument
		}
		prev = b
	}
	return nil
}

// SingleFreeBlock reports whether the arena currently consists of exactly
// one free block spanning the whole mapped range (§8.6).
func (h *Heap) SingleFreeBlock() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head != nil && h.head.next == nil && !h.head.used
}
