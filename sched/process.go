package sched

import (
	"kernel/elf"
	"kernel/vmm"
)

// Pid is a process id, drawn from a monotonic counter; Parent == nil only
// for the first process (§3).
type Pid int

// Process is one address space and its threads (§3). Children of P all
// have Parent == P; when P is destroyed every descendant is destroyed
// first (task_delete_process, §4.6).
type Process struct {
	ID   Pid
	Name string

	Image *elf.Image
	Root  vmm.Root

	// IPCEntryPoint is the address a METHOD/SIGNAL handler thread starts
	// at; zero means this process has not registered one (§4.7).
	IPCEntryPoint uintptr

	Threads map[Tid]*Thread
	NextTid Tid

	Parent   *Process
	Children []*Process

	// UserRanges records every disjoint [lo, hi) span this process has
	// mapped in its user half (one per ELF segment, one per thread
	// stack). TaskFork's copy-on-write walk iterates these instead of
	// the full address range, since fork_cow's per-page walk (§4.2) is
	// only cheap over the pages a process actually uses: ELF segments
	// sit near the bottom of the address space and stacks near the top,
	// so a single [low, high) span would force it to walk the entire
	// unused gap between them one page at a time.
	UserRanges []userRange
}

type userRange struct{ lo, hi uintptr }

func newProcess(id Pid, name string, root vmm.Root, parent *Process) *Process {
	return &Process{
		ID:      id,
		Name:    name,
		Root:    root,
		Threads: make(map[Tid]*Thread),
		NextTid: 1,
		Parent:  parent,
	}
}

// trackUser records [lo, hi) as a user-mapped span, merging it into an
// existing range when it overlaps or abuts one.
func (p *Process) trackUser(lo, hi uintptr) {
	for i := range p.UserRanges {
		r := &p.UserRanges[i]
		if hi < r.lo || lo > r.hi {
			continue
		}
		if lo < r.lo {
			r.lo = lo
		}
		if hi > r.hi {
			r.hi = hi
		}
		return
	}
	p.UserRanges = append(p.UserRanges, userRange{lo: lo, hi: hi})
}

func (p *Process) addChild(c *Process) {
	p.Children = append(p.Children, c)
}

func (p *Process) removeChild(c *Process) {
	for i, ch := range p.Children {
		if ch == c {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			return
		}
	}
}
