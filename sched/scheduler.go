package sched

import (
	"sync"

	"kernel/elf"
	"kernel/fs"
	"kernel/hashtable"
	"kernel/kerrno"
	"kernel/mem"
	"kernel/ustr"
	"kernel/vmm"
)

// UserStackPages is the fixed number of pages task_new_thread maps for a
// fresh thread's user stack (§4.6).
const UserStackPages = 4

// userStackSlot is the per-thread stack footprint, including one unmapped
// guard page below it so a stack overrun faults instead of colliding with
// the thread below it.
const userStackSlot = uintptr(UserStackPages+1) * uintptr(mem.PGSIZE)

// userStackRegionTop is the fixed virtual address below which every
// process's thread stacks are laid out, one slot per tid, growing down.
const userStackRegionTop = uintptr(0x00007ffffffff000)

// ThreadSegmentDefaults holds the user code/stack segment selectors (or,
// on AArch64, exception-level encoding) and the interrupts-enabled flags
// value a fresh thread's InterruptFrame is built with. The arch layer
// installs this exactly once during boot (§4.8); the scheduler core never
// picks concrete values itself.
var ThreadSegmentDefaults SegmentDefaults

// Scheduler is the kernel-wide scheduler: one ready queue, one process
// table, one task lock, grounded on the teacher's proc.Ptable (a
// hashtable-backed global process table) and Proc_t's thread bookkeeping,
// generalized to the FIFO round-robin algorithm of §4.6.
type Scheduler struct {
	mu sync.Mutex // the task lock: guards everything below plus every
	// process's thread list and address-space mutations (§5).

	readyHead, readyTail *Thread
	processes            *hashtable.Hashtable_t
	nextPid              Pid
	enabled              bool

	VMM *vmm.VMM
	VFS *fs.VFS
	PFA *mem.PFA
}

// Global is the kernel's single scheduler instance, populated once by
// TaskInit during boot (§9's single-init-global discipline).
var Global = Scheduler{processes: hashtable.Mk(64), nextPid: 1}

// New constructs a scheduler wired to the given memory/filesystem
// subsystems; used by tests that want an isolated instance rather than
// mutating Global.
func New(pfa *mem.PFA, v *vmm.VMM, vfs *fs.VFS) *Scheduler {
	return &Scheduler{processes: hashtable.Mk(64), nextPid: 1, PFA: pfa, VMM: v, VFS: vfs}
}

// Enable flips the scheduler-enabled flag; the first timer interrupt
// after this call triggers the first TaskSwitch (§4.6).
func (s *Scheduler) Enable() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Scheduler) enqueueLocked(t *Thread) {
	t.next = nil
	if s.readyTail == nil {
		s.readyHead, s.readyTail = t, t
		return
	}
	s.readyTail.next = t
	s.readyTail = t
}

func (s *Scheduler) dequeueLocked() *Thread {
	t := s.readyHead
	if t == nil {
		return nil
	}
	s.readyHead = t.next
	if s.readyHead == nil {
		s.readyTail = nil
	}
	t.next = nil
	return t
}

func (s *Scheduler) removeFromReadyLocked(target *Thread) {
	var prev *Thread
	for t := s.readyHead; t != nil; t = t.next {
		if t == target {
			if prev == nil {
				s.readyHead = t.next
			} else {
				prev.next = t.next
			}
			if s.readyTail == t {
				s.readyTail = prev
			}
			t.next = nil
			return
		}
		prev = t
	}
}

func (s *Scheduler) Process(pid Pid) (*Process, bool) {
	v, ok := s.processes.Get(int32(pid))
	if !ok {
		return nil, false
	}
	return v.(*Process), true
}

// AllProcesses calls f for every registered process; f may be called
// concurrently with other table operations, mirroring hashtable.Iter.
func (s *Scheduler) AllProcesses(f func(*Process) bool) {
	s.processes.Iter(func(_ int32, v interface{}) bool {
		return f(v.(*Process))
	})
}

func stackTopFor(tid Tid) uintptr {
	return userStackRegionTop - uintptr(tid)*userStackSlot
}

// newAddressSpace allocates a root table and seeds it with the shared
// kernel half (§4.2's clone_higher_half, invoked exactly once per new
// address space per §4.6).
func (s *Scheduler) newAddressSpace() (vmm.Root, error) {
	root := s.VMM.CreateTable()
	if root == vmm.NoRoot {
		return vmm.NoRoot, kerrno.OutOfMemory
	}
	s.VMM.CloneHigherHalf(root)
	return root, nil
}

// mapUserStack maps UserStackPages fresh frames USER_WRITE below top,
// leaving one unmapped guard page immediately below the lowest of them.
func (s *Scheduler) mapUserStack(proc *Process, top uintptr) error {
	for i := 0; i < UserStackPages; i++ {
		frame := s.PFA.Alloc(1)
		if frame == mem.NoFrame {
			return kerrno.OutOfMemory
		}
		va := top - uintptr(i+1)*uintptr(mem.PGSIZE)
		if err := s.VMM.Map(proc.Root, va, frame, vmm.WRITE|vmm.USER); err != nil {
			return err
		}
	}
	proc.trackUser(top-uintptr(UserStackPages)*uintptr(mem.PGSIZE), top)
	return nil
}

// trackImageRange extends proc's user span to cover every PT_LOAD
// segment of img.
func trackImageRange(proc *Process, img *elf.Image) {
	for _, ph := range img.PhdrCopy {
		if ph.Type != 1 { // PT_LOAD
			continue
		}
		lo := uintptr(ph.Vaddr) - uintptr(ph.Vaddr)%uintptr(mem.PGSIZE)
		hi := uintptr(ph.Vaddr + ph.Memsz)
		proc.trackUser(lo, hi)
	}
}

func (s *Scheduler) unmapUserStack(root vmm.Root, top uintptr) {
	for i := 0; i < UserStackPages; i++ {
		va := top - uintptr(i+1)*uintptr(mem.PGSIZE)
		s.VMM.Unmap(root, va)
	}
}

func newFrame(entry, sp uintptr) InterruptFrame {
	return InterruptFrame{
		IP:    entry,
		SP:    sp,
		CS:    ThreadSegmentDefaults.UserCS,
		SS:    ThreadSegmentDefaults.UserSS,
		Flags: ThreadSegmentDefaults.FlagsIF,
	}
}

// TaskInit loads path (ordinarily "/init") from the filesystem into a
// fresh address space, constructs the first process and its single
// thread, and enqueues that thread. The scheduler-enabled flag is left
// off; the caller flips it with Enable (§4.6).
func (s *Scheduler) TaskInit(path ustr.Ustr) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.VFS.FindNode(path)
	if err != nil {
		return nil, err
	}
	data, err := s.VFS.Read(&h, h.Size)
	if err != nil {
		return nil, err
	}

	root, err := s.newAddressSpace()
	if err != nil {
		return nil, err
	}
	img, err := elf.Load(data, s.PFA, s.VMM, s.VMM.DM, root)
	if err != nil {
		return nil, err
	}

	pid := s.nextPid
	s.nextPid++
	proc := newProcess(pid, path.String(), root, nil)
	proc.Image = img
	trackImageRange(proc, img)
	s.processes.Set(int32(pid), proc)

	if _, err := s.taskNewThreadLocked(proc, img.Entry, false); err != nil {
		return nil, err
	}
	return proc, nil
}

// TaskSwitch is invoked on every timer interrupt and on explicit yield
// (§4.6). It is the only place that mutates core.CurrentThread.
func (s *Scheduler) TaskSwitch(core *CoreBase, frame *InterruptFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := core.CurrentThread
	if cur != nil && cur.Exiting {
		s.reapLocked(cur)
		cur = nil
		core.CurrentThread = nil
	}

	if s.readyHead != nil && cur != nil {
		cur.KernelContext = *frame
		s.enqueueLocked(cur)
	}

	next := s.dequeueLocked()
	if next == nil {
		if cur == nil {
			*frame = idleFrame()
			core.CurrentThread = nil
		}
		return
	}
	s.VMM.SetCurrent(next.Process.Root)
	*frame = next.KernelContext
	core.CurrentThread = next
}

func idleFrame() InterruptFrame {
	return InterruptFrame{}
}

// TaskExit marks the current thread exiting; the next TaskSwitch reaps it
// (§4.6).
func (s *Scheduler) TaskExit(t *Thread) {
	s.mu.Lock()
	t.Exiting = true
	s.mu.Unlock()
}

// reapLocked implements task_delete_thread's ready-queue/thread-list/
// stack-frame cleanup, followed by task_delete_process if that was the
// process's last thread.
func (s *Scheduler) reapLocked(t *Thread) {
	s.deleteThreadLocked(t)
	if len(t.Process.Threads) == 0 {
		s.deleteProcessLocked(t.Process)
	}
}

func (s *Scheduler) deleteThreadLocked(t *Thread) {
	s.removeFromReadyLocked(t)
	delete(t.Process.Threads, t.ID)
	s.unmapUserStack(t.Process.Root, t.UserStackTop)
	if !t.IsIPCHandler {
		t.ArgStack = nil
	}
}

// TaskNewThread allocates a thread id, a user stack, and a fresh
// interrupt frame, appends it to proc's thread list and the ready queue
// (§4.6).
func (s *Scheduler) TaskNewThread(proc *Process, entry uintptr, isIPCHandler bool) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskNewThreadLocked(proc, entry, isIPCHandler)
}

func (s *Scheduler) taskNewThreadLocked(proc *Process, entry uintptr, isIPCHandler bool) (*Thread, error) {
	tid := proc.NextTid
	proc.NextTid++
	top := stackTopFor(tid)
	if err := s.mapUserStack(proc, top); err != nil {
		return nil, err
	}
	t := &Thread{
		ID:            tid,
		Process:       proc,
		IsIPCHandler:  isIPCHandler,
		UserStackTop:  top,
		KernelContext: newFrame(entry, top),
	}
	proc.Threads[tid] = t
	s.enqueueLocked(t)
	return t, nil
}

// TaskDeleteThread removes t from the ready queue and its process's
// thread list and unlocks its stack frames, without reaping its process
// even if it was the last thread (use TaskExit + TaskSwitch for the
// normal exit path; this is exposed for IPC handler cleanup, §4.7).
func (s *Scheduler) TaskDeleteThread(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteThreadLocked(t)
}

// TaskDeleteProcess deletes every thread of proc, recursively deletes
// every child process, and frees the address space (§4.6).
func (s *Scheduler) TaskDeleteProcess(proc *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteProcessLocked(proc)
}

func (s *Scheduler) deleteProcessLocked(proc *Process) {
	for _, t := range snapshotThreads(proc) {
		s.deleteThreadLocked(t)
	}
	for _, c := range append([]*Process(nil), proc.Children...) {
		s.deleteProcessLocked(c)
	}
	if proc.Parent != nil {
		proc.Parent.removeChild(proc)
	}
	s.VMM.DestroyAddressSpace(proc.Root)
	s.processes.Del(int32(proc.ID))
}

func snapshotThreads(proc *Process) []*Thread {
	out := make([]*Thread, 0, len(proc.Threads))
	for _, t := range proc.Threads {
		out = append(out, t)
	}
	return out
}

// TaskFork produces a child process from the process owning t: a new
// root sharing the kernel half, a COW copy of the user portion, and a
// mirror of t as the child's own thread 1 (§4.6).
func (s *Scheduler) TaskFork(t *Thread) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := t.Process
	childRoot, err := s.newAddressSpace()
	if err != nil {
		return nil, err
	}
	for _, r := range parent.UserRanges {
		if err := s.VMM.ForkCOW(parent.Root, childRoot, r.lo, r.hi); err != nil {
			return nil, err
		}
	}

	pid := s.nextPid
	s.nextPid++
	child := newProcess(pid, parent.Name, childRoot, parent)
	child.UserRanges = append([]userRange(nil), parent.UserRanges...)
	child.Image = parent.Image
	if child.Image != nil {
		child.Image.Refcount++
	}
	parent.addChild(child)
	s.processes.Set(int32(pid), child)

	ct := &Thread{
		ID:            1,
		Process:       child,
		IsIPCHandler:  t.IsIPCHandler,
		UserStackTop:  t.UserStackTop,
		KernelContext: t.KernelContext,
	}
	child.NextTid = 2
	child.Threads[1] = ct
	s.enqueueLocked(ct)
	return child, nil
}

// TaskExec replaces the address space of t's process with a fresh one
// loaded from path, tearing down every other thread first (§4.6). On
// NotFound/InvalidElf the process is left completely unmutated.
func (s *Scheduler) TaskExec(t *Thread, path ustr.Ustr) error {
	h, err := s.VFS.FindNode(path)
	if err != nil {
		return err
	}
	data, err := s.VFS.Read(&h, h.Size)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	proc := t.Process

	// Build and validate the replacement address space fully before
	// touching proc's existing state, so a NotFound/InvalidElf failure
	// leaves proc completely unmutated (§4.6).
	newRoot, err := s.newAddressSpace()
	if err != nil {
		return err
	}
	img, err := elf.Load(data, s.PFA, s.VMM, s.VMM.DM, newRoot)
	if err != nil {
		s.VMM.DestroyAddressSpace(newRoot)
		return err
	}

	for tid, other := range proc.Threads {
		if tid == t.ID {
			continue
		}
		s.deleteThreadLocked(other)
	}
	s.unmapUserStack(proc.Root, t.UserStackTop)
	t.ArgStack = nil

	oldRoot := proc.Root
	s.VMM.DestroyAddressSpace(oldRoot)

	proc.Root = newRoot
	proc.Image = img
	proc.NextTid = 1
	proc.UserRanges = nil
	trackImageRange(proc, img)
	delete(proc.Threads, t.ID)

	t.ID = proc.NextTid
	proc.NextTid++
	top := stackTopFor(t.ID)
	if err := s.mapUserStack(proc, top); err != nil {
		return err
	}
	t.UserStackTop = top
	t.KernelContext = newFrame(img.Entry, top)
	t.IsIPCHandler = false
	proc.Threads[t.ID] = t

	s.VMM.SetCurrent(proc.Root)
	return nil
}
