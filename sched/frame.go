// Package sched is the preemptive, SMP-capable scheduler: one global ready
// queue shared by all cores, round-robin preemption on timer tick,
// fork/exec/exit (§4.6). Its
// Process_t/Proc_t-style naming and single global process table are
// grounded on the teacher's proc package (Ptable as a hashtable, Pid
// drawn from a monotonic counter, Threadi-style per-process thread
// bookkeeping), but the scheduling algorithm itself departs from the
// teacher on purpose: biscuit schedules by handing each thread to the Go
// runtime as a goroutine (proc.go's `go p.run(tf, tid)`) and leans on
// Go's own scheduler for preemption, whereas this kernel is its own
// runtime and must save/restore an explicit InterruptFrame on every timer
// tick per §4.6 — there is no host scheduler underneath it to delegate
// to. The FIFO ready queue and task_switch algorithm below are therefore
// written from §4.6 directly, in the teacher's naming and locking idiom.
package sched

// InterruptFrame is a saved trapframe: general-purpose registers plus the
// architecture state needed to resume execution (§3). The concrete
// register set and its wire layout are arch glue (§4.8); GPRegs is sized
// generously enough to hold either target's callee/caller-saved set.
type InterruptFrame struct {
	GPRegs [32]uintptr

	IP    uintptr
	SP    uintptr
	BP    uintptr
	Flags uintptr
	CS    uintptr // code segment (x86_64) / exception level (AArch64)
	SS    uintptr // stack segment (x86_64) / unused (AArch64)
}

// user code/stack segment and interrupt-enabled flags values a fresh
// thread's frame is built with; boot.Boot installs the concrete values
// from its Config into ThreadSegmentDefaults.
type SegmentDefaults struct {
	UserCS      uintptr
	UserSS      uintptr
	FlagsIF     uintptr
}
