package ipc

import (
	"io"

	"kernel/kerrno"
	"kernel/sched"
)

// Core is the IPC subsystem's handle onto the scheduler and address-space
// layer it needs to marshal arguments and spin up handler threads. One
// Core is created per boot, mirroring Scheduler's single Global instance.
type Core struct {
	Sched *sched.Scheduler

	// Console is the destination for Stdio.Write; nil discards output
	// (the serial driver that would normally back this is out of scope,
	// §1's non-goals).
	Console io.Writer

	registry registry
}

func NewCore(sch *sched.Scheduler) *Core {
	return &Core{Sched: sch, registry: newRegistry()}
}

// callerRegs are the three values a handler thread finds in its first
// three general-purpose registers on entry (§4.7): the interface id, the
// method or signal id, and the calling process's pid. The concrete
// register slots are arch glue's job (§4.8); the core scheduler only
// knows GPRegs is an array, so it fills the first three slots and leaves
// the mapping from slot to named register to the architecture that reads
// them back out.
func setCallerRegs(t *sched.Thread, iid, mid uint32, callerPid sched.Pid) {
	t.KernelContext.GPRegs[0] = uintptr(iid)
	t.KernelContext.GPRegs[1] = uintptr(mid)
	t.KernelContext.GPRegs[2] = uintptr(callerPid)
}

// Method implements METHOD (§4.7). When targetPid is 0 the call is
// resolved against the in-kernel interfaces (LocalNameService,
// GlobalNameService, Stdio) using caller's own argument stack, and the
// result is returned synchronously as an Rc. Otherwise a handler thread
// is spun up in the target process at its registered IPC entry point,
// the caller's argument stack is handed to it wholesale, and Method
// returns Ok immediately without waiting for the handler to run.
func (c *Core) Method(caller *sched.Thread, targetPid sched.Pid, iid, mid uint32) kerrno.Rc {
	if targetPid == 0 {
		return c.dispatch(caller, iid, mid)
	}
	target, ok := c.Sched.Process(targetPid)
	if !ok || target.IPCEntryPoint == 0 {
		return kerrno.NotFound.Neg()
	}
	ht, err := c.Sched.TaskNewThread(target, target.IPCEntryPoint, true)
	if err != nil {
		return err.(kerrno.Err_t).Neg()
	}
	setCallerRegs(ht, iid, mid, caller.Process.ID)
	ht.ArgStack = caller.ArgStack
	caller.ArgStack = nil
	return kerrno.Ok
}

// Signal implements SIGNAL (§4.7): every process with a registered IPC
// entry point other than the sender's own gets an independent handler
// thread, each with its own deep copy of the sender's argument stack
// (Array payloads are re-allocated per recipient so no two handlers
// alias the same buffer). The sender's own stack is consumed, matching
// METHOD's ownership-transfer semantics. Per §6's syscall table, SIGNAL
// returns 0/err like METHOD and TARGETED_SIGNAL — not a delivery count.
func (c *Core) Signal(sender *sched.Thread, iid, sid uint32) kerrno.Rc {
	c.Sched.AllProcesses(func(p *sched.Process) bool {
		if p.IPCEntryPoint == 0 || p == sender.Process {
			return true
		}
		c.deliverSignal(sender, p, iid, sid)
		return true
	})
	sender.ArgStack = nil
	return kerrno.Ok
}

// TargetedSignal implements TARGETED_SIGNAL: as Signal, but delivered to
// exactly one named process.
func (c *Core) TargetedSignal(sender *sched.Thread, targetPid sched.Pid, iid, sid uint32) kerrno.Rc {
	target, ok := c.Sched.Process(targetPid)
	if !ok || target.IPCEntryPoint == 0 {
		return kerrno.NotFound.Neg()
	}
	if err := c.deliverSignal(sender, target, iid, sid); err != nil {
		return err.(kerrno.Err_t).Neg()
	}
	sender.ArgStack = nil
	return kerrno.Ok
}

func (c *Core) deliverSignal(sender *sched.Thread, target *sched.Process, iid, sid uint32) error {
	ht, err := c.Sched.TaskNewThread(target, target.IPCEntryPoint, true)
	if err != nil {
		return err
	}
	setCallerRegs(ht, iid, sid, sender.Process.ID)
	ht.ArgStack = cloneArgStack(sender.ArgStack)
	return nil
}

func cloneArgStack(in []sched.Arg) []sched.Arg {
	if in == nil {
		return nil
	}
	out := make([]sched.Arg, len(in))
	for i, a := range in {
		out[i] = a
		if a.Kind == sched.Array {
			out[i].Bytes = append([]byte(nil), a.Bytes...)
		}
	}
	return out
}

// Exit implements EXIT (§4.7): marks t exiting so the next TaskSwitch
// reaps it. Arch glue calls TaskSwitch immediately afterward to actually
// leave t's context; that trigger is outside ipc's scope (§4.8).
func (c *Core) Exit(t *sched.Thread) {
	c.Sched.TaskExit(t)
}
