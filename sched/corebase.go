package sched

// CoreBase is the per-core scratch structure the architecture layer makes
// reachable in O(1) from any kernel entry via a register that survives
// swapgs/TTBR-switch boundaries (§3, §4.8). The core scheduler never
// looks that register up itself; a *CoreBase always arrives as a
// parameter from the arch entry stub, matching the contract-only
// boundary of §4.8.
type CoreBase struct {
	CoreID         int
	KernelStackTop uintptr
	SavedUserStack uintptr
	CurrentThread  *Thread
}

func (c *CoreBase) Idle() bool {
	return c.CurrentThread == nil
}
