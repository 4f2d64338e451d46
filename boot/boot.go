// Package boot sequences the kernel's single-init globals into a running
// system: PFA, then the VMM and its shared kernel half, then the heap
// arena, then the root filesystem, then the scheduler's first process,
// then the IPC core. It is grounded on the teacher's main.go (main()'s
// linear physmem_init/vm_init/proc_init call chain against its own
// package-level globals) generalized to this kernel's explicit
// PFA/VMM/Heap/VFS/Scheduler/IPC split (§4, §9's single-init-global
// discipline: every subsystem is touched exactly once here and never torn
// down for the life of the kernel).
package boot

import (
	"kernel/fs"
	"kernel/heap"
	"kernel/ipc"
	"kernel/kerrno"
	"kernel/mem"
	"kernel/sched"
	"kernel/ustr"
	"kernel/vmm"
)

// Config is everything boot needs that a real bootloader would otherwise
// hand the kernel: the physical memory map, the architecture plugin, the
// thread-frame defaults that plugin's entry stubs build, where the kernel
// heap lives in virtual address space, and the initial filesystem image.
type Config struct {
	MemMap   []mem.MemMapEntry
	Arch     vmm.Arch
	Defaults sched.SegmentDefaults

	// DirectMapLength bounds the host-testable DirectMap arena (§4.8); a
	// real arch backend has no such bound, it owns all of physical memory.
	DirectMapLength int

	// HeapArenaStart must fall inside the shared kernel half
	// (>= vmm.KernelHalfStart) so every process's CloneHigherHalf sees it;
	// boot enforces this by touching the arena's first page before
	// SeedKernelHalf runs (§4.2, §4.3).
	HeapArenaStart uintptr

	RootTar  []byte    // tar image ingested into the root ramfs (§4.5)
	InitPath ustr.Ustr // executable run as the first process (§4.6)
}

// Kernel is the live handle boot hands back: every subsystem a caller
// might want to drive directly (inject a signal, read a file, inspect the
// process table) after boot has wired everything together.
type Kernel struct {
	Heap  *heap.Heap
	VFS   *fs.VFS
	Sched *sched.Scheduler
	IPC   *ipc.Core
	Init  *sched.Process
}

// Boot runs the sequence once and returns the live kernel. It populates
// mem.Global, vmm.Global, and sched.Global as a side effect (§9); calling
// Boot a second time in the same process is a misuse this reference
// implementation does not guard against, matching the teacher's own
// single-shot main().
func Boot(cfg Config) (*Kernel, error) {
	if cfg.HeapArenaStart < vmm.KernelHalfStart {
		return nil, kerrno.InvalidArgument
	}

	if err := mem.Global.Init(cfg.MemMap); err != nil {
		return nil, err
	}
	mem.Global.InitRefcount()

	vmm.Global = vmm.VMM{
		PFA:  &mem.Global,
		DM:   vmm.NewDirectMap(mem.Global.Base(), cfg.DirectMapLength),
		Arch: cfg.Arch,
	}

	kroot := vmm.Global.CreateTable()
	if kroot == vmm.NoRoot {
		return nil, kerrno.OutOfMemory
	}

	h := heap.Init(&vmm.Global, kroot, cfg.HeapArenaStart)
	// Force the heap's top-level page-table slot into existence before
	// the kernel half is snapshotted, so every CloneHigherHalf from here
	// on shares it (see HeapArenaStart's doc comment above).
	anchor := h.Malloc(1)
	if anchor == 0 {
		return nil, kerrno.OutOfMemory
	}
	h.Free(anchor)

	vmm.Global.SeedKernelHalf(kroot)

	r := fs.NewRamfs()
	if err := fs.IngestTar(r, cfg.RootTar); err != nil {
		return nil, err
	}
	vfs := &fs.VFS{}
	vfs.AddMount(&fs.Mount{Prefix: ustr.MkRoot(), Driver: r})

	sched.ThreadSegmentDefaults = cfg.Defaults
	sched.Global.PFA = &mem.Global
	sched.Global.VMM = &vmm.Global
	sched.Global.VFS = vfs

	proc, err := sched.Global.TaskInit(cfg.InitPath)
	if err != nil {
		return nil, err
	}
	sched.Global.Enable()

	return &Kernel{
		Heap:  h,
		VFS:   vfs,
		Sched: &sched.Global,
		IPC:   ipc.NewCore(&sched.Global),
		Init:  proc,
	}, nil
}
