// Command kernel is this reference implementation's entry point, playing
// the role of the teacher's src/kernel/main.go. The teacher's main()
// drives real hardware (physmem_init against the bootloader's E820 map,
// vm_init, then a handoff into the first user process on real silicon);
// this kernel has no bootloader or hardware backing it; §1 scopes out
// device drivers and real address-space isolation, and §4.8 leaves
// interrupt/exception entry as a contract only. What's left for main to
// demonstrate is the part of the boot sequence this module does own: the
// PFA/VMM/heap/VFS/scheduler/IPC wiring in kernel/boot, run to the point
// where the first process is runnable and the ready queue can be driven
// by hand.
package main

import (
	"bytes"
	"fmt"
	"log"

	x86 "kernel/arch/x86_64"
	"kernel/boot"
	"kernel/mem"
	"kernel/sched"
	"kernel/ustr"
	"kernel/vmm"
)

// builtinInit is a minimal one-page, one-segment ELF64 executable: a
// single NOP (0x90) instruction at its entry point. A real
// build would read /init off a disk image; this module has no block
// device driver (§1's non-goals), so main seeds the root ramfs with this
// binary directly, the same way the package's own tests do.
func builtinInit() []byte {
	const vaddr = 0x400000
	const phoff = 64
	const phentsize = 56
	payload := []byte{0x90}
	dataStart := phoff + phentsize

	buf := make([]byte, dataStart+len(payload))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	putn(buf, 16, 2, 2) // e_type = ET_EXEC
	putn(buf, 24, 8, vaddr)
	putn(buf, 32, 8, phoff)
	putn(buf, 54, 2, phentsize)
	putn(buf, 56, 2, 1)

	p := buf[phoff : phoff+phentsize]
	putn(p, 0, 4, 1) // PT_LOAD
	putn(p, 8, 8, uint64(dataStart))
	putn(p, 16, 8, vaddr)
	putn(p, 32, 8, uint64(len(payload)))
	putn(p, 40, 8, uint64(len(payload)))
	copy(buf[dataStart:], payload)
	return buf
}

func putn(b []byte, off, sz int, v uint64) {
	for i := 0; i < sz; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

func tarOf(name string, data []byte) []byte {
	var buf bytes.Buffer
	var hdr [512]byte
	copy(hdr[0:], name)
	copy(hdr[257:], "ustar")
	copy(hdr[124:], []byte(fmt.Sprintf("%011o", len(data))))
	hdr[156] = '0'
	buf.Write(hdr[:])
	buf.Write(data)
	buf.Write(make([]byte, (512-len(data)%512)%512))
	buf.Write(make([]byte, 512))
	return buf.Bytes()
}

func main() {
	cfg := boot.Config{
		MemMap: []mem.MemMapEntry{
			{Type: mem.Conventional, PhysicalStart: 0, NumberOfPages: 16384},
		},
		Arch: x86.Arch{},
		Defaults: sched.SegmentDefaults{
			UserCS:  0x1b,
			UserSS:  0x23,
			FlagsIF: 0x202,
		},
		DirectMapLength: 16384 * mem.PGSIZE,
		HeapArenaStart:  vmm.KernelHalfStart,
		RootTar:         tarOf("init", builtinInit()),
		InitPath:        ustr.Ustr("/init"),
	}

	k, err := boot.Boot(cfg)
	if err != nil {
		log.Fatalf("boot: %v", err)
	}

	log.Printf("boot complete: init is pid %d", k.Init.ID)

	// There is no real timer interrupt to drive TaskSwitch here; step the
	// ready queue by hand a few times to demonstrate the scheduler is
	// live, the way a bring-up build's serial log would.
	core := &sched.CoreBase{}
	frame := &sched.InterruptFrame{}
	for i := 0; i < 4; i++ {
		k.Sched.TaskSwitch(core, frame)
		if core.Idle() {
			log.Printf("tick %d: core idle", i)
			continue
		}
		log.Printf("tick %d: running pid=%d tid=%d", i, core.CurrentThread.Process.ID, core.CurrentThread.ID)
	}
}
