// Package ipc is the IPC core: per-thread argument stacks, method/signal
// dispatch between processes, and the three kernel-resident interfaces
// (§4.7). It is grounded on the teacher's syscall.go argument-marshalling
// style (fixed on-the-wire parameter records, explicit kernel/user pointer
// checks before any copy) generalized to the tagged Primitive/Array
// variant and the target_pid==0 in-kernel dispatch this spec adds; biscuit
// has no analogous cross-process method/signal mechanism of its own.
package ipc

import (
	"kernel/kerrno"
	"kernel/mem"
	"kernel/sched"
	"kernel/vmm"
)

// ParamType tags a syscall_param's wire variant (§6): 0 names a user
// pointer to a byte array, 1 a primitive value carried inline.
type ParamType uint32

const (
	ParamArray ParamType = iota
	ParamPrimitive
)

// SyscallParam is the wire record a syscall's payload pointer refers to
// (§6): `{type: u32, size: u64, payload: u64}`, payload holding either the
// primitive value or a user pointer.
type SyscallParam struct {
	Type    ParamType
	Size    uint64
	Payload uint64
}

func isKernelHalf(uva uintptr, n int) bool {
	if uva >= vmm.KernelHalfStart {
		return true
	}
	end := uva + uintptr(n)
	return end < uva || end > vmm.KernelHalfStart
}

// readUser copies n bytes starting at the user virtual address uva out of
// root's address space, refusing any range that touches the kernel half.
func readUser(v *vmm.VMM, root vmm.Root, uva uintptr, n int) ([]byte, error) {
	if isKernelHalf(uva, n) {
		return nil, kerrno.PermissionDenied
	}
	out := make([]byte, n)
	off := 0
	for off < n {
		va := uva + uintptr(off)
		base := va - va%uintptr(mem.PGSIZE)
		entry, ok := v.Lookup(root, base)
		if !ok {
			return nil, kerrno.InvalidArgument
		}
		frame := v.Arch.Frame(entry)
		pageOff := int(va - base)
		want := n - off
		if avail := mem.PGSIZE - pageOff; want > avail {
			want = avail
		}
		copy(out[off:off+want], v.DM.Bytes(frame, mem.PGSIZE)[pageOff:pageOff+want])
		off += want
	}
	return out, nil
}

// writeUser is readUser's inverse, used to deliver a PEEK/POP Array
// result to the caller-supplied destination.
func writeUser(v *vmm.VMM, root vmm.Root, uva uintptr, data []byte) error {
	if isKernelHalf(uva, len(data)) {
		return kerrno.PermissionDenied
	}
	off := 0
	for off < len(data) {
		va := uva + uintptr(off)
		base := va - va%uintptr(mem.PGSIZE)
		entry, ok := v.Lookup(root, base)
		if !ok {
			return kerrno.InvalidArgument
		}
		frame := v.Arch.Frame(entry)
		pageOff := int(va - base)
		want := len(data) - off
		if avail := mem.PGSIZE - pageOff; want > avail {
			want = avail
		}
		copy(v.DM.Bytes(frame, mem.PGSIZE)[pageOff:pageOff+want], data[off:off+want])
		off += want
	}
	return nil
}

// Push implements PUSH (§4.7): reads the user-supplied param, rejecting
// any Array whose pointer lies in the kernel half, and appends it to t's
// IPC argument stack. For an Array it copies the bytes into a
// kernel-owned buffer immediately; the caller's memory is never aliased.
func Push(v *vmm.VMM, t *sched.Thread, p SyscallParam) error {
	switch p.Type {
	case ParamPrimitive:
		t.PushArg(sched.Arg{Kind: sched.Primitive, Value: p.Payload})
		return nil
	case ParamArray:
		data, err := readUser(v, t.Process.Root, uintptr(p.Payload), int(p.Size))
		if err != nil {
			return err
		}
		t.PushArg(sched.Arg{Kind: sched.Array, Bytes: data})
		return nil
	default:
		return kerrno.InvalidArgument
	}
}

// Peek implements PEEK: returns the top of t's argument stack without
// removing it. destPtr is the caller's out.array pointer, consulted only
// when the top entry is an Array; a zero destPtr skips the copy (the
// caller only wanted the size).
func Peek(v *vmm.VMM, t *sched.Thread, destPtr uintptr) (SyscallParam, error) {
	a, ok := t.PeekArg()
	return deliver(v, t, a, ok, destPtr)
}

// Pop implements POP: as Peek, but removes the entry.
func Pop(v *vmm.VMM, t *sched.Thread, destPtr uintptr) (SyscallParam, error) {
	a, ok := t.PopArg()
	return deliver(v, t, a, ok, destPtr)
}

func deliver(v *vmm.VMM, t *sched.Thread, a sched.Arg, ok bool, destPtr uintptr) (SyscallParam, error) {
	if !ok {
		return SyscallParam{}, kerrno.NotFound
	}
	if a.Kind == sched.Primitive {
		return SyscallParam{Type: ParamPrimitive, Payload: a.Value}, nil
	}
	if destPtr != 0 {
		if err := writeUser(v, t.Process.Root, destPtr, a.Bytes); err != nil {
			return SyscallParam{}, err
		}
	}
	return SyscallParam{Type: ParamArray, Size: uint64(len(a.Bytes)), Payload: uint64(destPtr)}, nil
}
