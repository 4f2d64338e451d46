package elf

import (
	"bytes"
	"testing"

	x86 "kernel/arch/x86_64"
	"kernel/mem"
	"kernel/vmm"
)

func putn(b []byte, off, sz int, v uint64) {
	for i := 0; i < sz; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

// buildElf constructs a minimal 64-bit ELF with the given PT_LOAD segments
// (vaddr, payload) all backed by the same file content laid out
// contiguously after the program header table.
func buildElf(t *testing.T, entry uint64, segs [][2]interface{}) []byte {
	t.Helper()
	const phoff = 64
	phentsize := 56
	phnum := len(segs)
	dataStart := phoff + phentsize*phnum

	var body bytes.Buffer
	body.Write(make([]byte, dataStart))

	hdr := body.Bytes()
	copy(hdr[0:4], elfMagic[:])
	hdr[7] = 0 // ABI
	putn(hdr, off_e_type, 2, et_exec)
	putn(hdr, off_e_phoff, 8, phoff)
	putn(hdr, off_e_phentsize, 2, uint64(phentsize))
	putn(hdr, off_e_phnum, 2, uint64(phnum))
	putn(hdr, off_e_entry, 8, entry)

	for i, s := range segs {
		vaddr := s[0].(uint64)
		payload := s[1].([]byte)
		fileoff := uint64(body.Len())
		body.Write(payload)

		phOff := phoff + i*phentsize
		p := body.Bytes()[phOff : phOff+phentsize]
		putn(p, 0, 4, pt_load)
		putn(p, 8, 8, fileoff)
		putn(p, 16, 8, vaddr)
		putn(p, 32, 8, uint64(len(payload)))
		putn(p, 40, 8, uint64(len(payload)))
	}
	return body.Bytes()
}

type env struct {
	pfa *mem.PFA
	v   *vmm.VMM
}

func newEnv(t *testing.T, frames int) *env {
	pfa := &mem.PFA{}
	if err := pfa.Init([]mem.MemMapEntry{{Type: mem.Conventional, PhysicalStart: 0, NumberOfPages: uint64(frames)}}); err != nil {
		t.Fatalf("pfa init: %v", err)
	}
	pfa.InitRefcount()
	v := &vmm.VMM{PFA: pfa, DM: vmm.NewDirectMap(pfa.Base(), frames*mem.PGSIZE), Arch: x86.Arch{}}
	return &env{pfa: pfa, v: v}
}

func TestLoadTwoSegmentsScenarioC(t *testing.T) {
	seg1 := bytes.Repeat([]byte{0x11}, 100)
	seg2 := bytes.Repeat([]byte{0x22}, 200)
	image := buildElf(t, 0x400010, [][2]interface{}{
		{uint64(0x400000), seg1},
		{uint64(0x600000), seg2},
	})

	e := newEnv(t, 256)
	root := e.v.CreateTable()

	img, err := Load(image, e.pfa, e.v, e.v.DM, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != 0x400010 {
		t.Fatalf("entry = %#x, want 0x400010", img.Entry)
	}
	if img.Refcount != 1 {
		t.Fatalf("refcount = %d, want 1", img.Refcount)
	}

	for _, va := range []uintptr{0x400000, 0x600000} {
		entry, ok := e.v.Lookup(root, va)
		if !ok {
			t.Fatalf("segment at %#x not mapped", va)
		}
		if !(x86.Arch{}.Writable(entry)) {
			t.Fatalf("segment at %#x should be USER_WRITE", va)
		}
	}

	e1, _ := e.v.Lookup(root, 0x400000)
	frame1 := (x86.Arch{}).Frame(e1)
	if !bytes.Equal(e.v.DM.Bytes(frame1, 100), seg1) {
		t.Fatalf("segment 1 payload mismatch")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	bad := make([]byte, 64)
	e := newEnv(t, 16)
	root := e.v.CreateTable()
	if _, err := Load(bad, e.pfa, e.v, e.v.DM, root); err == nil {
		t.Fatal("expected InvalidElf for bad magic")
	}
}
