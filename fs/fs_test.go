package fs

import (
	"bytes"
	"fmt"
	"testing"

	"kernel/kerrno"
	"kernel/ustr"
)

// buildTar constructs a minimal single-block-header USTAR archive with one
// regular-file entry for each of the given (path, data) pairs, terminated
// by a non-ustar block.
func buildTar(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for path, data := range files {
		var hdr [tarBlockSize]byte
		copy(hdr[tarNameOff:], path)
		copy(hdr[tarMagicOff:], "ustar")
		octal := []byte(fmt.Sprintf("%011o", len(data)))
		copy(hdr[tarSizeOff:], octal)
		hdr[tarTypeOff] = '0'
		buf.Write(hdr[:])
		buf.Write(data)
		pad := roundup512(len(data)) - len(data)
		buf.Write(make([]byte, pad))
	}
	buf.Write(make([]byte, tarBlockSize)) // terminator: zeroed, no "ustar" magic
	return buf.Bytes()
}

func TestIngestAndReadScenarioB(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 64)
	image := buildTar(t, map[string][]byte{"init": payload})

	r := NewRamfs()
	if err := IngestTar(r, image); err != nil {
		t.Fatalf("IngestTar: %v", err)
	}

	var v VFS
	v.AddMount(&Mount{Prefix: ustr.MkRoot(), Driver: r, State: nil})

	h, err := v.FindNode(ustr.Ustr("/init"))
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	if h.Size != 64 || h.Cursor != 0 {
		t.Fatalf("handle = %+v, want size=64 cursor=0", h)
	}
	got, err := v.Read(&h, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read bytes mismatch")
	}
}

func TestIngestNestedDirectories(t *testing.T) {
	image := buildTar(t, map[string][]byte{
		"bin/init":    []byte("hello"),
		"etc/motd":    []byte("welcome"),
		"bin/sub/x":   []byte("nested"),
	})
	r := NewRamfs()
	if err := IngestTar(r, image); err != nil {
		t.Fatalf("IngestTar: %v", err)
	}
	var v VFS
	v.AddMount(&Mount{Prefix: ustr.MkRoot(), Driver: r})

	for path, want := range map[string]string{
		"/bin/init":  "hello",
		"/etc/motd":  "welcome",
		"/bin/sub/x": "nested",
	} {
		h, err := v.FindNode(ustr.Ustr(path))
		if err != nil {
			t.Fatalf("FindNode(%s): %v", path, err)
		}
		got, err := v.Read(&h, h.Size)
		if err != nil {
			t.Fatalf("Read(%s): %v", path, err)
		}
		if string(got) != want {
			t.Fatalf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestReadPastEndFails(t *testing.T) {
	image := buildTar(t, map[string][]byte{"f": []byte("abc")})
	r := NewRamfs()
	IngestTar(r, image)
	var v VFS
	v.AddMount(&Mount{Prefix: ustr.MkRoot(), Driver: r})
	h, _ := v.FindNode(ustr.Ustr("/f"))
	if _, err := v.Read(&h, 100); err == nil {
		t.Fatal("expected error reading past end of file")
	}
}

func TestIngestRejectsTrailingSlashEntry(t *testing.T) {
	image := buildTar(t, map[string][]byte{"dir/": []byte("")})
	r := NewRamfs()
	if err := IngestTar(r, image); err != kerrno.InvalidArgument {
		t.Fatalf("IngestTar of a trailing-slash entry: got %v, want InvalidArgument", err)
	}
}

func TestReaddirListsChildren(t *testing.T) {
	image := buildTar(t, map[string][]byte{
		"bin/init": []byte("hello"),
		"bin/sh":   []byte("shell"),
		"etc/motd": []byte("welcome"),
	})
	r := NewRamfs()
	if err := IngestTar(r, image); err != nil {
		t.Fatalf("IngestTar: %v", err)
	}
	var v VFS
	v.AddMount(&Mount{Prefix: ustr.MkRoot(), Driver: r})

	root, err := v.FindNode(ustr.Ustr("/"))
	if err != nil {
		t.Fatalf("FindNode(/): %v", err)
	}
	entries, err := v.Readdir(&root)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[string(e.Name)] = true
		if e.Kind != DIR {
			t.Fatalf("entry %s: want DIR, got %v", e.Name, e.Kind)
		}
	}
	if !names["bin"] || !names["etc"] {
		t.Fatalf("Readdir(/) = %v, want bin and etc", names)
	}

	bin, err := v.FindNode(ustr.Ustr("/bin"))
	if err != nil {
		t.Fatalf("FindNode(/bin): %v", err)
	}
	binEntries, err := v.Readdir(&bin)
	if err != nil {
		t.Fatalf("Readdir(/bin): %v", err)
	}
	if len(binEntries) != 2 {
		t.Fatalf("Readdir(/bin) = %v, want 2 entries", binEntries)
	}
}

func TestReaddirOnFileFails(t *testing.T) {
	image := buildTar(t, map[string][]byte{"f": []byte("abc")})
	r := NewRamfs()
	IngestTar(r, image)
	var v VFS
	v.AddMount(&Mount{Prefix: ustr.MkRoot(), Driver: r})
	h, _ := v.FindNode(ustr.Ustr("/f"))
	if _, err := v.Readdir(&h); err == nil {
		t.Fatal("expected error listing a file as a directory")
	}
}

func TestMountForLongestPrefix(t *testing.T) {
	var v VFS
	root := NewRamfs()
	sub := NewRamfs()
	v.AddMount(&Mount{Prefix: ustr.MkRoot(), Driver: root})
	v.AddMount(&Mount{Prefix: ustr.Ustr("/mnt"), Driver: sub})

	IngestTar(sub, buildTar(t, map[string][]byte{"data": []byte("x")}))

	m := v.MountFor(ustr.Ustr("/mnt/data"))
	if m == nil || m.Driver != sub {
		t.Fatalf("expected longest-prefix match on /mnt")
	}
}
