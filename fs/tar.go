package fs

import (
	"kernel/kerrno"
	"kernel/ustr"
)

const (
	tarBlockSize = 512
	tarNameOff   = 0
	tarNameLen   = 100
	tarSizeOff   = 124
	tarSizeLen   = 12
	tarTypeOff   = 156
	tarMagicOff  = 257
)

// IngestTar parses image as a USTAR archive and populates root with a
// RamfsNode tree, one FILE node per regular-file ('0') entry, its Data
// slice viewing directly into image at the entry's payload offset (no
// copy). The archive is terminated by the first block whose magic does
// not read "ustar" (§4.4, §6).
//
// The original C loader reused a stale `ptok` after its strtok loop when
// a tar path ended in "/", which is undefined for a directory entry with
// no trailing filename component. Per the redesign note in §9, this
// implementation does not replicate that: any regular-file ('0') entry
// whose path ends in "/" fails the whole ingest with InvalidArgument
// before the path is ever split into components (Split alone would
// silently discard the trailing slash). Entries of other types are
// skipped without looking at their path.
func IngestTar(r *Ramfs, image []byte) error {
	off := 0
	for off+tarBlockSize <= len(image) {
		block := image[off:]
		if string(block[tarMagicOff:tarMagicOff+5]) != "ustar" {
			break
		}
		size, err := parseOctal(block[tarSizeOff : tarSizeOff+tarSizeLen])
		if err != nil {
			return err
		}
		typeFlag := block[tarTypeOff]
		if typeFlag == '0' {
			path := ustr.MkSlice(block[tarNameOff : tarNameOff+tarNameLen])
			if err := ingestFile(r, path, image[off+tarBlockSize:off+tarBlockSize+size]); err != nil {
				return err
			}
		}
		advance := tarBlockSize + roundup512(size)
		off += advance
	}
	return nil
}

func ingestFile(r *Ramfs, path ustr.Ustr, data []byte) error {
	if len(path) == 0 || path[len(path)-1] == '/' {
		return kerrno.InvalidArgument
	}
	parts := ustr.Split(path)
	if len(parts) == 0 {
		return kerrno.InvalidArgument
	}
	parent := r.Root
	for _, dir := range parts[:len(parts)-1] {
		child := r.childNamed(parent, dir)
		if child == nil {
			child = r.Mkdir(parent, dir)
		} else if child.Kind != DIR {
			return kerrno.InvalidArgument
		}
		parent = child
	}
	name := parts[len(parts)-1]
	file := r.Mkfile(parent, name)
	file.Data = data
	return nil
}

func roundup512(n int) int {
	return ((n + tarBlockSize - 1) / tarBlockSize) * tarBlockSize
}

func parseOctal(field []uint8) (int, error) {
	n := 0
	for _, c := range field {
		if c == 0 || c == ' ' {
			break
		}
		if c < '0' || c > '7' {
			return 0, kerrno.InvalidArgument
		}
		n = n*8 + int(c-'0')
	}
	return n, nil
}
