// Package ustr is a minimal byte-slice string used for path and service
// names throughout the kernel, so that filesystem and IPC code never has to
// round-trip through the Go string/[]byte conversions the allocator-free
// early boot path can't always afford.
package ustr

type Ustr []uint8

func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

func Mk() Ustr {
	return Ustr{}
}

func MkRoot() Ustr {
	return Ustr("/")
}

// MkSlice truncates buf at the first NUL byte, treating it as a C string.
func MkSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us))
	copy(tmp, us)
	r := append(tmp, '/')
	return append(r, p...)
}

func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

func (us Ustr) String() string {
	return string(us)
}

// Split tokenizes a path on '/', dropping empty components produced by
// leading, trailing, or repeated slashes.
func Split(path Ustr) []Ustr {
	var parts []Ustr
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
