package fat

import (
	"fmt"
	"strings"

	"github.com/virtualroot/vkernel/internal/api"
)

// shortNameAllowed reports whether c may appear in a stored 8.3 name.
func shortNameAllowed(c byte) bool {
	if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '(', ')', '-', '@', '^', '_', '`', '{', '}', '~':
		return true
	}
	return c >= 128
}

// formatShortName converts a component to the padded 11-byte 8.3 form:
// leading dots and spaces stripped, the base taken up to the first dot,
// the extension from everything after it with further dots dropped,
// letters uppercased, invalid characters dropped, both parts space
// padded. A leading 0xE5 byte is stored as 0x05 so the entry is not
// mistaken for a deleted one. An input that yields nothing becomes
// "NO_NAME".
func formatShortName(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	name = strings.TrimLeft(name, ". ")
	base := name
	ext := ""
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		base = name[:dot]
		ext = name[dot+1:]
	}

	n := 0
	for i := 0; i < len(base) && n < 8; i++ {
		c := upperByte(base[i])
		if shortNameAllowed(c) {
			out[n] = c
			n++
		}
	}
	if n == 0 {
		copy(out[:], "NO_NAME ")
	}

	n = 8
	for i := 0; i < len(ext) && n < 11; i++ {
		c := upperByte(ext[i])
		if shortNameAllowed(c) {
			out[n] = c
			n++
		}
	}
	if out[0] == entryDeleted {
		out[0] = entryKanjiE5
	}
	return out
}

func upperByte(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

// displayShortName renders a stored 11-byte name as "BASE.EXT".
func displayShortName(raw []byte) string {
	base := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if raw[0] == entryKanjiE5 {
		base = string([]byte{entryDeleted}) + base[1:]
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// matchShortName compares a path component against a stored 11-byte name,
// case-insensitively on the component side.
func matchShortName(component string, raw []byte) bool {
	return formatShortName(component) == [11]byte(raw[:11])
}

// uniqueShortName produces an 8.3 name for longName that collides with no
// entry in the directory, applying the ~N convention when the plain form
// is taken. exists is consulted under the volume lock.
func (fs *FS) uniqueShortName(longName string, exists func(sfn [11]byte) (bool, error)) ([11]byte, error) {
	sfn := formatShortName(longName)
	taken, err := exists(sfn)
	if err != nil {
		return sfn, err
	}
	if !taken {
		return sfn, nil
	}

	for n := 1; n <= 999999; n++ {
		suffix := fmt.Sprintf("~%d", n)
		keep := 8 - len(suffix)

		cand := sfn
		base := 0
		for base < keep && cand[base] != ' ' {
			base++
		}
		copy(cand[base:], suffix)
		for i := base + len(suffix); i < 8; i++ {
			cand[i] = ' '
		}

		taken, err := exists(cand)
		if err != nil {
			return cand, err
		}
		if !taken {
			return cand, nil
		}
	}
	return sfn, fmt.Errorf("no free ~N suffix for %q: %w", longName, api.ErrNameTooLong)
}
