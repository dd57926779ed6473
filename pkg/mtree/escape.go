package mtree

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Escape renders s byte by byte, replacing every byte outside the
// portable set [-A-Za-z0-9+,./:@_] with a backslash-octal sequence.
// Applying it per raw byte means arbitrary (even non-UTF-8) filenames
// round-trip through the manifest.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isPortableByte(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "\\%03o", c)
		}
	}
	return b.String()
}

func isPortableByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z',
		c >= 'a' && c <= 'z',
		c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '+', ',', '.', '/', ':', '@', '_':
		return true
	}
	return false
}

// Unescape reverses Escape. For compatibility with manifests produced
// by other mtree implementations it also accepts the single-character
// escapes \b \f \n \r \t \v \" and \\.
func Unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("trailing backslash in %q", s)
		}
		switch s[i] {
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			if s[i] < '0' || s[i] > '7' {
				return "", fmt.Errorf(
					"unsupported backslash escape: %q",
					"\\"+string(s[i]),
				)
			}
			v := 0
			for n := 0; n < 3 && i < len(s) &&
				s[i] >= '0' && s[i] <= '7'; n++ {
				v = v*8 + int(s[i]-'0')
				i++
			}
			i--
			b.WriteByte(byte(v))
		}
	}
	return b.String(), nil
}

// filenameIsWindowsFriendly reports whether name avoids the
// characters reserved in Windows filenames ('/' excluded, since it is
// our directory separator) and contains no raw non-UTF-8 bytes.
func filenameIsWindowsFriendly(name string) bool {
	if strings.ContainsAny(name, `<>:"\|?*`) {
		return false
	}
	return utf8.ValidString(name)
}
