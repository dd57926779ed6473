package mtree

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// ignoredKeywords are classic mtree(5) keys that carry no information
// we record or check; they are accepted and skipped so manifests from
// bsdtar or netbsd-mtree still parse.
var ignoredKeywords = map[string]bool{
	"cksum":           true,
	"device":          true,
	"flags":           true,
	"gid":             true,
	"gname":           true,
	"inode":           true,
	"md5":             true,
	"md5digest":       true,
	"nlink":           true,
	"resdevice":       true,
	"ripemd160digest": true,
	"rmd160":          true,
	"rmd160digest":    true,
	"sha1":            true,
	"sha1digest":      true,
	"sha384":          true,
	"sha384digest":    true,
	"sha512":          true,
	"sha512digest":    true,
	"uid":             true,
	"uname":           true,
}

// ParseLine parses a single manifest line. Blank lines and comments
// yield (nil, nil). src and lineNum identify the line in diagnostics.
func ParseLine(line, src string, lineNum int) (*Entry, error) {
	entry, err := parseLine(line, src, lineNum)
	if err != nil {
		return nil, fmt.Errorf("%s: %d: %w", src, lineNum, err)
	}
	return entry, nil
}

func parseLine(line, src string, lineNum int) (*Entry, error) {
	if line == "" || line[0] == '#' {
		return nil, nil
	}
	if line[0] == '/' {
		return nil, errors.New("special commands not supported")
	}
	if line[0] != '.' ||
		(len(line) > 1 && line[1] != ' ' && line[1] != '/') {
		return nil, errors.New(
			"filenames not relative to top level not supported",
		)
	}
	if strings.HasSuffix(line, `\`) {
		return nil, errors.New("continuation lines not supported")
	}
	if err := checkEscapes(line); err != nil {
		return nil, err
	}

	tokens := strings.Fields(line)
	name, err := Unescape(tokens[0])
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		Name: strings.TrimPrefix(name, "./"),
		Mode: -1,
		Size: -1,
	}

	for _, tok := range tokens[1:] {
		key, val, hasVal := strings.Cut(tok, "=")
		if ignoredKeywords[key] {
			continue
		}

		switch key {
		case "link":
			if !hasVal {
				return nil, fmt.Errorf("%s requires a value", key)
			}
			if entry.Link, err = Unescape(val); err != nil {
				return nil, err
			}

		case "contents", "content":
			if !hasVal {
				return nil, fmt.Errorf("%s requires a value", key)
			}
			if entry.Contents, err = Unescape(val); err != nil {
				return nil, err
			}

		case "sha256", "sha256digest":
			if !hasVal {
				return nil, fmt.Errorf("%s requires a value", key)
			}
			d := digest.NewDigestFromEncoded(digest.SHA256, val)
			if entry.Digest == "" {
				entry.Digest = d
			} else if entry.Digest != d {
				return nil, errors.New(
					"sha256 and sha256digest not consistent",
				)
			}

		case "mode":
			if !hasVal {
				return nil, fmt.Errorf("%s requires a value", key)
			}
			v, err := strconv.ParseInt(val, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid mode %s", val)
			}
			entry.Mode = int(v) & 0o7777

		case "size":
			if !hasVal {
				return nil, fmt.Errorf("%s requires a value", key)
			}
			v, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid size %s", val)
			}
			entry.Size = v

		case "time":
			if !hasVal {
				return nil, fmt.Errorf("%s requires a value", key)
			}
			if entry.Time, err = parseTimeField(val); err != nil {
				return nil, err
			}

		case "type":
			if !hasVal {
				return nil, fmt.Errorf("%s requires a value", key)
			}
			entry.Kind = kindFromNick(val)

		case "ignore":
			if hasVal {
				return nil, fmt.Errorf("%s does not take a value", key)
			}
			entry.Flags |= FlagIgnore

		case "nochange":
			if hasVal {
				return nil, fmt.Errorf("%s does not take a value", key)
			}
			entry.Flags |= FlagNoChange

		case "optional":
			if hasVal {
				return nil, fmt.Errorf("%s does not take a value", key)
			}
			entry.Flags |= FlagOptional

		default:
			slog.Warn("unknown mtree keyword",
				"manifest", src,
				"line", lineNum,
				"keyword", tok,
			)
		}
	}

	if entry.Kind == KindUnknown {
		return nil, errors.New("unknown mtree entry type")
	}
	if entry.Link != "" && entry.Kind != KindLink {
		return nil, errors.New("non-symlink cannot have a symlink target")
	}
	if entry.Link == "" && entry.Kind == KindLink {
		return nil, errors.New("symlink must have a symlink target")
	}
	return entry, nil
}

// checkEscapes rejects the backslash escapes Unescape does not
// understand before the line is split into tokens.
func checkEscapes(line string) error {
	for i := 0; i < len(line); i++ {
		if line[i] != '\\' {
			continue
		}
		if i+1 >= len(line) {
			return errors.New("trailing backslash")
		}
		next := line[i+1]
		if next >= '0' && next <= '9' {
			continue
		}
		switch next {
		case 'b', 'f', 'n', 'r', 't', 'v', '"', '\\':
			i++
		default:
			return fmt.Errorf(
				"unsupported backslash escape: %q",
				"\\"+string(next),
			)
		}
	}
	return nil
}

// parseTimeField parses "time=S" or "time=S.NNNNNNNNN". Historically
// some mtree implementations print "1.234" meaning 1 second + 234
// nanoseconds, so a fraction is only accepted when unambiguous:
// either ".0" or exactly nine digits of nanoseconds.
func parseTimeField(val string) (time.Time, error) {
	secStr, frac, hasFrac := strings.Cut(val, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %s", val)
	}
	var ns int64
	if hasFrac && frac != "0" {
		ns, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || ns > 999999999 {
			return time.Time{}, fmt.Errorf(
				"invalid nanoseconds count %s", frac,
			)
		}
		if len(frac) != 9 {
			return time.Time{}, fmt.Errorf(
				"ambiguous nanoseconds count %s, "+
					"should have exactly 9 digits", frac,
			)
		}
	}
	return time.Unix(sec, ns), nil
}

// ReadManifest reads a gzip-compressed manifest file and returns its
// entries in file order, excluding the root "." entry.
func ReadManifest(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	defer gz.Close()

	var entries []Entry
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		entry, err := ParseLine(
			strings.TrimSpace(sc.Text()), path, lineNum,
		)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Name == "." {
			continue
		}
		entries = append(entries, *entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return entries, nil
}
