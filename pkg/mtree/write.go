package mtree

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"syscall"

	"github.com/opencontainers/go-digest"
)

// WriteOptions control which attributes a generated manifest records.
type WriteOptions struct {
	// PreserveMode records each regular file's exact permission bits.
	// When false, only mode=755 is recorded, and only for files with
	// an execute bit set.
	PreserveMode bool
	// PreserveTime records mtimes with nanosecond precision.
	PreserveTime bool
	// SkipRuntimeSubtrees emits separately-manifested nested runtimes
	// (a "files" directory with a sibling usr-mtree.txt.gz) as single
	// "type=dir ignore" entries without descending into them.
	SkipRuntimeSubtrees bool
}

// fileID identifies a hard-link equivalence class. Object identity is
// useless for this; only the (device, inode) pair survives a walk.
type fileID struct {
	dev uint64
	ino uint64
}

type treeWriter struct {
	w    *bufio.Writer
	opts WriteOptions

	// digests memoizes content hashes so hard-linked files are read
	// only once per invocation.
	digests map[fileID]digest.Digest
	// linkedTo records the first path seen for each multiply-linked
	// file; later occurrences reference it in a comment.
	linkedTo map[fileID]string

	lcNames    map[string]string
	collisions map[string]bool
	nonWindows map[string]bool
	buf        []byte
}

// WriteTree walks top and writes a manifest describing every entry
// under it to w, in one deterministic top-down traversal. It returns
// all names seen, keyed by lower-cased relative path, so callers can
// append synthetic entries for names that did not occur naturally.
func WriteTree(
	w io.Writer,
	top string,
	opts WriteOptions,
) (map[string]string, error) {
	tw := &treeWriter{
		w:          bufio.NewWriter(w),
		opts:       opts,
		digests:    make(map[fileID]digest.Digest),
		linkedTo:   make(map[fileID]string),
		lcNames:    make(map[string]string),
		collisions: make(map[string]bool),
		nonWindows: make(map[string]bool),
		buf:        make([]byte, 1<<20),
	}

	tw.w.WriteString("#mtree\n")
	tw.w.WriteString(". type=dir\n")

	if err := tw.walkDir(top, ""); err != nil {
		return nil, err
	}
	tw.writeDiagnostics()

	if err := tw.w.Flush(); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return tw.lcNames, nil
}

// walkDir emits all children of one directory in sorted order, then
// descends into its subdirectories in the same order.
func (tw *treeWriter) walkDir(dir, rel string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	sortCaseInsensitive(ents)

	var subdirs []string
	for _, ent := range ents {
		base := ent.Name()
		name := base
		if rel != "" {
			name = rel + "/" + base
		}

		// A top-level "steampipe" directory is reserved for deploy
		// metadata and is not part of the payload.
		if name == "steampipe" && ent.IsDir() {
			continue
		}

		if tw.opts.SkipRuntimeSubtrees && base == "files" && ent.IsDir() {
			if _, err := os.Lstat(
				filepath.Join(dir, "usr-mtree.txt.gz"),
			); err == nil {
				fmt.Fprintf(tw.w, "./%s type=dir ignore\n", Escape(name))
				continue
			}
		}

		if !filenameIsWindowsFriendly(name) {
			tw.nonWindows[name] = true
		}
		lower := strings.ToLower(name)
		if prev, ok := tw.lcNames[lower]; ok {
			tw.collisions[prev] = true
			tw.collisions[name] = true
		} else {
			tw.lcNames[lower] = name
		}

		info, err := ent.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}

		switch {
		case info.Mode().IsRegular():
			err := tw.writeFile(filepath.Join(dir, base), name, info)
			if err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(filepath.Join(dir, base))
			if err != nil {
				return fmt.Errorf("readlink %s: %w", name, err)
			}
			fmt.Fprintf(tw.w, "./%s type=link link=%s\n",
				Escape(name), Escape(target))
		case info.IsDir():
			fmt.Fprintf(tw.w, "./%s type=dir\n", Escape(name))
			subdirs = append(subdirs, base)
		default:
			fmt.Fprintf(tw.w, "# unknown file type: %s\n", Escape(name))
		}
	}

	for _, base := range subdirs {
		name := base
		if rel != "" {
			name = rel + "/" + base
		}
		if err := tw.walkDir(filepath.Join(dir, base), name); err != nil {
			return err
		}
	}
	return nil
}

func (tw *treeWriter) writeFile(
	abs, name string,
	info fs.FileInfo,
) error {
	fields := make([]string, 0, 6)
	fields = append(fields, "./"+Escape(name), "type=file")

	perm := info.Mode().Perm()
	if tw.opts.PreserveMode {
		fields = append(fields, fmt.Sprintf("mode=%o", perm))
	} else if perm&0o111 != 0 {
		fields = append(fields, "mode=755")
	}

	if tw.opts.PreserveTime {
		mt := info.ModTime()
		if ns := mt.Nanosecond(); ns == 0 {
			fields = append(fields, fmt.Sprintf("time=%d.0", mt.Unix()))
		} else {
			fields = append(fields,
				fmt.Sprintf("time=%d.%09d", mt.Unix(), ns))
		}
	}

	fields = append(fields, fmt.Sprintf("size=%d", info.Size()))

	id, nlink, hasID := statIdentity(info)

	if info.Size() > 0 {
		dgst, cached := tw.digests[id]
		if !cached || !hasID {
			var err error
			dgst, err = fileDigest(abs, tw.buf)
			if err != nil {
				return fmt.Errorf("hash %s: %w", name, err)
			}
			if hasID {
				tw.digests[id] = dgst
			}
		}
		fields = append(fields, "sha256="+dgst.Encoded())
	}

	if hasID && nlink > 1 {
		if first, ok := tw.linkedTo[id]; ok {
			fmt.Fprintf(tw.w, "# hard link to %s\n", Escape(first))
		} else {
			tw.linkedTo[id] = name
		}
	}

	tw.w.WriteString(strings.Join(fields, " "))
	tw.w.WriteByte('\n')
	return nil
}

// writeDiagnostics appends the informational comment sections: names
// that collide case-insensitively, and names that are not legal on
// Windows. Neither is an error.
func (tw *treeWriter) writeDiagnostics() {
	if len(tw.collisions) > 0 {
		tw.w.WriteString("\n# Files whose names differ only by case:\n")
		for _, name := range slices.Sorted(maps.Keys(tw.collisions)) {
			fmt.Fprintf(tw.w, "# %s\n", Escape(name))
		}
	}
	if len(tw.nonWindows) > 0 {
		tw.w.WriteString("\n# Files whose names are not Windows-friendly:\n")
		for _, name := range slices.Sorted(maps.Keys(tw.nonWindows)) {
			fmt.Fprintf(tw.w, "# %s\n", Escape(name))
		}
	}
}

// statIdentity extracts the (device, inode) pair and link count from
// an lstat result, when the platform exposes them.
func statIdentity(info fs.FileInfo) (fileID, uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileID{}, 1, false
	}
	return fileID{
		dev: uint64(st.Dev),
		ino: uint64(st.Ino),
	}, uint64(st.Nlink), true
}

func sortCaseInsensitive(ents []os.DirEntry) {
	sort.Slice(ents, func(i, j int) bool {
		a, b := ents[i].Name(), ents[j].Name()
		la, lb := strings.ToLower(a), strings.ToLower(b)
		if la != lb {
			return la < lb
		}
		return a < b
	})
}

// fileDigest streams path through a sha256 digester, so peak memory
// stays bounded regardless of file size.
func fileDigest(path string, buf []byte) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digester := digest.SHA256.Digester()
	if _, err := io.CopyBuffer(digester.Hash(), f, buf); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}
