package mtree

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
)

// VerifyOptions control how a tree is compared with its manifest.
type VerifyOptions struct {
	// MinimizedRuntime verifies a payload tree that has had its
	// reconstructable entries stripped: directories, symlinks and
	// zero-size regular files are tolerated when absent, though
	// still checked when present.
	MinimizedRuntime bool
}

// Verify checks that the tree rooted at root conforms to the
// manifest: every manifest entry must be satisfied by the tree, and
// every tree entry outside an ignored subtree must appear in the
// manifest. The first mismatch aborts verification with a single
// descriptive error.
func Verify(manifestPath, root string, opts VerifyOptions) error {
	v := &verifier{
		manifest: manifestPath,
		root:     root,
		opts:     opts,
		names:    make(map[string]Flags),
		buf:      make([]byte, 1<<20),
	}
	slog.Debug("verifying", "tree", root, "manifest", manifestPath)
	if err := v.run(); err != nil {
		return fmt.Errorf("verifying %q with %q failed: %w",
			root, manifestPath, err)
	}
	return nil
}

type verifier struct {
	manifest string
	root     string
	opts     VerifyOptions

	// names maps every manifested relative path to its flags, for
	// the unmanifested-entry sweep over the real tree.
	names map[string]Flags
	// runtimes collects directories holding a usr-mtree.txt.gz, each
	// of which is a nested runtime verified separately.
	runtimes []string
	buf      []byte
}

func (v *verifier) run() error {
	entries, err := ReadManifest(v.manifest)
	if err != nil {
		return err
	}
	for i := range entries {
		if err := v.checkEntry(&entries[i]); err != nil {
			return err
		}
	}
	if err := v.sweepTree(); err != nil {
		return err
	}
	for _, rt := range v.runtimes {
		rtDir := filepath.Join(v.root, filepath.FromSlash(rt))
		err := Verify(
			filepath.Join(rtDir, "usr-mtree.txt.gz"),
			filepath.Join(rtDir, "files"),
			VerifyOptions{MinimizedRuntime: true},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *verifier) checkEntry(e *Entry) error {
	name := e.Name
	if v.opts.MinimizedRuntime && e.Contents != "" {
		name = e.Contents
	}
	v.names[name] = e.Flags

	optional := e.Flags&FlagOptional != 0
	if v.opts.MinimizedRuntime {
		if e.Contents != "" {
			v.markAncestorsOptional(name)
		}
		// Symlinks, directories and empty files are wholly defined
		// by their manifest entry, so minimization may have removed
		// them from disk.
		switch {
		case e.Kind == KindDir, e.Kind == KindLink:
			optional = true
		case e.Kind == KindFile && e.Size == 0:
			optional = true
		}
	}

	diskPath := filepath.Join(v.root, filepath.FromSlash(name))
	info, err := os.Lstat(diskPath)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return v.missingError(e, name, err)
	}

	switch e.Kind {
	case KindFile:
		if err := v.checkFile(e, name, diskPath, info); err != nil {
			return err
		}
	case KindDir:
		if !info.IsDir() {
			return fmt.Errorf("%q in %q should be a directory, not %s",
				name, v.root, typeLabel(info.Mode().Type()))
		}
		if info.Mode().Perm()&0o111 == 0 {
			return fmt.Errorf(
				"%q in %q should be executable, not mode 0%o",
				name, v.root, info.Mode().Perm())
		}
	case KindLink:
		target, err := os.Readlink(diskPath)
		if err != nil {
			return fmt.Errorf("%q in %q is not a symlink to %q: %w",
				name, v.root, e.Link, err)
		}
		if target != e.Link {
			return fmt.Errorf("%q in %q points to %q, expected %q",
				name, v.root, target, e.Link)
		}
	default:
		return fmt.Errorf("%s: special file %q not supported",
			v.manifest, name)
	}

	if !v.opts.MinimizedRuntime &&
		e.Kind == KindFile &&
		path.Base(name) == "usr-mtree.txt.gz" {
		v.runtimes = append(v.runtimes, path.Dir(name))
	}
	return nil
}

func (v *verifier) checkFile(
	e *Entry,
	name, diskPath string,
	info fs.FileInfo,
) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("unable to open regular file %q in %q: %s",
			name, v.root, typeLabel(info.Mode().Type()))
	}

	if e.Size >= 0 && e.Size != info.Size() {
		return fmt.Errorf("%q in %q should have size %d, not %d",
			name, v.root, e.Size, info.Size())
	}

	if e.Digest != "" {
		actual, err := fileDigest(diskPath, v.buf)
		if err != nil {
			return fmt.Errorf("unable to read %q in %q: %w",
				name, v.root, err)
		}
		if actual != e.Digest {
			return fmt.Errorf("%q in %q did not have expected contents",
				name, v.root)
		}
	}

	if e.Mode >= 0 {
		perm := int(info.Mode().Perm())
		want := e.Mode & 0o777
		if want&0o111 != 0 && perm&0o111 == 0 {
			return fmt.Errorf(
				"%q in %q should be executable, not mode 0%o",
				name, v.root, perm)
		}
		if perm != want {
			return fmt.Errorf(
				"%q in %q should have mode 0%o, not 0%o",
				name, v.root, want, perm)
		}
	}
	return nil
}

// missingError phrases a missing mandatory entry the same way a
// failed open of the expected kind would read.
func (v *verifier) missingError(e *Entry, name string, err error) error {
	switch e.Kind {
	case KindDir:
		return fmt.Errorf("unable to open directory %q in %q: %w",
			name, v.root, err)
	case KindLink:
		return fmt.Errorf("%q in %q is not a symlink to %q: %w",
			name, v.root, e.Link, err)
	default:
		return fmt.Errorf("unable to open regular file %q in %q: %w",
			name, v.root, err)
	}
}

// markAncestorsOptional records the parent directories of an
// alternate content path, which need not appear in the manifest
// themselves.
func (v *verifier) markAncestorsOptional(name string) {
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := v.names[dir]; !ok {
			v.names[dir] = FlagOptional
		}
	}
}

// sweepTree walks the real tree and fails on the first entry that the
// manifest does not account for, skipping ignored subtrees.
func (v *verifier) sweepTree() error {
	return filepath.WalkDir(
		v.root,
		func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(v.root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if rel == "." {
				return nil
			}
			flags, ok := v.names[rel]
			if !ok {
				return fmt.Errorf("%s %q in %q not found in manifest",
					typeLabel(d.Type()), rel, v.root)
			}
			if d.IsDir() && flags&FlagIgnore != 0 {
				return filepath.SkipDir
			}
			return nil
		},
	)
}

func typeLabel(t fs.FileMode) string {
	switch {
	case t.IsDir():
		return "directory"
	case t&fs.ModeSymlink != 0:
		return "symbolic link"
	case t.IsRegular():
		return "regular file"
	default:
		return "filesystem object"
	}
}
