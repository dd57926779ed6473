package mtree

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/containerdepot/depot/pkg/paths"
)

// ApplyOptions control how a manifest is materialized on disk.
type ApplyOptions struct {
	// SourceFiles is a directory from which regular file content is
	// hard-linked, or copied when linking fails. When empty,
	// non-empty regular files must already exist in the target tree.
	SourceFiles string
}

// Apply makes the tree rooted at root conform to the manifest:
// directories, symlinks and empty files are created outright, and
// other regular files are populated from opts.SourceFiles. Modes are
// normalized to 0755 or 0644 and recorded mtimes are restored, except
// for entries flagged nochange.
func Apply(manifestPath, root string, opts ApplyOptions) error {
	entries, err := ReadManifest(manifestPath)
	if err != nil {
		return err
	}
	for i := range entries {
		if err := applyEntry(root, &entries[i], opts); err != nil {
			return fmt.Errorf("applying %q to %q: %w",
				manifestPath, root, err)
		}
	}
	return nil
}

func applyEntry(root string, e *Entry, opts ApplyOptions) error {
	if err := paths.ValidateRelPath(e.Name); err != nil {
		return fmt.Errorf("manifest entry %q: %w", e.Name, err)
	}
	target := filepath.Join(root, filepath.FromSlash(e.Name))
	if !paths.IsWithinDir(root, target) {
		return fmt.Errorf("manifest entry escapes root: %s", e.Name)
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf(
			"unable to create parent directory for %q: %w",
			e.Name, err)
	}

	present := true
	switch e.Kind {
	case KindFile:
		var err error
		present, err = applyFile(target, e, opts)
		if err != nil {
			return err
		}
	case KindDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("unable to create directory %q: %w",
				e.Name, err)
		}
	case KindLink:
		// Idempotent: an existing symlink is left alone.
		if _, err := os.Readlink(target); err == nil {
			return nil
		}
		if err := os.Symlink(e.Link, target); err != nil {
			return fmt.Errorf("unable to create symlink %q: %w",
				e.Name, err)
		}
		return nil
	default:
		return fmt.Errorf("special file %q not supported", e.Name)
	}

	if !present || e.Flags&FlagNoChange != 0 {
		return nil
	}

	mode := fs.FileMode(0o644)
	if e.Kind == KindDir || (e.Mode >= 0 && e.Mode&0o111 != 0) {
		mode = 0o755
	}
	if err := os.Chmod(target, mode); err != nil {
		return fmt.Errorf("unable to change mode of %q to 0%o: %w",
			e.Name, mode, err)
	}

	if e.Kind == KindFile && !e.Time.IsZero() {
		if err := os.Chtimes(target, time.Time{}, e.Time); err != nil {
			return fmt.Errorf("unable to set mtime of %q: %w",
				e.Name, err)
		}
	}
	return nil
}

// applyFile materializes one regular file entry and reports whether
// the file is present on disk afterwards (an absent optional file is
// not an error).
func applyFile(
	target string,
	e *Entry,
	opts ApplyOptions,
) (bool, error) {
	if e.Size == 0 {
		f, err := os.OpenFile(target,
			os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return false, fmt.Errorf("unable to create %q: %w",
				e.Name, err)
		}
		return true, f.Close()
	}

	if info, err := os.Lstat(target); err == nil &&
		info.Mode().IsRegular() {
		// Assume existing content is correct; verification is a
		// separate pass.
		return true, nil
	}

	if opts.SourceFiles == "" {
		if e.Flags&FlagOptional != 0 {
			return false, nil
		}
		return false, fmt.Errorf(
			"unable to open %q: file does not exist and no "+
				"source directory was given", e.Name)
	}

	src := e.Name
	if e.Contents != "" {
		src = e.Contents
	}
	srcPath := filepath.Join(opts.SourceFiles, filepath.FromSlash(src))

	if err := os.Link(srcPath, target); err == nil {
		return true, nil
	}
	if err := copyFile(srcPath, target); err != nil {
		return false, fmt.Errorf(
			"unable to create copy %q from %q: %w",
			e.Name, srcPath, err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst,
		os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}
