package depot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// Minimize deletes every symbolic link and zero-size regular file
// under the files payload of runtimeDir, then removes any directory
// left empty as a result. A symlink's target and an empty file's
// existence are already captured in the manifest, so shipping them
// is pure waste: Apply reconstitutes both.
//
// Must run strictly after manifest generation and strictly before
// EnsureRef.
func Minimize(runtimeDir string) error {
	return minimizeDir(filepath.Join(runtimeDir, "files"))
}

func minimizeDir(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, ent := range ents {
		p := filepath.Join(dir, ent.Name())
		if ent.IsDir() {
			if err := minimizeDir(p); err != nil {
				return err
			}
			continue
		}
		info, err := ent.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if ent.Type()&fs.ModeSymlink != 0 || info.Size() == 0 {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("remove %s: %w", p, err)
			}
		}
	}

	// Only directories emptied by this pass disappear; anything
	// still holding content stays.
	if err := os.Remove(dir); err != nil && !isNotEmpty(err) {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

func isNotEmpty(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ENOTEMPTY || errno == syscall.EEXIST
}
