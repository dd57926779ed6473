// Package depot assembles and maintains the manifests of a
// distributable runtime depot: a directory tree holding one or more
// captured root-filesystem payloads, each described by a manifest
// that target machines verify before use.
package depot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/natefinch/atomic"

	"github.com/containerdepot/depot/pkg/mtree"
)

// RuntimeManifestName is the manifest describing one runtime's
// "files" payload, with modes and mtimes preserved.
const RuntimeManifestName = "usr-mtree.txt.gz"

// DepotManifestName is the manifest describing the whole depot, with
// modes and mtimes not preserved and nested runtimes ignored.
const DepotManifestName = "mtree.txt.gz"

// WriteRuntimeManifest describes runtimeDir/files in
// runtimeDir/usr-mtree.txt.gz. It must run before the payload is
// minimized, so symlink targets and file emptiness are still
// observable.
func WriteRuntimeManifest(runtimeDir string) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	names, err := mtree.WriteTree(
		gz,
		filepath.Join(runtimeDir, "files"),
		mtree.WriteOptions{PreserveMode: true, PreserveTime: true},
	)
	if err != nil {
		return err
	}
	if _, ok := names[".ref"]; !ok {
		io.WriteString(gz, "./.ref type=file size=0 mode=644\n")
	}
	return placeManifest(
		filepath.Join(runtimeDir, RuntimeManifestName), gz, &buf,
	)
}

// WriteDepotManifest describes the whole depot in mtree.txt.gz.
// Runtime payloads carrying their own manifest become single ignored
// entries, and the runtime-managed var (and steampipe, when deploy
// metadata is expected) directories are marked ignore optional.
func WriteDepotManifest(depotDir string, steampipe bool) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	names, err := mtree.WriteTree(gz, depotDir, mtree.WriteOptions{
		SkipRuntimeSubtrees: true,
	})
	if err != nil {
		return err
	}
	if _, ok := names[".ref"]; !ok {
		io.WriteString(gz, "./.ref type=file size=0 optional\n")
	}
	if steampipe {
		if _, ok := names["steampipe"]; !ok {
			io.WriteString(gz, "./steampipe type=dir ignore optional\n")
		}
	}
	if _, ok := names["var"]; !ok {
		io.WriteString(gz, "./var type=dir ignore optional\n")
	}
	io.WriteString(gz, "./"+DepotManifestName+" type=file\n")

	return placeManifest(
		filepath.Join(depotDir, DepotManifestName), gz, &buf,
	)
}

// placeManifest finalizes the gzip stream and moves the complete
// manifest into place in one step. Compressed output is only
// well-formed once the stream is closed, so the flush must happen
// before anything can observe the file.
func placeManifest(path string, gz *gzip.Writer, buf *bytes.Buffer) error {
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize manifest: %w", err)
	}
	if err := atomic.WriteFile(path, buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// EnsureRef guarantees runtimeDir/files/.ref exists as an empty
// regular file, so the payload directory is never completely empty.
// It must run after Minimize, which would otherwise delete it.
func EnsureRef(runtimeDir string) error {
	files := filepath.Join(runtimeDir, "files")
	ref := filepath.Join(files, ".ref")

	info, err := os.Lstat(ref)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(files, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", files, err)
		}
		f, err := os.OpenFile(ref,
			os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", ref, err)
		}
		if err := f.Chmod(0o644); err != nil {
			f.Close()
			return fmt.Errorf("chmod %s: %w", ref, err)
		}
		return f.Close()
	case err != nil:
		return fmt.Errorf("stat %s: %w", ref, err)
	case info.Size() > 0 || !info.Mode().IsRegular():
		return fmt.Errorf("expected %s to be an empty regular file", ref)
	}
	return nil
}
