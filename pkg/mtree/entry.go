// Package mtree reads, writes and checks manifests describing a
// directory tree in a subset of BSD mtree(5) syntax: one entry per
// line, paths relative to the top level, strings octal-escaped, and
// no device nodes or other special files.
package mtree

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Kind classifies a manifest entry by filesystem object type.
type Kind int

const (
	KindUnknown Kind = iota
	KindFile
	KindDir
	KindLink
	KindBlock
	KindChar
	KindFifo
	KindSocket
)

var kindNicks = map[string]Kind{
	"file":   KindFile,
	"dir":    KindDir,
	"link":   KindLink,
	"block":  KindBlock,
	"char":   KindChar,
	"fifo":   KindFifo,
	"socket": KindSocket,
}

func kindFromNick(s string) Kind {
	if k, ok := kindNicks[s]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	for nick, kind := range kindNicks {
		if kind == k {
			return nick
		}
	}
	return "unknown"
}

// Flags are the per-entry keywords that change how an entry is
// checked rather than what it describes. Ignore and Optional are
// independent: an entry can carry either or both.
type Flags uint8

const (
	// FlagIgnore marks a subtree whose contents are not described by
	// this manifest and must not be inspected at all.
	FlagIgnore Flags = 1 << iota
	// FlagOptional marks an entry that may legitimately be absent
	// from the tree.
	FlagOptional
	// FlagNoChange marks an entry whose mode and mtime must be left
	// alone when a manifest is applied to a tree.
	FlagNoChange
)

// Entry is one line of a manifest.
type Entry struct {
	// Name is the decoded path relative to the tree root, without a
	// leading "./". The root itself is ".".
	Name string
	Kind Kind
	// Mode holds the recorded permission bits, or -1 when the
	// manifest does not record a mode for this entry.
	Mode int
	// Size holds the recorded byte count, or -1 when not recorded.
	Size int64
	// Time holds the recorded mtime; the zero value means the
	// manifest does not record one.
	Time time.Time
	// Digest holds the recorded content digest of a regular file.
	// Zero-size files never carry a digest.
	Digest digest.Digest
	// Link holds the decoded symlink target. Set exactly when Kind
	// is KindLink.
	Link string
	// Contents names an alternate on-disk path holding this entry's
	// content, relative to the same root.
	Contents string
	Flags    Flags
}
