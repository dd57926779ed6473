package mtree

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineFile(t *testing.T) {
	entry, err := ParseLine(
		"./usr/bin/env type=file mode=755 time=5.0 size=3 "+
			"sha256="+digest.FromString("abc").Encoded(),
		"mtree.txt.gz", 3,
	)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "usr/bin/env", entry.Name)
	assert.Equal(t, KindFile, entry.Kind)
	assert.Equal(t, 0o755, entry.Mode)
	assert.Equal(t, int64(3), entry.Size)
	assert.Equal(t, time.Unix(5, 0), entry.Time)
	assert.Equal(t, digest.FromString("abc"), entry.Digest)
}

func TestParseLineRoot(t *testing.T) {
	entry, err := ParseLine(". type=dir", "m", 2)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ".", entry.Name)
	assert.Equal(t, KindDir, entry.Kind)
}

func TestParseLineSymlink(t *testing.T) {
	entry, err := ParseLine(
		`./bin/env type=link link=../usr/bin/env`, "m", 1,
	)
	require.NoError(t, err)
	assert.Equal(t, KindLink, entry.Kind)
	assert.Equal(t, "../usr/bin/env", entry.Link)
}

func TestParseLineEscapedName(t *testing.T) {
	entry, err := ParseLine(
		`./has\040space type=file size=0`, "m", 1,
	)
	require.NoError(t, err)
	assert.Equal(t, "has space", entry.Name)
}

func TestParseLineFlags(t *testing.T) {
	entry, err := ParseLine("./var type=dir ignore optional", "m", 1)
	require.NoError(t, err)
	assert.Equal(t, FlagIgnore|FlagOptional, entry.Flags)

	entry, err = ParseLine("./etc/hosts type=file nochange", "m", 1)
	require.NoError(t, err)
	assert.Equal(t, FlagNoChange, entry.Flags)
}

func TestParseLineFlagWithValue(t *testing.T) {
	_, err := ParseLine("./var type=dir ignore=1", "m", 1)
	assert.ErrorContains(t, err, "ignore does not take a value")
}

func TestParseLineDefaults(t *testing.T) {
	entry, err := ParseLine("./f type=file", "m", 1)
	require.NoError(t, err)
	assert.Equal(t, -1, entry.Mode)
	assert.Equal(t, int64(-1), entry.Size)
	assert.True(t, entry.Time.IsZero())
	assert.Empty(t, entry.Digest)
}

func TestParseLineIgnoredKeywords(t *testing.T) {
	entry, err := ParseLine(
		"./f type=file uid=0 gid=0 nlink=2 cksum=12345 size=1",
		"m", 1,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Size)
}

func TestParseLineCommentsAndBlank(t *testing.T) {
	for _, line := range []string{"", "#mtree", "# hard link to x"} {
		entry, err := ParseLine(line, "m", 1)
		assert.NoError(t, err)
		assert.Nil(t, entry)
	}
}

func TestParseLineTime(t *testing.T) {
	entry, err := ParseLine("./f type=file time=1.000000234", "m", 1)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1, 234), entry.Time)

	// Historic "seconds.nanoseconds" output with fewer than nine
	// digits is ambiguous and rejected.
	_, err = ParseLine("./f type=file time=1.234", "m", 1)
	assert.ErrorContains(t, err, "ambiguous nanoseconds count")

	_, err = ParseLine("./f type=file time=1.9999999999", "m", 1)
	assert.ErrorContains(t, err, "invalid nanoseconds count")
}

func TestParseLineSha256Digest(t *testing.T) {
	d := digest.FromString("x").Encoded()
	entry, err := ParseLine(
		"./f type=file sha256="+d+" sha256digest="+d, "m", 1,
	)
	require.NoError(t, err)
	assert.Equal(t, d, entry.Digest.Encoded())

	_, err = ParseLine(
		"./f type=file sha256="+d+" sha256digest=0000", "m", 1,
	)
	assert.ErrorContains(t, err, "not consistent")
}

func TestParseLineErrors(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"/set type=dir", "special commands not supported"},
		{"bin type=dir", "not relative to top level"},
		{`./f type=file \`, "continuation lines not supported"},
		{`./f\q type=file`, "unsupported backslash escape"},
		{"./f", "unknown mtree entry type"},
		{"./f type=file link=x", "non-symlink cannot have"},
		{"./f type=link", "symlink must have"},
		{"./f type=file mode=abc", "invalid mode"},
		{"./f type=file size=abc", "invalid size"},
		{"./f type=file time=abc", "invalid time"},
	}
	for _, tc := range cases {
		_, err := ParseLine(tc.line, "m", 1)
		assert.ErrorContains(t, err, tc.want, tc.line)
	}
}

func TestParseLineErrorNamesSourceAndLine(t *testing.T) {
	_, err := ParseLine("/set type=dir", "depot/mtree.txt.gz", 17)
	assert.ErrorContains(t, err, "depot/mtree.txt.gz: 17:")
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mtree.txt.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, line := range []string{
		"#mtree",
		". type=dir",
		"./bin type=dir",
		"./bin/env type=link link=../usr/bin/env",
		"# a comment",
		"./empty type=file size=0",
	} {
		_, err := gz.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

	entries, err := ReadManifest(p)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "bin", entries[0].Name)
	assert.Equal(t, "bin/env", entries[1].Name)
	assert.Equal(t, "empty", entries[2].Name)
}

func TestReadManifestNotGzip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mtree.txt.gz")
	require.NoError(t, os.WriteFile(p, []byte("#mtree\n"), 0o644))

	_, err := ReadManifest(p)
	assert.ErrorContains(t, err, "decompress")
}

func TestReadManifestBadLine(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mtree.txt.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(". type=dir\n/set type=dir\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

	_, err = ReadManifest(p)
	assert.ErrorContains(t, err, "special commands not supported")
}
