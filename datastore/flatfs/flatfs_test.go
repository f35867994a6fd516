package flatfs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"peershare/datamodel/peer"
	"peershare/oid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareEnumerateAndOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bee"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("ay"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	share, err := NewShare(dir)
	require.NoError(t, err)

	names, err := share.Enumerate()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)

	rc, size, digest, err := share.Open("b.txt")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(3), size)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "bee", string(data))

	want, _, err := oid.Digest(bytes.NewReader([]byte("bee")))
	require.NoError(t, err)
	assert.True(t, want.Equal(digest))
}

func TestShareRejectsMissingAndEscapingNames(t *testing.T) {
	share, err := NewShare(t.TempDir())
	require.NoError(t, err)

	_, _, _, err = share.Open("nope.txt")
	assert.True(t, errors.Is(err, ErrNotExist))

	_, _, _, err = share.Open("../etc/passwd")
	assert.ErrorIs(t, err, peer.ErrInvalidFilename)

	ok, err := share.Has("nope.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, _, err = share.Open("")
	assert.ErrorIs(t, err, peer.ErrInvalidFilename)
}

func TestShareDigestFollowsContentChanges(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("one"), 0644))

	share, err := NewShare(dir)
	require.NoError(t, err)

	rc, _, first, err := share.Open("f.txt")
	require.NoError(t, err)
	rc.Close()

	require.NoError(t, os.WriteFile(p, []byte("two, longer"), 0644))

	rc, size, second, err := share.Open("f.txt")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int64(len("two, longer")), size)
	assert.False(t, first.Equal(second))
}

func TestPartialCommitAndAbort(t *testing.T) {
	dl, err := NewDownloads(filepath.Join(t.TempDir(), "downloads"))
	require.NoError(t, err)

	p, err := dl.Create("film.mp4")
	require.NoError(t, err)
	_, err = p.Write([]byte("frames"))
	require.NoError(t, err)
	final, err := p.Commit()
	require.NoError(t, err)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))

	p, err = dl.Create("broken.bin")
	require.NoError(t, err)
	_, err = p.Write([]byte("half"))
	require.NoError(t, err)
	p.Abort()

	entries, err := os.ReadDir(dl.Path())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "film.mp4", entries[0].Name())
}

func TestPartialAcceptsLongestValidName(t *testing.T) {
	dl, err := NewDownloads(filepath.Join(t.TempDir(), "downloads"))
	require.NoError(t, err)

	name := strings.Repeat("a", 246) + ".bin"
	require.NoError(t, peer.ValidateFilename(name))

	p, err := dl.Create(name)
	require.NoError(t, err)
	_, err = p.Write([]byte("data"))
	require.NoError(t, err)
	final, err := p.Commit()
	require.NoError(t, err)
	assert.Equal(t, name, filepath.Base(final))
}
