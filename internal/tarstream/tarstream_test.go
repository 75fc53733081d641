package tarstream

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("top level"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "mid.bin"), bytes.Repeat([]byte{0xAB}, 4096), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "deep", "leaf"), []byte("leaf"), 0o600))
	return root
}

func assertTreeEqual(t *testing.T, src, dest string) {
	t.Helper()
	filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		require.NoError(t, err)
		want, err := os.ReadFile(path)
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dest, rel))
		require.NoError(t, err, rel)
		assert.Equal(t, want, got, rel)
		return nil
	})
}

func TestDirectoryRoundTrip(t *testing.T) {
	src := buildTree(t)

	r, err := Open(src, Options{})
	require.NoError(t, err)
	defer r.Close()

	dest := t.TempDir()
	require.NoError(t, Extract(r, dest, Options{}))
	assertTreeEqual(t, src, dest)
}

func TestDirectoryRoundTripCompressed(t *testing.T) {
	src := buildTree(t)

	r, err := Open(src, Options{Compress: true})
	require.NoError(t, err)
	defer r.Close()

	dest := t.TempDir()
	require.NoError(t, Extract(r, dest, Options{Compress: true}))
	assertTreeEqual(t, src, dest)
}

func TestSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("just one file"), 0o600))

	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	dest := t.TempDir()
	require.NoError(t, Extract(r, dest, Options{}))

	got, err := os.ReadFile(filepath.Join(dest, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, []byte("just one file"), got)
}

func TestOpenMissingPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), Options{})
	assert.Error(t, err)
}

func TestExtractRejectsUnsafeNames(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../evil", Mode: 0o600, Size: 4, Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	err = Extract(&buf, t.TempDir(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsafe entry name")
}

func TestCloseAbortsProducer(t *testing.T) {
	src := buildTree(t)
	r, err := Open(src, Options{})
	require.NoError(t, err)

	// Read a little, then abandon the stream; the producer must not wedge
	// a subsequent read.
	buf := make([]byte, 512)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Read(buf)
	assert.Error(t, err)
}
