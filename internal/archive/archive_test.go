package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/posvault/internal/compress"
	"github.com/rowjay/posvault/internal/model"
)

func TestWriteExtractRoundTrip(t *testing.T) {
	for _, kind := range []string{compress.TypeNone, compress.TypeGzip, compress.TypeZstd, compress.TypeLZ4} {
		t.Run(kind, func(t *testing.T) {
			src := t.TempDir()
			body := []byte("espresso,2.50\nlatte,3.20\n")
			srcFile := filepath.Join(src, "menu.csv")
			require.NoError(t, os.WriteFile(srcFile, body, 0o644))

			var buf bytes.Buffer
			w, err := NewWriter(&buf, kind)
			require.NoError(t, err)
			sum, err := w.AddFile(FilesPrefix+"menu/menu.csv", srcFile, int64(len(body)), 0o644)
			require.NoError(t, err)
			meta := JobMeta{JobID: "j1", Scope: "files", ChainID: "c1", CreatedAt: time.Now().UTC().Truncate(time.Second)}
			require.NoError(t, w.AddMeta(meta))
			require.NoError(t, w.Close())

			archiveSum, n, err := Checksum(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, int64(buf.Len()), n)
			assert.Len(t, archiveSum, 64)

			dest := t.TempDir()
			contents, err := Extract(bytes.NewReader(buf.Bytes()), kind, dest)
			require.NoError(t, err)
			require.True(t, contents.HasMeta)
			assert.Equal(t, "j1", contents.Meta.JobID)
			assert.Equal(t, sum, contents.Files[FilesPrefix+"menu/menu.csv"])

			got, err := os.ReadFile(filepath.Join(dest, "files", "menu", "menu.csv"))
			require.NoError(t, err)
			assert.Equal(t, body, got)
		})
	}
}

func TestAddFileDetectsShrunkFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "receipt.txt")
	require.NoError(t, os.WriteFile(src, []byte("short"), 0o600))

	w, err := NewWriter(&bytes.Buffer{}, compress.TypeNone)
	require.NoError(t, err)
	_, err = w.AddFile(FilesPrefix+"receipt.txt", src, 100, 0o600)
	assert.ErrorIs(t, err, model.ErrSourceCorrupted)
}

func TestAddFileDetectsGrownFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "receipt.txt")
	require.NoError(t, os.WriteFile(src, []byte("a2 plus appended tail"), 0o600))

	var buf bytes.Buffer
	w, err := NewWriter(&buf, compress.TypeNone)
	require.NoError(t, err)
	_, err = w.AddFile(FilesPrefix+"receipt.txt", src, 2, 0o600)
	assert.ErrorIs(t, err, model.ErrSourceCorrupted)
	assert.ErrorContains(t, err, "changed during backup")

	sum, err := w.AddFile(FilesPrefix+"exact.txt", src, int64(len("a2 plus appended tail")), 0o600)
	require.NoError(t, err)
	assert.NotEmpty(t, sum)
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	payload := "owned"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../etc/evil", Size: int64(len(payload)), Mode: 0o600, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = Extract(&buf, compress.TypeNone, t.TempDir())
	assert.ErrorIs(t, err, model.ErrSourceCorrupted)
}

func TestExtractRejectsGarbage(t *testing.T) {
	_, err := Extract(strings.NewReader(strings.Repeat("x", 2048)), compress.TypeNone, t.TempDir())
	assert.Error(t, err)
}
