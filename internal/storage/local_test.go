package storage

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/posvault/internal/config"
)

func TestLocalPutGetStatDelete(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(t.TempDir())
	key := "store-01/files/job.tar.zst"

	require.NoError(t, l.Put(ctx, key, strings.NewReader("sealed"), -1, nil))

	exists, err := l.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	info, err := l.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size)

	rc, err := l.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "sealed", string(data))

	objects, err := l.List(ctx, "store-01")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, key, objects[0].Key)

	require.NoError(t, l.Delete(ctx, key))
	require.NoError(t, l.Delete(ctx, key), "deleting a missing key is not an error")
	exists, err = l.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestLocalPutLeavesNothingOnFailure(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(t.TempDir())
	key := "store-01/state/job.tar"

	require.Error(t, l.Put(ctx, key, failingReader{}, -1, nil))

	_, err := os.Stat(l.Path(key))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(l.Path(key) + partialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewLocal(t.TempDir())
	assert.ErrorIs(t, l.Put(ctx, "k", strings.NewReader("x"), 1, nil), context.Canceled)
}

func TestFactory(t *testing.T) {
	s, err := New(config.StorageConfig{Backend: "local", Local: config.LocalStore{Path: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, s)

	_, err = New(config.StorageConfig{Backend: "s3"})
	assert.Error(t, err)
	_, err = New(config.StorageConfig{Backend: "ftp"})
	assert.Error(t, err)
}

func TestS3KeysLiveUnderPrefix(t *testing.T) {
	s, err := New(config.StorageConfig{
		Backend: "s3",
		Prefix:  "/posvault/site-a/",
		S3:      config.S3Store{Endpoint: "localhost:9000", Bucket: "backups", ForcePathStyle: true},
	})
	require.NoError(t, err)
	remote, ok := s.(*S3)
	require.True(t, ok)
	assert.Equal(t, "posvault/site-a", remote.Prefix)
	assert.Equal(t, "posvault/site-a/store-01/files/job.tar.zst", remote.objectKey("store-01/files/job.tar.zst"))

	bare, err := NewS3(config.S3Store{Endpoint: "localhost:9000", Bucket: "backups"}, "")
	require.NoError(t, err)
	assert.Equal(t, "store-01/state/job.tar", bare.objectKey("store-01/state/job.tar"))
}
