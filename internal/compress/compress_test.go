package compress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("receipt line 42\n", 512))
	for _, kind := range []string{TypeNone, TypeGzip, TypeZstd, TypeLZ4} {
		t.Run(kind, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := WrapWriter(kind, &buf)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := WrapReader(kind, &buf)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestUnsupportedCompression(t *testing.T) {
	_, err := WrapWriter("brotli", io.Discard)
	assert.Error(t, err)
	_, err = WrapReader("brotli", strings.NewReader(""))
	assert.Error(t, err)
}

func TestExtensionMapping(t *testing.T) {
	for _, kind := range []string{TypeGzip, TypeZstd, TypeLZ4} {
		assert.Equal(t, kind, FromExtension("job.tar."+Extension(kind)))
	}
	assert.Equal(t, "", Extension(TypeNone))
	assert.Equal(t, TypeNone, FromExtension("job.tar"))
}
