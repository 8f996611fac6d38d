package cryptoutil

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestStreamRoundTrip(t *testing.T) {
	key := newKey(t)
	payload := bytes.Repeat([]byte("ledger row\n"), 10000)

	var sealed bytes.Buffer
	w, err := EncryptWriter(&sealed, key)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NotContains(t, sealed.String(), "ledger row")

	r, err := DecryptReader(bytes.NewReader(sealed.Bytes()), key)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	r, err = DecryptReader(bytes.NewReader(sealed.Bytes()), newKey(t))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.Error(t, err)
}

func TestConfigRoundTripAndTamper(t *testing.T) {
	key := newKey(t)
	plain := []byte("stores:\n  - id: store-01\n")

	sealed, err := EncryptConfig(plain, key)
	require.NoError(t, err)
	assert.Equal(t, configMagic, string(sealed[:4]))

	got, err := DecryptConfig(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = DecryptConfig(tampered, key)
	assert.Error(t, err)

	_, err = DecryptConfig([]byte("PVC1\x00\x01short"), key)
	assert.ErrorIs(t, err, ErrConfigHeader)

	bumped := append([]byte(nil), sealed...)
	bumped[5] = 0x02
	_, err = DecryptConfig(bumped, key)
	assert.ErrorContains(t, err, "unsupported config version 2")
}
