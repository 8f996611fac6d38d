package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/minio/sio"
)

// Encrypted config files are laid out as
//
//	magic(4) | version(2, big-endian) | nonce(12) | AES-GCM sealed payload
//
// with magic and version bound as additional data.
const (
	configMagic     = "PVC1"
	configVer       = uint16(1)
	configHeaderLen = len(configMagic) + 2
	nonceLen        = 12
)

var ErrConfigHeader = errors.New("not an encrypted posvault config")

func dareConfig(key []byte) sio.Config {
	return sio.Config{
		Key:          key,
		MinVersion:   sio.Version20,
		CipherSuites: []byte{sio.AES_256_GCM},
	}
}

// EncryptWriter seals an archive stream for the off-site mirror with DARE.
// Close must be called to flush the final package.
func EncryptWriter(w io.Writer, key []byte) (io.WriteCloser, error) {
	return sio.EncryptWriter(w, dareConfig(key))
}

// DecryptReader opens a stream written by EncryptWriter. Authentication
// failures surface from Read.
func DecryptReader(r io.Reader, key []byte) (io.Reader, error) {
	return sio.DecryptReader(r, dareConfig(key))
}

func configAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("config cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptConfig seals a config file body.
func EncryptConfig(plain []byte, key []byte) ([]byte, error) {
	aead, err := configAEAD(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, configHeaderLen+nonceLen, configHeaderLen+nonceLen+len(plain)+aead.Overhead())
	copy(out, configMagic)
	binary.BigEndian.PutUint16(out[len(configMagic):], configVer)
	if _, err := rand.Read(out[configHeaderLen:]); err != nil {
		return nil, fmt.Errorf("config nonce: %w", err)
	}
	header, nonce := out[:configHeaderLen], out[configHeaderLen:]
	return aead.Seal(out, nonce, plain, header), nil
}

// DecryptConfig opens a body sealed by EncryptConfig.
func DecryptConfig(sealed []byte, key []byte) ([]byte, error) {
	if len(sealed) < configHeaderLen+nonceLen || string(sealed[:len(configMagic)]) != configMagic {
		return nil, ErrConfigHeader
	}
	if ver := binary.BigEndian.Uint16(sealed[len(configMagic):configHeaderLen]); ver != configVer {
		return nil, fmt.Errorf("unsupported config version %d", ver)
	}
	aead, err := configAEAD(key)
	if err != nil {
		return nil, err
	}
	header := sealed[:configHeaderLen]
	nonce := sealed[configHeaderLen : configHeaderLen+nonceLen]
	plain, err := aead.Open(nil, nonce, sealed[configHeaderLen+nonceLen:], header)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return plain, nil
}
