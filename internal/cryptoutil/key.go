package cryptoutil

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of the DARE and config keys.
const KeySize = 32

var ErrEmptyKey = errors.New("encryption key is empty")

var keyDecoders = map[string]func(string) ([]byte, error){
	"base64:": base64.StdEncoding.DecodeString,
	"hex:":    hex.DecodeString,
}

// ParseKey decodes an off-site or config key. It accepts an explicit
// "base64:" or "hex:" prefix; unprefixed keys are tried as base64 then hex.
func ParseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}

	var (
		data []byte
		err  error
	)
	decoded := false
	for prefix, decode := range keyDecoders {
		if rest, ok := strings.CutPrefix(key, prefix); ok {
			data, err = decode(rest)
			decoded = true
			break
		}
	}
	if !decoded {
		// 64 hex digits are also valid base64, so a wrong-length decode falls through to hex.
		if data, err = base64.StdEncoding.DecodeString(key); err != nil || len(data) != KeySize {
			if h, hexErr := hex.DecodeString(key); hexErr == nil {
				data, err = h, nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(data), KeySize)
	}
	return data, nil
}
