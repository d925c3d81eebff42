package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/yanun0323/errors"
)

const apiKeyBytes = 32

func newAPIKey() (string, [sha256.Size]byte, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", [sha256.Size]byte{}, errors.Wrap(err, "read random key")
	}
	key := hex.EncodeToString(buf)
	return key, hashKey(key), nil
}

func hashKey(key string) [sha256.Size]byte {
	return sha256.Sum256([]byte(key))
}

func keyMatches(stored [sha256.Size]byte, key string) bool {
	got := hashKey(key)
	return subtle.ConstantTimeCompare(stored[:], got[:]) == 1
}

func encodeHash(h [sha256.Size]byte) string {
	return hex.EncodeToString(h[:])
}

func decodeHash(s string) ([sha256.Size]byte, error) {
	var out [sha256.Size]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, errors.Wrap(err, "decode key hash")
	}
	if len(b) != sha256.Size {
		return out, errors.Errorf("key hash has %d bytes", len(b))
	}
	copy(out[:], b)
	return out, nil
}
