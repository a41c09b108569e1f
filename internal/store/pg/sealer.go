package pg

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	plainTag  byte = 0x00
	sealedTag byte = 0x01
	nonceSize      = 24
)

var ErrSealBroken = errors.New("pg: sealed value cannot be opened")

// Sealer encrypts secret columns with a symmetric key. A nil Sealer stores
// values tagged as plaintext.
type Sealer struct {
	key [32]byte
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(key))
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// ParseSealKey decodes a base64 key as found in configuration. An empty
// string yields a nil Sealer.
func ParseSealKey(encoded string) (*Sealer, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	return NewSealer(key)
}

func (s *Sealer) Seal(plain string) ([]byte, error) {
	if plain == "" {
		return nil, nil
	}
	if s == nil {
		return append([]byte{plainTag}, plain...), nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+nonceSize+len(plain)+secretbox.Overhead)
	out = append(out, sealedTag)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, []byte(plain), &nonce, &s.key), nil
}

func (s *Sealer) Open(stored []byte) (string, error) {
	if len(stored) == 0 {
		return "", nil
	}
	switch stored[0] {
	case plainTag:
		return string(stored[1:]), nil
	case sealedTag:
		if s == nil || len(stored) < 1+nonceSize+secretbox.Overhead {
			return "", ErrSealBroken
		}
		var nonce [nonceSize]byte
		copy(nonce[:], stored[1:1+nonceSize])
		plain, ok := secretbox.Open(nil, stored[1+nonceSize:], &nonce, &s.key)
		if !ok {
			return "", ErrSealBroken
		}
		return string(plain), nil
	}
	return "", ErrSealBroken
}
