package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Changing these invalidates previously issued recovery
// blobs, so they are fixed rather than configurable.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	SaltSize   = 16
)

// NewSalt generates a random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey stretches a passphrase into an AES-256 key using Argon2id. The
// derivation is deterministic for a given (passphrase, salt) pair.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, KeySize)
}
