package domain

import "time"

// RecoveryBlob is the durable, passphrase-encrypted copy of a vault
// session's payload. It is the only vault state allowed to touch storage,
// and it is ciphertext under a key derived from a passphrase that is never
// stored alongside it.
type RecoveryBlob struct {
	SessionID  string
	Ciphertext []byte
	Salt       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}
