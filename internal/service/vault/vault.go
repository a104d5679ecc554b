// Package vault holds sensitive session payloads in memory only. Plaintext
// exists nowhere else: each session is encrypted under its own random key,
// expires after maxAge, and leaves no durable trace except the explicitly
// issued, passphrase-encrypted recovery blob.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/metrics"
	"github.com/splax/warden/pkg/crypto"
)

// ErrSessionNotFound covers both expired and never-existed sessions; callers
// cannot distinguish the two, so session existence does not leak.
var ErrSessionNotFound = errors.New("vault: session expired or not found")

// ErrDecryptFailed indicates a wrong passphrase or corrupted blob. The
// attempt is fatal; there is no degraded fallback.
var ErrDecryptFailed = errors.New("vault: decryption failed")

// DefaultMaxAge bounds a session's lifetime without updates.
const DefaultMaxAge = 30 * time.Minute

type entry struct {
	key        []byte
	ciphertext []byte
	createdAt  time.Time
}

// Vault is the ephemeral credential store. Sessions are independent; the
// single mutex only guards map access and each session's read-modify-write.
type Vault struct {
	mu       sync.Mutex
	sessions map[string]*entry
	maxAge   time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New returns an empty vault. A non-positive maxAge falls back to the
// default 30 minutes.
func New(maxAge time.Duration, logger *slog.Logger, m *metrics.Metrics) *Vault {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Vault{
		sessions: make(map[string]*entry),
		maxAge:   maxAge,
		logger:   logger.With("component", "vault"),
		metrics:  m,
		now:      time.Now,
	}
}

// Open stores payload under a fresh session key. An existing session with
// the same identifier is replaced.
func (v *Vault) Open(sessionID string, payload []byte) error {
	key, err := crypto.NewKey()
	if err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}
	ciphertext, err := crypto.Encrypt(key, payload)
	if err != nil {
		return fmt.Errorf("encrypt session payload: %w", err)
	}

	v.mu.Lock()
	v.sessions[sessionID] = &entry{key: key, ciphertext: ciphertext, createdAt: v.now()}
	v.metrics.SetVaultSessions(len(v.sessions))
	v.mu.Unlock()

	v.logger.Info("vault session opened", "session_id", sessionID)
	return nil
}

// Read returns the decrypted payload. An expired session is purged as a side
// effect and reported as not found; no background sweep is needed for
// correctness.
func (v *Vault) Read(sessionID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.liveEntry(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	payload, err := crypto.Decrypt(e.key, e.ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return payload, nil
}

// Update re-encrypts a new payload under the session's existing key and
// resets the creation timestamp, sliding the expiry window.
func (v *Vault) Update(sessionID string, newPayload []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.liveEntry(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	ciphertext, err := crypto.Encrypt(e.key, newPayload)
	if err != nil {
		return fmt.Errorf("encrypt session payload: %w", err)
	}
	e.ciphertext = ciphertext
	e.createdAt = v.now()
	return nil
}

// Purge deletes a session. Purging a missing session is a no-op.
func (v *Vault) Purge(sessionID string) {
	v.mu.Lock()
	if _, ok := v.sessions[sessionID]; ok {
		delete(v.sessions, sessionID)
		v.metrics.SetVaultSessions(len(v.sessions))
		v.logger.Info("vault session purged", "session_id", sessionID)
	}
	v.mu.Unlock()
}

// IssueRecoveryBlob encrypts the session's current payload under a key
// derived from the passphrase. The blob is safe to store durably: recovering
// it requires re-deriving the key from the original passphrase and salt.
func (v *Vault) IssueRecoveryBlob(sessionID, passphrase string) (*domain.RecoveryBlob, error) {
	payload, err := v.Read(sessionID)
	if err != nil {
		return nil, err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := crypto.DeriveKey(passphrase, salt)
	ciphertext, err := crypto.Encrypt(key, payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt recovery blob: %w", err)
	}
	return &domain.RecoveryBlob{
		SessionID:  sessionID,
		Ciphertext: ciphertext,
		Salt:       salt,
		CreatedAt:  v.now().UTC(),
	}, nil
}

// Recover decrypts a recovery blob with the passphrase and re-opens the
// session with the recovered payload. A wrong passphrase fails
// authentication cleanly and never yields garbage plaintext.
func (v *Vault) Recover(sessionID string, blob *domain.RecoveryBlob, passphrase string) error {
	key := crypto.DeriveKey(passphrase, blob.Salt)
	payload, err := crypto.Decrypt(key, blob.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return v.Open(sessionID, payload)
}

// Len reports the number of live sessions, counting expired-but-unswept
// entries until something touches them.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.sessions)
}

// RunJanitor sweeps expired sessions for memory hygiene until the context is
// cancelled. Correctness never depends on it; expiry is enforced lazily.
func (v *Vault) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	v.logger.Info("vault janitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			v.logger.Info("vault janitor stopped")
			return
		case <-ticker.C:
			v.sweep()
		}
	}
}

func (v *Vault) sweep() {
	now := v.now()
	v.mu.Lock()
	removed := 0
	for id, e := range v.sessions {
		if now.Sub(e.createdAt) > v.maxAge {
			delete(v.sessions, id)
			removed++
		}
	}
	v.metrics.SetVaultSessions(len(v.sessions))
	v.mu.Unlock()
	if removed > 0 {
		v.logger.Info("vault janitor swept sessions", "removed", removed)
	}
}

// liveEntry returns the entry when present and unexpired, purging lazily
// otherwise. Callers hold v.mu.
func (v *Vault) liveEntry(sessionID string) (*entry, bool) {
	e, ok := v.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if v.now().Sub(e.createdAt) > v.maxAge {
		delete(v.sessions, sessionID)
		v.metrics.SetVaultSessions(len(v.sessions))
		return nil, false
	}
	return e, true
}
