// Package vault encrypts stored secrets with a passphrase-derived key and
// resolves secret references in agent environment maps.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/pokemesh/internal/store"
	"golang.org/x/crypto/argon2"
)

// Vault provides AES-256-GCM encryption with a passphrase-derived key. The
// Argon2id salt is deterministic (SHA-256 of the passphrase), so the same
// passphrase produces the same key across restarts.
type Vault struct {
	key [32]byte
}

func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Secrets couples the vault with the store: callers see plaintext names and
// values, the database only ever holds ciphertext.
type Secrets struct {
	vault *Vault
	store *store.Store
}

func NewSecrets(v *Vault, s *store.Store) *Secrets {
	return &Secrets{vault: v, store: s}
}

func (s *Secrets) Put(name string, plaintext []byte) error {
	ciphertext, nonce, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", name, err)
	}
	return s.store.SaveSecret(&store.Secret{Name: name, Value: ciphertext, Nonce: nonce})
}

// Get returns the decrypted secret, or nil if unknown.
func (s *Secrets) Get(name string) ([]byte, error) {
	sec, err := s.store.GetSecret(name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, nil
	}
	plaintext, err := s.vault.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return plaintext, nil
}

func (s *Secrets) Names() ([]string, error) {
	return s.store.ListSecretNames()
}

func (s *Secrets) Delete(name string) error {
	return s.store.DeleteSecret(name)
}

// ResolveEnv replaces secret:<name> values with decrypted plaintext. An
// unresolvable reference drops the variable rather than leaking the
// reference string downstream.
func (s *Secrets) ResolveEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if !strings.HasPrefix(v, "secret:") {
			out[k] = v
			continue
		}
		name := strings.TrimPrefix(v, "secret:")
		plaintext, err := s.Get(name)
		if err != nil || plaintext == nil {
			slog.Warn("unresolvable secret reference dropped", "env", k, "secret", name)
			continue
		}
		out[k] = string(plaintext)
	}
	return out
}
