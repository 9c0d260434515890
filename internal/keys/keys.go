// Package keys owns the at-rest encryption key and the seal/open boundary.
// Key material never leaves this package.
package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/civisync/civisync/internal/domain"
)

const keySize = 32 // AES-256

// Provider supplies persistent storage for the raw key.
type Provider interface {
	Name() string
	// Load returns the stored key, or nil when none exists yet.
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, key []byte) error
}

// Key wraps an AEAD over the at-rest key. Degraded reports that the key
// lives in software-protected storage rather than a hardware-backed store.
type Key struct {
	aead     cipher.AEAD
	Degraded bool
	Source   string
}

// Manager resolves the encryption key, preferring a hardware-backed
// provider and falling back to a software provider.
type Manager struct {
	hardware Provider
	software Provider
	logger   *slog.Logger
}

func NewManager(hardware, software Provider, logger *slog.Logger) *Manager {
	return &Manager{
		hardware: hardware,
		software: software,
		logger:   logger,
	}
}

// GetOrCreateKey loads the existing key or generates and stores a new one.
// When the hardware provider is missing or fails, the software fallback is
// used and the returned Key is marked degraded.
func (m *Manager) GetOrCreateKey(ctx context.Context) (*Key, error) {
	if m.hardware != nil {
		key, err := m.getOrCreate(ctx, m.hardware)
		if err == nil {
			return &Key{aead: key, Source: m.hardware.Name()}, nil
		}
		m.logger.Warn("hardware key store unavailable, falling back to software key",
			"provider", m.hardware.Name(),
			"error", err,
		)
	}

	if m.software == nil {
		return nil, domain.NewEncryptionFailureError(fmt.Errorf("no key provider available"))
	}

	key, err := m.getOrCreate(ctx, m.software)
	if err != nil {
		return nil, domain.NewEncryptionFailureError(err)
	}

	// Software-protected storage is degraded regardless of whether a
	// hardware provider was configured and failed or never existed.
	return &Key{
		aead:     key,
		Degraded: true,
		Source:   m.software.Name(),
	}, nil
}

func (m *Manager) getOrCreate(ctx context.Context, p Provider) (cipher.AEAD, error) {
	raw, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load key from %s: %w", p.Name(), err)
	}

	if raw == nil {
		raw = make([]byte, keySize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := p.Store(ctx, raw); err != nil {
			return nil, fmt.Errorf("store key in %s: %w", p.Name(), err)
		}
		m.logger.Info("generated new at-rest key", "provider", p.Name())
	}

	if len(raw) != keySize {
		return nil, fmt.Errorf("key from %s has %d bytes, want %d", p.Name(), len(raw), keySize)
	}

	return newAEAD(raw)
}

func newAEAD(raw []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext and returns the ciphertext with its nonce.
func (k *Key) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, domain.NewEncryptionFailureError(err)
	}
	return k.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext sealed with this key. A failed authentication
// tag means the stored record was altered or the key changed.
func (k *Key) Open(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return plaintext, nil
}
