// Package secrets implements tenant-scoped secret storage with envelope
// encryption (spec.md §3, §4.8 "secrets" subtree).
//
// The AES-GCM envelope scheme here is adapted from
// _examples/r3e-network-service_layer/infrastructure/crypto/envelope.go,
// with its ad-hoc HMAC key derivation replaced by a standard HKDF-SHA256
// expand (golang.org/x/crypto/hkdf) over the master key, using the secret's
// (tenant, scope) as salt/info — the same "derive a per-subject key, never
// reuse the master key directly" shape, grounded on a library already in
// the teacher's dependency stack's ecosystem neighborhood rather than the
// teacher's own hand-rolled HMAC construction.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const envelopeVersionPrefix = "v1:"

func deriveKey(masterKey, salt []byte, info string) ([]byte, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	kdf := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func aad(subject []byte, info string) []byte {
	buf := make([]byte, 0, len(info)+1+len(subject))
	buf = append(buf, info...)
	buf = append(buf, 0)
	buf = append(buf, subject...)
	return buf
}

// Encrypt encrypts plaintext under a key derived from masterKey and the
// (subject, info) pair — Service uses "<tenant>|<function>" as subject so
// secrets in different scopes never share a key even under the same master key.
func Encrypt(masterKey, subject []byte, info string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	key, err := deriveKey(masterKey, subject, info)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, aad(subject, info))
	buf := append(nonce, ciphertext...)
	return []byte(envelopeVersionPrefix + base64.RawURLEncoding.EncodeToString(buf)), nil
}

// Decrypt reverses Encrypt.
func Decrypt(masterKey, subject []byte, info string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	encoded := strings.TrimPrefix(strings.TrimSpace(string(ciphertext)), envelopeVersionPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	key, err := deriveKey(masterKey, subject, info)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, aad(subject, info))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
