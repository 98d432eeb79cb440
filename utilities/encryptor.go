package utilities

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SecretBox seals small payloads under caller-supplied key material using
// XChaCha20-Poly1305. The material is expanded through HKDF with the purpose
// string as the info input, so two boxes built from the same material but
// different purposes cannot open each other's payloads.
//
// The keystore uses this to keep the chat identity sealed on disk.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives a sealing key from key material of any length.
func NewSecretBox(material []byte, purpose string) (*SecretBox, error) {
	expand := hkdf.New(sha256.New, material, []byte("agora:v1"), []byte(purpose))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(expand, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce and returns the nonce
// prepended to the ciphertext, ready to store as a single blob.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a blob produced by Seal.
func (b *SecretBox) Open(box []byte) ([]byte, error) {
	if len(box) < b.aead.NonceSize() {
		return nil, errors.New("sealed box too short")
	}
	nonce, ciphertext := box[:b.aead.NonceSize()], box[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("wrong key or corrupted box")
	}
	return plaintext, nil
}
