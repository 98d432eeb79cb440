// Package keyring caches verified public keys by participant address.
//
// Addresses are derived from public keys, so a key is only admitted after
// the binding check proves it hashes to the address it claims. Once cached,
// signature checks on that address skip the parse-and-hash work every
// message otherwise pays.
package keyring

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/agora-chat/agora/types"
)

// Binding derives the address a public key must match. Injected by the
// caller so this package doesn't need to know the derivation rule.
type Binding func(pub ed25519.PublicKey) types.Address

// ErrBindingMismatch means a key does not hash to the address it was
// registered under.
var ErrBindingMismatch = errors.New("public key does not bind to address")

// Keyring holds our signing identity plus the verified keys of everyone
// we've heard from.
type Keyring struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	myAddress  types.Address
	binding    Binding

	keys map[types.Address]ed25519.PublicKey
	mu   sync.RWMutex
}

// New creates a Keyring from an Ed25519 private key, our address, and the
// key-to-address binding rule.
func New(privateKey ed25519.PrivateKey, myAddress types.Address, binding Binding) *Keyring {
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Keyring{
		privateKey: privateKey,
		publicKey:  publicKey,
		myAddress:  myAddress,
		binding:    binding,
		keys:       make(map[types.Address]ed25519.PublicKey),
	}
}

// === Our Identity ===

// MyAddress returns our participant address.
func (k *Keyring) MyAddress() types.Address {
	return k.myAddress
}

// MyPublicKey returns our public key.
func (k *Keyring) MyPublicKey() ed25519.PublicKey {
	return k.publicKey
}

// MyPublicKeyBase64 returns our public key as a base64 string.
func (k *Keyring) MyPublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.publicKey)
}

// Sign signs data with our private key.
func (k *Keyring) Sign(data []byte) []byte {
	return ed25519.Sign(k.privateKey, data)
}

// SignBase64 signs data and returns a base64-encoded signature.
func (k *Keyring) SignBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(k.Sign(data))
}

// === Others' Keys ===

// Register stores a public key for an address after checking the binding.
func (k *Keyring) Register(address types.Address, pubkey ed25519.PublicKey) error {
	if address == "" || len(pubkey) != ed25519.PublicKeySize {
		return errors.New("empty address or malformed key")
	}
	if k.binding != nil && k.binding(pubkey) != address {
		return ErrBindingMismatch
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[address] = pubkey
	return nil
}

// RegisterBase64 parses and stores a base64-encoded public key.
func (k *Keyring) RegisterBase64(address types.Address, pubkeyBase64 string) error {
	pubkey, err := ParsePublicKey(pubkeyBase64)
	if err != nil {
		return err
	}
	return k.Register(address, pubkey)
}

// Lookup returns the public key for an address, or nil if unknown.
// Also answers for our own address.
func (k *Keyring) Lookup(address types.Address) ed25519.PublicKey {
	if address == "" {
		return nil
	}
	if address == k.myAddress {
		return k.publicKey
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[address]
}

// Has returns true if we hold a verified key for the address.
func (k *Keyring) Has(address types.Address) bool {
	return k.Lookup(address) != nil
}

// Count returns the number of registered keys (excluding our own).
func (k *Keyring) Count() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// === Verification ===

// Verify checks a signature from an address. False when the address is
// unknown or the signature is bad.
func (k *Keyring) Verify(address types.Address, data, signature []byte) bool {
	pubkey := k.Lookup(address)
	if pubkey == nil {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubkey, data, signature)
}

// VerifyBase64 checks a base64-encoded signature from an address.
func (k *Keyring) VerifyBase64(address types.Address, data []byte, signatureBase64 string) bool {
	signature, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false
	}
	return k.Verify(address, data, signature)
}

// === Utility ===

// ParsePublicKey decodes a base64 public key string.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return ed25519.PublicKey(data), nil
}

// FormatPublicKey encodes a public key as base64.
func FormatPublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
