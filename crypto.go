package agora

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/agora-chat/agora/types"
	"github.com/sirupsen/logrus"
)

// addressBytes is how much of the public key digest ends up in an address.
const addressBytes = 20

// Keypair holds the Ed25519 identity a participant signs with.
type Keypair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// NewKeypair generates a fresh random identity.
func NewKeypair() (Keypair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// KeypairFromSeed deterministically derives a keypair from a 32-byte seed.
// Same seed = same identity, which is what lets a sealed keystore restore it.
func KeypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, errors.New("invalid seed size")
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return Keypair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// Address derives the participant address from the public key.
func (kp Keypair) Address() types.Address {
	return AddressOf(kp.PublicKey)
}

// Sign signs a message with the keypair's private key
func (kp Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

// SignBase64 signs a message and returns the signature as a base64 string
func (kp Keypair) SignBase64(message []byte) string {
	return base64.StdEncoding.EncodeToString(kp.Sign(message))
}

// AddressOf hashes a public key into its participant address.
func AddressOf(pub ed25519.PublicKey) types.Address {
	digest := sha256.Sum256(pub)
	return types.Address(hex.EncodeToString(digest[:addressBytes]))
}

// FormatPublicKey encodes a public key for the wire.
func FormatPublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey decodes a wire-format public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(data), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(data), nil
}

// VerifySignature reports whether signature is valid for message under
// publicKey. Malformed inputs count as invalid rather than erroring.
func VerifySignature(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		logrus.Debugf("❌ malformed key or signature (%d/%d bytes)", len(publicKey), len(signature))
		return false
	}
	if !ed25519.Verify(publicKey, message, signature) {
		logrus.Debugf("❌ signature check failed for key %s", FormatPublicKey(publicKey))
		return false
	}
	return true
}

// VerifySignatureBase64 decodes a wire signature and verifies it.
func VerifySignatureBase64(publicKey ed25519.PublicKey, message []byte, signatureBase64 string) bool {
	signature, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		logrus.Debugf("❌ undecodable signature: %v", err)
		return false
	}
	return VerifySignature(publicKey, message, signature)
}

// VerifyAddressed checks that a base64 public key both hashes to the claimed
// address and verifies the signature. Every gossip payload goes through this
// before anything trusts its contents.
func VerifyAddressed(address types.Address, publicKeyBase64 string, message []byte, signatureBase64 string) bool {
	publicKey, err := ParsePublicKey(publicKeyBase64)
	if err != nil {
		logrus.Warnf("❌ Failed to parse public key for %s: %v", address, err)
		return false
	}
	if AddressOf(publicKey) != address {
		logrus.Warnf("❌ Public key does not hash to claimed address %s", address)
		return false
	}
	return VerifySignatureBase64(publicKey, message, signatureBase64)
}
