package agora

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agora-chat/agora/types"
	"github.com/agora-chat/agora/utilities"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

// Keystore persists a chat identity sealed under a passphrase.
//
// The Ed25519 seed is encrypted with XChaCha20-Poly1305; the sealing key is
// stretched from the passphrase with Argon2id so an attacker who copies the
// file still has to brute-force the passphrase. Chat state is never persisted,
// only the identity.
type Keystore struct {
	Path string
}

// sealedIdentity is the on-disk JSON layout. The address is stored in the
// clear so tooling can tell keystores apart without unsealing them. Sealed
// holds the nonce-prefixed box.
type sealedIdentity struct {
	Version int    `json:"v"`
	Address string `json:"address"`
	Salt    string `json:"salt"`
	Sealed  string `json:"sealed"`
}

const (
	keystoreVersion = 1
	keystorePurpose = "identity-seed"
)

// Argon2id parameters, 64 MiB / 3 passes. Parallelism is part of the derived
// key, so it is pinned rather than CPU-dependent: a keystore sealed on one
// machine must unseal anywhere.
const (
	kdfMemoryKiB   = 64 * 1024
	kdfIterations  = 3
	kdfParallelism = 4
	kdfSaltLength  = 16
	kdfKeyLength   = 32
)

var ErrKeystoreNotFound = errors.New("keystore file not found")

// NewKeystore points at (but does not open) a keystore file.
func NewKeystore(path string) *Keystore {
	return &Keystore{Path: path}
}

// DefaultKeystorePath is where the CLI keeps its identity.
func DefaultKeystorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".agora", "identity.json")
}

// Exists reports whether a sealed identity is already on disk.
func (ks *Keystore) Exists() bool {
	_, err := os.Stat(ks.Path)
	return err == nil
}

// Save seals the keypair's seed under the passphrase and writes it to disk.
func (ks *Keystore) Save(kp Keypair, passphrase string) error {
	salt := make([]byte, kdfSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("keystore salt: %w", err)
	}

	box, err := utilities.NewSecretBox(stretchPassphrase(passphrase, salt), keystorePurpose)
	if err != nil {
		return fmt.Errorf("keystore sealer: %w", err)
	}
	sealed, err := box.Seal(kp.PrivateKey.Seed())
	if err != nil {
		return fmt.Errorf("keystore seal: %w", err)
	}

	record := sealedIdentity{
		Version: keystoreVersion,
		Address: kp.Address().String(),
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Sealed:  base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(ks.Path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(ks.Path, data, 0o600); err != nil {
		return err
	}
	logrus.Infof("🔑 sealed identity %s to %s", kp.Address(), ks.Path)
	return nil
}

// Load unseals the identity. A wrong passphrase surfaces as a decryption
// error, not a panic.
func (ks *Keystore) Load(passphrase string) (Keypair, error) {
	data, err := os.ReadFile(ks.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Keypair{}, ErrKeystoreNotFound
		}
		return Keypair{}, err
	}

	var record sealedIdentity
	if err := json.Unmarshal(data, &record); err != nil {
		return Keypair{}, fmt.Errorf("keystore parse: %w", err)
	}
	if record.Version != keystoreVersion {
		return Keypair{}, fmt.Errorf("unsupported keystore version %d", record.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(record.Salt)
	if err != nil {
		return Keypair{}, fmt.Errorf("keystore salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(record.Sealed)
	if err != nil {
		return Keypair{}, fmt.Errorf("keystore payload: %w", err)
	}

	box, err := utilities.NewSecretBox(stretchPassphrase(passphrase, salt), keystorePurpose)
	if err != nil {
		return Keypair{}, fmt.Errorf("keystore sealer: %w", err)
	}
	seed, err := box.Open(sealed)
	if err != nil {
		return Keypair{}, fmt.Errorf("keystore unseal: %w", err)
	}

	kp, err := KeypairFromSeed(seed)
	if err != nil {
		return Keypair{}, err
	}
	if record.Address != "" && kp.Address() != types.Address(record.Address) {
		return Keypair{}, errors.New("keystore address does not match unsealed key")
	}
	return kp, nil
}

// PeekAddress reads the stored address without unsealing the key.
func (ks *Keystore) PeekAddress() (types.Address, error) {
	data, err := os.ReadFile(ks.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrKeystoreNotFound
		}
		return "", err
	}
	var record sealedIdentity
	if err := json.Unmarshal(data, &record); err != nil {
		return "", fmt.Errorf("keystore parse: %w", err)
	}
	return types.Address(record.Address), nil
}

// LoadOrCreate restores the identity, generating and sealing a new one on
// first run.
func (ks *Keystore) LoadOrCreate(passphrase string) (Keypair, error) {
	kp, err := ks.Load(passphrase)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrKeystoreNotFound) {
		return Keypair{}, err
	}

	kp, err = NewKeypair()
	if err != nil {
		return Keypair{}, err
	}
	if err := ks.Save(kp, passphrase); err != nil {
		return Keypair{}, err
	}
	logrus.Infof("🐣 created new identity %s", kp.Address())
	return kp, nil
}

func stretchPassphrase(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfIterations, kdfMemoryKiB, kdfParallelism, kdfKeyLength)
}
