package agora

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestKeystoreLoadOrCreateRestoresIdentity(t *testing.T) {
	ks := NewKeystore(filepath.Join(t.TempDir(), "identity.json"))

	if ks.Exists() {
		t.Fatal("keystore should not exist before first use")
	}
	created, err := ks.LoadOrCreate("hunter2")
	if err != nil {
		t.Fatalf("first run should create an identity: %v", err)
	}
	if !ks.Exists() {
		t.Fatal("keystore file should exist after creation")
	}

	restored, err := ks.LoadOrCreate("hunter2")
	if err != nil {
		t.Fatalf("second run should restore: %v", err)
	}
	if restored.Address() != created.Address() {
		t.Errorf("restored a different identity: %s vs %s", restored.Address(), created.Address())
	}
}

func TestKeystoreRejectsWrongPassphrase(t *testing.T) {
	ks := NewKeystore(filepath.Join(t.TempDir(), "identity.json"))
	if _, err := ks.LoadOrCreate("correct"); err != nil {
		t.Fatalf("creating identity: %v", err)
	}

	if _, err := ks.Load("incorrect"); err == nil {
		t.Fatal("a wrong passphrase must not unseal the identity")
	}
}

func TestKeystorePeekAddressLeavesKeySealed(t *testing.T) {
	ks := NewKeystore(filepath.Join(t.TempDir(), "identity.json"))

	if _, err := ks.PeekAddress(); !errors.Is(err, ErrKeystoreNotFound) {
		t.Fatalf("expected ErrKeystoreNotFound, got %v", err)
	}

	kp, err := ks.LoadOrCreate("hunter2")
	if err != nil {
		t.Fatalf("creating identity: %v", err)
	}

	address, err := ks.PeekAddress()
	if err != nil {
		t.Fatalf("peeking: %v", err)
	}
	if address != kp.Address() {
		t.Errorf("peeked address %s does not match identity %s", address, kp.Address())
	}
}

func TestKeystoreLoadMissingFile(t *testing.T) {
	ks := NewKeystore(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := ks.Load("any"); !errors.Is(err, ErrKeystoreNotFound) {
		t.Fatalf("expected ErrKeystoreNotFound, got %v", err)
	}
}
