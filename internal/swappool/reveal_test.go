package swappool

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestEncryptDecryptDestinationRoundTrips(t *testing.T) {
	poolID := "pool-xyz"
	addr := []byte("bc1pexampledestinationaddressbytes")
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	encrypted, err := EncryptDestination(poolID, priv.PubKey(), addr)
	if err != nil {
		t.Fatalf("EncryptDestination: %v", err)
	}
	if bytes.Contains(encrypted, addr) {
		t.Fatal("ciphertext must not contain plaintext")
	}
	decrypted, err := DecryptDestination(poolID, priv.PubKey(), encrypted)
	if err != nil {
		t.Fatalf("DecryptDestination: %v", err)
	}
	if !bytes.Equal(decrypted, addr) {
		t.Fatalf("decrypted = %q, want %q", decrypted, addr)
	}
}

func TestEncryptDestinationDiffersAcrossPools(t *testing.T) {
	addr := []byte("same-address-bytes-00000000000000")
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	a, err := EncryptDestination("pool-a", priv.PubKey(), addr)
	if err != nil {
		t.Fatalf("EncryptDestination(pool-a): %v", err)
	}
	decryptedUnderB, err := DecryptDestination("pool-b", priv.PubKey(), a)
	if err == nil {
		t.Fatalf("expected decrypt under wrong pool id to fail, got %q", decryptedUnderB)
	}
}

func TestVerifyRevealAcceptsGenuineReveal(t *testing.T) {
	poolID := "pool-1"
	addr := []byte("destination-address")
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	encrypted, err := EncryptDestination(poolID, priv.PubKey(), addr)
	if err != nil {
		t.Fatalf("EncryptDestination: %v", err)
	}
	commitment := CommitmentDigest(encrypted)

	if err := VerifyReveal(poolID, priv.PubKey(), encrypted, commitment, addr); err != nil {
		t.Fatalf("VerifyReveal: %v", err)
	}
}

func TestVerifyRevealRejectsWrongCommitment(t *testing.T) {
	poolID := "pool-1"
	addr := []byte("destination-address")
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	encrypted, err := EncryptDestination(poolID, priv.PubKey(), addr)
	if err != nil {
		t.Fatalf("EncryptDestination: %v", err)
	}
	wrongEncrypted, err := EncryptDestination(poolID, priv.PubKey(), []byte("not-the-address"))
	if err != nil {
		t.Fatalf("EncryptDestination: %v", err)
	}
	wrongCommitment := CommitmentDigest(wrongEncrypted)

	if err := VerifyReveal(poolID, priv.PubKey(), encrypted, wrongCommitment, addr); err != ErrRevealCommitmentMismatch {
		t.Fatalf("err = %v, want ErrRevealCommitmentMismatch", err)
	}
}

func TestVerifyRevealRejectsMismatchedAddress(t *testing.T) {
	poolID := "pool-1"
	addr := []byte("destination-address")
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	encrypted, err := EncryptDestination(poolID, priv.PubKey(), addr)
	if err != nil {
		t.Fatalf("EncryptDestination: %v", err)
	}
	commitment := CommitmentDigest(encrypted)

	if err := VerifyReveal(poolID, priv.PubKey(), encrypted, commitment, []byte("a-different-address")); err != ErrRevealAddressMismatch {
		t.Fatalf("err = %v, want ErrRevealAddressMismatch", err)
	}
}

func TestVerifyRevealRejectsWrongParticipantKey(t *testing.T) {
	poolID := "pool-1"
	addr := []byte("destination-address")
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	other, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	encrypted, err := EncryptDestination(poolID, priv.PubKey(), addr)
	if err != nil {
		t.Fatalf("EncryptDestination: %v", err)
	}
	commitment := CommitmentDigest(encrypted)

	if err := VerifyReveal(poolID, other.PubKey(), encrypted, commitment, addr); err != ErrRevealAddressMismatch {
		t.Fatalf("err = %v, want ErrRevealAddressMismatch", err)
	}
}
