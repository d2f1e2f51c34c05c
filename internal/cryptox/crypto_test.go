package cryptox

import (
	"bytes"
	"testing"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	passphrase := []byte("secret-passphrase")
	salt := []byte("fixed-salt-16byt")

	key1 := DeriveKey(passphrase, salt)
	key2 := DeriveKey(passphrase, salt)

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same result for same inputs, got different")
	}
	if len(key1) != keySize {
		t.Errorf("expected %d-byte key, got %d", keySize, len(key1))
	}
}

func TestDeriveKey_DifferentSalts(t *testing.T) {
	passphrase := []byte("secret-passphrase")

	key1 := DeriveKey(passphrase, []byte("salt-1"))
	key2 := DeriveKey(passphrase, []byte("salt-2"))

	if bytes.Equal(key1, key2) {
		t.Errorf("expected different results for different salts, got same")
	}
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	passphrase := []byte("token-seal-key")
	token := []byte("1//0gLu9XYZrefreshtoken")

	sealed, err := Seal(token, passphrase)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, token) {
		t.Fatalf("sealed blob leaks plaintext")
	}

	opened, err := Unseal(sealed, passphrase)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if !bytes.Equal(opened, token) {
		t.Errorf("round trip mismatch: got %q want %q", opened, token)
	}
}

func TestSeal_UniqueBlobs(t *testing.T) {
	passphrase := []byte("token-seal-key")
	token := []byte("same-plaintext")

	sealed1, err := Seal(token, passphrase)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed2, err := Seal(token, passphrase)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// Random salt and nonce must make every blob distinct.
	if bytes.Equal(sealed1, sealed2) {
		t.Errorf("expected distinct sealed blobs for same plaintext")
	}
}

func TestUnseal_WrongPassphrase(t *testing.T) {
	sealed, err := Seal([]byte("payload"), []byte("right"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Unseal(sealed, []byte("wrong")); err == nil {
		t.Errorf("expected error for wrong passphrase")
	}
}

func TestUnseal_TruncatedBlob(t *testing.T) {
	if _, err := Unseal([]byte("short"), []byte("k")); err == nil {
		t.Errorf("expected error for truncated blob")
	}
}
