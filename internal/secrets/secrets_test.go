package secrets

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	key, err := LoadOrCreateKey(filepath.Join(t.TempDir(), "secret.key"))
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	b, err := NewBox(key)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	return b
}

func TestSealOpenRoundTrip(t *testing.T) {
	b := newTestBox(t)

	sealed, err := b.Seal("ghp_supersecret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("ghp_supersecret")) {
		t.Fatal("ciphertext contains plaintext")
	}
	got, err := b.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "ghp_supersecret" {
		t.Errorf("open = %q", got)
	}
}

func TestEmptyPlaintext(t *testing.T) {
	b := newTestBox(t)
	sealed, err := b.Seal("")
	if err != nil || sealed != nil {
		t.Fatalf("seal empty: %v, %v", sealed, err)
	}
	got, err := b.Open(nil)
	if err != nil || got != "" {
		t.Fatalf("open nil: %q, %v", got, err)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	b := newTestBox(t)
	sealed, _ := b.Seal("token")
	sealed[len(sealed)-1] ^= 0xff

	if _, err := b.Open(sealed); !errors.Is(err, ErrCrypto) {
		t.Errorf("tampered open: err = %v, want ErrCrypto", err)
	}
}

func TestWrongKeyFails(t *testing.T) {
	a := newTestBox(t)
	b := newTestBox(t)
	sealed, _ := a.Seal("token")
	if _, err := b.Open(sealed); !errors.Is(err, ErrCrypto) {
		t.Errorf("wrong key open: err = %v, want ErrCrypto", err)
	}
}

func TestTruncatedSealedFails(t *testing.T) {
	b := newTestBox(t)
	if _, err := b.Open([]byte{sealVersion, 1, 2}); !errors.Is(err, ErrCrypto) {
		t.Errorf("truncated open: err = %v, want ErrCrypto", err)
	}
}

func TestLoadOrCreateKeyPersistsWithTightPerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secret.key")
	key1, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key2, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("key changed between loads")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}
