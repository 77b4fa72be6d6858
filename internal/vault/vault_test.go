package vault

import (
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/pokemesh/internal/config"
	"github.com/mtzanidakis/pokemesh/internal/store"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := New("correct horse battery staple")

	plaintext := []byte("pokeapi token value")
	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestDecryptWithWrongPassphrase(t *testing.T) {
	ciphertext, nonce, err := New("passphrase-a").Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	if _, err := New("passphrase-b").Decrypt(ciphertext, nonce); err == nil {
		t.Fatal("expected decrypt failure with wrong passphrase")
	}
}

func TestKeyDerivationIsStable(t *testing.T) {
	// Same passphrase across restarts decrypts old ciphertext
	ciphertext, nonce, err := New("stable").Encrypt([]byte("value"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	got, err := New("stable").Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(got) != "value" {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func newTestSecrets(t *testing.T) *Secrets {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSecrets(New("test-passphrase"), s)
}

func TestSecretsStoreOnlyHoldsCiphertext(t *testing.T) {
	sec := newTestSecrets(t)

	if err := sec.Put("api-key", []byte("hunter2")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	raw, err := sec.store.GetSecret("api-key")
	if err != nil {
		t.Fatalf("raw get failed: %v", err)
	}
	if string(raw.Value) == "hunter2" {
		t.Fatal("plaintext stored in database")
	}

	got, err := sec.Get("api-key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("unexpected plaintext %q", got)
	}

	missing, err := sec.Get("nope")
	if err != nil {
		t.Fatalf("get missing failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown secret")
	}
}

func TestResolveEnv(t *testing.T) {
	sec := newTestSecrets(t)
	if err := sec.Put("tg-token", []byte("123:abc")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	env := sec.ResolveEnv(map[string]string{
		"TELEGRAM_TOKEN": "secret:tg-token",
		"LOG_LEVEL":      "debug",
		"BROKEN":         "secret:missing",
	})

	if env["TELEGRAM_TOKEN"] != "123:abc" {
		t.Errorf("reference not resolved: %q", env["TELEGRAM_TOKEN"])
	}
	if env["LOG_LEVEL"] != "debug" {
		t.Errorf("plain value mangled: %q", env["LOG_LEVEL"])
	}
	if _, ok := env["BROKEN"]; ok {
		t.Error("expected unresolvable reference to be dropped")
	}
}
