package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.PubKey().Address()
	if !strings.HasPrefix(addr.String(), "nhb1") {
		t.Fatalf("unexpected address %s", addr)
	}
	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.String() != addr.String() || decoded.Prefix() != DefaultPrefix {
		t.Fatalf("decoded %s, want %s", decoded, addr)
	}
}

func TestSignRecoversSigner(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := ethcrypto.Keccak256([]byte("payload"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	addr, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if addr.String() != key.Identity().Address {
		t.Fatalf("recovered %s, want %s", addr, key.Identity().Address)
	}
	if _, err := key.Sign([]byte("short")); err == nil {
		t.Fatalf("expected error for short digest")
	}
}

func TestParseKeysFormats(t *testing.T) {
	a, _ := GeneratePrivateKey()
	b, _ := GeneratePrivateKey()
	hexA := hex.EncodeToString(a.Bytes())
	hexB := "0x" + hex.EncodeToString(b.Bytes())

	lines := "# relay keys\n" + hexA + "\n\n" + hexB + "\n"
	keys, err := ParseKeys([]byte(lines))
	if err != nil {
		t.Fatalf("parse lines: %v", err)
	}
	if len(keys) != 2 || keys[1].Identity().Address != b.Identity().Address {
		t.Fatalf("unexpected line keys %d", len(keys))
	}

	array := `["` + hexA + `", "` + hexB + `"]`
	keys, err = ParseKeys([]byte(array))
	if err != nil {
		t.Fatalf("parse array: %v", err)
	}
	if len(keys) != 2 || keys[0].Identity().Address != a.Identity().Address {
		t.Fatalf("unexpected array keys %d", len(keys))
	}

	if _, err := ParseKeys([]byte("zz-not-hex")); err == nil {
		t.Fatalf("expected error for invalid key")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, _ := GeneratePrivateKey()
	path := filepath.Join(t.TempDir(), "keys", "relay.json")
	if err := SaveToKeystore(path, key, "correct horse", LightKeystore); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected permissions %v", info.Mode().Perm())
	}
	loaded, err := LoadKeystores([]string{path}, func() (string, error) { return "correct horse", nil })
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Identity().Address != key.Identity().Address {
		t.Fatalf("loaded key mismatch")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
