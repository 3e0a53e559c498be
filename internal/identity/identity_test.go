package identity

import (
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestGenerateProducesUniqueKeys(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatal("two generated credentials produced the same device id")
	}
}

func TestLoadRoundtrip(t *testing.T) {
	orig, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := Load(orig.SecretKeyBytes())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if orig.ID() != restored.ID() {
		t.Fatal("device id changed across load")
	}
	if !orig.PublicKey().Equal(restored.PublicKey()) {
		t.Fatal("public key changed across load")
	}
}

func TestLoadRejectsWrongLength(t *testing.T) {
	if _, err := Load([]byte("too short")); err != ErrInvalidPrivateKey {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	cred, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("hello device")
	sig := cred.Sign(msg)
	if !cred.Verify(msg, sig) {
		t.Fatal("verify failed for a valid signature")
	}
}

func TestVerifyFailsOnModifiedMessage(t *testing.T) {
	cred, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig := cred.Sign([]byte("original"))
	if cred.Verify([]byte("modified"), sig) {
		t.Fatal("verify succeeded for a modified message")
	}
}

func TestPeerIdentityVerifiesDeviceSignature(t *testing.T) {
	cred, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	peer, err := NewPeerIdentity(cred.PublicKey())
	if err != nil {
		t.Fatalf("new peer identity: %v", err)
	}
	msg := []byte("from peer")
	sig := cred.Sign(msg)
	if !peer.Verify(msg, sig) {
		t.Fatal("peer verify failed for a valid signature")
	}
	if peer.ID() != cred.ID() {
		t.Fatal("peer identity id does not match credential id")
	}
}

func TestNewPeerIdentityRejectsWrongLength(t *testing.T) {
	if _, err := NewPeerIdentity(ed25519.PublicKey([]byte{1, 2, 3})); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestFingerprintFormat(t *testing.T) {
	cred, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	fp := cred.Fingerprint()

	if len(fp) != 39 {
		t.Fatalf("expected 39 characters, got %d (%q)", len(fp), fp)
	}
	if strings.Count(fp, ":") != 7 {
		t.Fatalf("expected 7 colons, got %q", fp)
	}
	for i, group := range strings.Split(fp, ":") {
		if len(group) != 4 {
			t.Fatalf("group %d has length %d, want 4 (%q)", i, len(group), group)
		}
	}
}

func TestDeviceIDIsPureFunctionOfPublicKey(t *testing.T) {
	cred, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id1 := DeviceID(cred.PublicKey())
	id2 := DeviceID(cred.PublicKey())
	if id1 != id2 {
		t.Fatal("DeviceID is not deterministic for the same public key")
	}
}

func TestCredentialStringRedactsSecrets(t *testing.T) {
	cred, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	s := cred.String()
	if strings.Contains(s, string(cred.SecretKeyBytes())) {
		t.Fatal("String() leaked secret key bytes")
	}
}
