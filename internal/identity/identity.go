// Package identity implements the long-lived device keypair, the
// derived device identifier, and message signing/verification.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPrivateKey = errors.New("identity: invalid private key length")
	ErrInvalidPublicKey  = errors.New("identity: invalid public key length")
	ErrInvalidSignature  = errors.New("identity: invalid signature length")
)

// DeviceID derives the 16-byte device identifier from an Ed25519 public key:
// the first 16 bytes of the SHA-256 digest of the key.
func DeviceID(pub ed25519.PublicKey) [16]byte {
	sum := sha256.Sum256(pub)
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}

// Fingerprint renders a device ID as 8 colon-separated 4-hex-digit groups,
// e.g. a1b2:c3d4:e5f6:7890:1234:5678:9abc:def0.
func Fingerprint(id [16]byte) string {
	hexStr := hex.EncodeToString(id[:])
	groups := make([]string, 0, 8)
	for i := 0; i < len(hexStr); i += 4 {
		groups = append(groups, hexStr[i:i+4])
	}
	return strings.Join(groups, ":")
}

// Credential is the local device's long-lived identity, including the
// secret key. It must never be logged or printed directly.
type Credential struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	id         [16]byte
}

// Generate creates a new random device credential.
func Generate() (*Credential, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Credential{
		privateKey: priv,
		publicKey:  pub,
		id:         DeviceID(pub),
	}, nil
}

// Load reconstructs a credential from a persisted 64-byte Ed25519 secret key.
func Load(secret []byte) (*Credential, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	priv := ed25519.PrivateKey(append([]byte(nil), secret...))
	pub := priv.Public().(ed25519.PublicKey)
	return &Credential{
		privateKey: priv,
		publicKey:  pub,
		id:         DeviceID(pub),
	}, nil
}

// ID returns the raw 16-byte device identifier.
func (c *Credential) ID() [16]byte { return c.id }

// Fingerprint returns the human-readable form of ID().
func (c *Credential) Fingerprint() string { return Fingerprint(c.id) }

// PublicKey returns the Ed25519 public key.
func (c *Credential) PublicKey() ed25519.PublicKey { return c.publicKey }

// SecretKeyBytes returns the raw 64-byte private key for persistence.
// Callers are responsible for storing this securely (see external
// key-store interface in spec.md §6/§4.1).
func (c *Credential) SecretKeyBytes() []byte {
	return append([]byte(nil), c.privateKey...)
}

// Sign signs data with the device's secret key. No pre-hashing is applied
// beyond what Ed25519 itself performs.
func (c *Credential) Sign(data []byte) []byte {
	return ed25519.Sign(c.privateKey, data)
}

// Verify checks a signature made by this credential's own key.
func (c *Credential) Verify(data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(c.publicKey, data, sig)
}

// String redacts secret and public key material from debug output.
func (c *Credential) String() string {
	return fmt.Sprintf("Credential{id: %s, public_key: [REDACTED], secret_key: [REDACTED]}", c.Fingerprint())
}

// X25519PrivateKey derives an X25519 private key from the Ed25519 seed
// (SHA-512(seed)[:32] with RFC 7748 clamping), so the same long-lived
// identity can drive both signatures and the Noise handshake's static
// Diffie-Hellman key.
func (c *Credential) X25519PrivateKey() []byte {
	h := sha512.Sum512(c.privateKey.Seed())
	defer func() {
		for i := range h {
			h[i] = 0
		}
	}()

	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	key := make([]byte, 32)
	copy(key, h[:32])
	return key
}

// X25519PublicKey returns the public key corresponding to X25519PrivateKey.
func (c *Credential) X25519PublicKey() []byte {
	priv, err := ecdh.X25519().NewPrivateKey(c.X25519PrivateKey())
	if err != nil {
		panic("identity: derive x25519 public key: " + err.Error())
	}
	return priv.PublicKey().Bytes()
}

// PeerIdentity is the public-only identity of a remote device: a public
// key plus its derived identifier. Two PeerIdentity values are equal iff
// their public keys are equal.
type PeerIdentity struct {
	publicKey ed25519.PublicKey
	id        [16]byte
}

// NewPeerIdentity builds a PeerIdentity from a 32-byte Ed25519 public key.
func NewPeerIdentity(pub ed25519.PublicKey) (PeerIdentity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return PeerIdentity{}, ErrInvalidPublicKey
	}
	key := ed25519.PublicKey(append([]byte(nil), pub...))
	return PeerIdentity{publicKey: key, id: DeviceID(key)}, nil
}

func (p PeerIdentity) ID() [16]byte                 { return p.id }
func (p PeerIdentity) Fingerprint() string          { return Fingerprint(p.id) }
func (p PeerIdentity) PublicKey() ed25519.PublicKey { return p.publicKey }

// Equal compares two peer identities by public key.
func (p PeerIdentity) Equal(other PeerIdentity) bool {
	return p.publicKey.Equal(other.publicKey)
}

// Verify checks a signature against this peer's public key.
func (p PeerIdentity) Verify(data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(p.publicKey, data, sig)
}
