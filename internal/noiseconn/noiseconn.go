// Package noiseconn implements the Noise_XX_25519_ChaChaPoly_BLAKE2s
// mutual-authentication handshake and the resulting authenticated,
// encrypted connection described in spec.md §4.3.
//
// Each side's long-lived Ed25519 identity is bound into the handshake by
// signing the X25519 static public key and exchanging that signature as
// the handshake payload; this lets a peer verify who it is talking to
// without a separate certificate exchange.
package noiseconn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/valyala/bytebufferpool"

	"github.com/moukrea/remoshell-sub001/internal/identity"
)

const (
	tagSize       = 16      // ChaCha20-Poly1305 authentication tag
	maxPacketSize = 1 << 26 // 64 MiB ceiling for a single Noise transport message on the wire

	// prologue binds every handshake to this specific protocol so a
	// client can never be fooled into handshaking against a different
	// wire protocol that happens to speak Noise XX too.
	prologue = "remoshell/noise/xx/1"

	identityPayloadSize = 32 + 64 // Ed25519 public key + signature over the X25519 static key
)

var (
	ErrHandshakeFailed     = errors.New("noiseconn: handshake failed")
	ErrHandshakeIncomplete = errors.New("noiseconn: handshake incomplete")
	ErrInvalidSignature    = errors.New("noiseconn: invalid identity signature")
	ErrInvalidIdentity     = errors.New("noiseconn: invalid identity payload")
	ErrEncryptionFailed    = errors.New("noiseconn: encryption failed")
	ErrDecryptionFailed    = errors.New("noiseconn: decryption failed")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Handshaker performs the Noise XX handshake for one local credential.
type Handshaker struct {
	cred *identity.Credential
}

// New creates a Handshaker bound to the given long-lived credential.
func New(cred *identity.Credential) *Handshaker {
	return &Handshaker{cred: cred}
}

// Conn is a secured, authenticated connection established after a
// successful handshake. Frames on the wire are
// [4B big-endian ciphertext length][ciphertext + 16B AEAD tag]; nonces
// are managed internally by the underlying Noise cipher states and
// increase monotonically, so out-of-order ciphertexts are rejected by
// construction.
type Conn struct {
	conn io.ReadWriteCloser

	localID  identity.PeerIdentity
	remoteID identity.PeerIdentity

	encryptor *noise.CipherState
	decryptor *noise.CipherState

	writeMu sync.Mutex // serializes writes; counter nonces require strict ordering

	readMu     sync.Mutex
	readBuffer *bytebufferpool.ByteBuffer

	closeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

var pool bytebufferpool.Pool

func (c *Conn) RemoteIdentity() identity.PeerIdentity { return c.remoteID }
func (c *Conn) LocalIdentity() identity.PeerIdentity  { return c.localID }

func (c *Conn) SetDeadline(t time.Time) error {
	if nc, ok := c.conn.(interface{ SetDeadline(time.Time) error }); ok {
		return nc.SetDeadline(t)
	}
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	if nc, ok := c.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		return nc.SetReadDeadline(t)
	}
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	if nc, ok := c.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return nc.SetWriteDeadline(t)
	}
	return nil
}

// Write encrypts and writes p as one or more Noise transport messages,
// fragmenting payloads larger than half the max packet size.
func (c *Conn) Write(p []byte) (int, error) {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	const fragSize = maxPacketSize / 2
	if len(p) > fragSize {
		total := 0
		for start := 0; start < len(p); start += fragSize {
			end := min(start+fragSize, len(p))
			n, err := c.writeFragment(p[start:end])
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}
	return c.writeFragment(p)
}

func (c *Conn) writeFragment(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := pool.Get()
	defer pool.Put(buf)
	buf.Reset()

	var lenPrefix [4]byte
	buf.Write(lenPrefix[:])

	var err error
	buf.B, err = c.encryptor.Encrypt(buf.B, nil, p)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	binary.BigEndian.PutUint32(buf.B[:4], uint32(len(buf.B)-4))

	if _, err := c.conn.Write(buf.B); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read decrypts and returns data from the underlying connection. A single
// bit flipped anywhere in a ciphertext causes Read to fail with
// ErrDecryptionFailed; callers MUST treat this as fatal and close the
// connection.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readBuffer != nil && len(c.readBuffer.B) > 0 {
		n := copy(p, c.readBuffer.B)
		c.readBuffer.B = c.readBuffer.B[n:]
		return n, nil
	}

	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.conn, lenPrefix[:]); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > maxPacketSize || length < tagSize {
		return 0, ErrDecryptionFailed
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(c.conn, ciphertext); err != nil {
		return 0, err
	}

	plaintext, err := c.decryptor.Decrypt(ciphertext[:0], nil, ciphertext)
	if err != nil {
		_ = c.Close()
		return 0, ErrDecryptionFailed
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		if c.readBuffer == nil {
			c.readBuffer = pool.Get()
		}
		c.readBuffer.B = append(c.readBuffer.B[:0], plaintext[n:]...)
	}
	return n, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ClientHandshake runs the initiator side of Noise XX.
//
//	msg 1 (→): e
//	msg 2 (←): e, ee, s, es + responder identity payload
//	msg 3 (→): s, se + initiator identity payload
func (h *Handshaker) ClientHandshake(ctx context.Context, conn io.ReadWriteCloser) (*Conn, error) {
	return h.handshake(ctx, conn, true)
}

// ServerHandshake runs the responder side of Noise XX.
func (h *Handshaker) ServerHandshake(ctx context.Context, conn io.ReadWriteCloser) (*Conn, error) {
	return h.handshake(ctx, conn, false)
}

func (h *Handshaker) handshake(ctx context.Context, conn io.ReadWriteCloser, initiator bool) (*Conn, error) {
	static := noise.DHKey{
		Private: h.cred.X25519PrivateKey(),
		Public:  h.cred.X25519PublicKey(),
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
		Prologue:      []byte(prologue),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init: %w", ErrHandshakeFailed, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if nc, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
			if err := nc.SetDeadline(deadline); err != nil {
				return nil, fmt.Errorf("%w: set deadline: %w", ErrHandshakeFailed, err)
			}
			defer nc.SetDeadline(time.Time{})
		}
	}

	var encryptor, decryptor *noise.CipherState
	var remotePeer identity.PeerIdentity

	if initiator {
		msg1, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: write msg1: %w", ErrHandshakeFailed, err)
		}
		if err := writeFramed(conn, msg1); err != nil {
			return nil, fmt.Errorf("%w: send msg1: %w", ErrHandshakeFailed, err)
		}

		msg2, err := readFramed(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: recv msg2: %w", ErrHandshakeFailed, err)
		}
		remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
		if err != nil {
			return nil, fmt.Errorf("%w: read msg2: %w", ErrHandshakeFailed, err)
		}
		remotePeer, err = verifyIdentityPayload(remotePayload, hs.PeerStatic())
		if err != nil {
			conn.Close()
			return nil, err
		}

		localPayload := makeIdentityPayload(h.cred, static.Public)
		msg3, cs1, cs2, err := hs.WriteMessage(nil, localPayload)
		if err != nil {
			return nil, fmt.Errorf("%w: write msg3: %w", ErrHandshakeFailed, err)
		}
		if err := writeFramed(conn, msg3); err != nil {
			return nil, fmt.Errorf("%w: send msg3: %w", ErrHandshakeFailed, err)
		}
		encryptor, decryptor = cs1, cs2 // cs1 = initiator→responder, cs2 = responder→initiator
	} else {
		msg1, err := readFramed(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: recv msg1: %w", ErrHandshakeFailed, err)
		}
		if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
			return nil, fmt.Errorf("%w: read msg1: %w", ErrHandshakeFailed, err)
		}

		localPayload := makeIdentityPayload(h.cred, static.Public)
		msg2, _, _, err := hs.WriteMessage(nil, localPayload)
		if err != nil {
			return nil, fmt.Errorf("%w: write msg2: %w", ErrHandshakeFailed, err)
		}
		if err := writeFramed(conn, msg2); err != nil {
			return nil, fmt.Errorf("%w: send msg2: %w", ErrHandshakeFailed, err)
		}

		msg3, err := readFramed(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: recv msg3: %w", ErrHandshakeFailed, err)
		}
		remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
		if err != nil {
			return nil, fmt.Errorf("%w: read msg3: %w", ErrHandshakeFailed, err)
		}
		remotePeer, err = verifyIdentityPayload(remotePayload, hs.PeerStatic())
		if err != nil {
			conn.Close()
			return nil, err
		}
		encryptor, decryptor = cs2, cs1 // cs2 = responder→initiator, cs1 = initiator→responder
	}

	localPeer, err := identity.NewPeerIdentity(h.cred.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("%w: local identity: %w", ErrHandshakeFailed, err)
	}

	return &Conn{
		conn:      conn,
		localID:   localPeer,
		remoteID:  remotePeer,
		encryptor: encryptor,
		decryptor: decryptor,
	}, nil
}

func makeIdentityPayload(cred *identity.Credential, x25519Pub []byte) []byte {
	payload := make([]byte, identityPayloadSize)
	copy(payload[:32], cred.PublicKey())
	sig := cred.Sign(x25519Pub)
	copy(payload[32:], sig)
	return payload
}

func verifyIdentityPayload(payload []byte, remoteX25519Pub []byte) (identity.PeerIdentity, error) {
	if len(payload) != identityPayloadSize {
		return identity.PeerIdentity{}, ErrInvalidIdentity
	}
	peer, err := identity.NewPeerIdentity(payload[:32])
	if err != nil {
		return identity.PeerIdentity{}, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	sig := payload[32:]
	if !peer.Verify(remoteX25519Pub, sig) {
		return identity.PeerIdentity{}, ErrInvalidSignature
	}
	return peer, nil
}

func writeFramed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxPacketSize {
		return nil, ErrHandshakeFailed
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
