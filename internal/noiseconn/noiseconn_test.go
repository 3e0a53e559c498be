package noiseconn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/moukrea/remoshell-sub001/internal/identity"
)

// pipeConn wraps one half of an in-memory net.Pipe. net.Pipe (unlike
// io.Pipe) honors SetDeadline, which the handshake and a context deadline
// test below both rely on, while still giving fully synchronous,
// unbuffered semantics like the teacher's handshake tests use.
type pipeConn struct {
	net.Conn
}

func newPipePair() (*pipeConn, *pipeConn) {
	a, b := net.Pipe()
	return &pipeConn{Conn: a}, &pipeConn{Conn: b}
}

func mustCred(t *testing.T) *identity.Credential {
	t.Helper()
	cred, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate credential: %v", err)
	}
	return cred
}

func handshakePair(t *testing.T) (client *Conn, server *Conn) {
	t.Helper()
	clientConn, serverConn := newPipePair()
	clientCred := mustCred(t)
	serverCred := mustCred(t)

	var wg sync.WaitGroup
	var clientErr, serverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		client, clientErr = New(clientCred).ClientHandshake(context.Background(), clientConn)
	}()
	go func() {
		defer wg.Done()
		server, serverErr = New(serverCred).ServerHandshake(context.Background(), serverConn)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("client handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
	return client, server
}

func TestHandshakeEstablishesMutualIdentity(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	if !client.RemoteIdentity().Equal(server.LocalIdentity()) {
		t.Fatal("client's view of remote identity does not match server's local identity")
	}
	if !server.RemoteIdentity().Equal(client.LocalIdentity()) {
		t.Fatal("server's view of remote identity does not match client's local identity")
	}
}

func TestHandshakeRejectsForgedIdentitySignature(t *testing.T) {
	// Two handshakers whose X25519 static key does not match the Ed25519
	// identity they claim cannot complete a handshake: verifyIdentityPayload
	// checks the signature against the *actual* negotiated static key, so
	// any mismatch between claimed and real identity is caught directly by
	// the normal handshake path. This test runs no handshake: it calls
	// verifyIdentityPayload directly and checks that a tampered payload is
	// rejected, an intact one verifies, and an intact one fails against a
	// different credential's static key.
	cred := mustCred(t)
	otherCred := mustCred(t)

	staticPub := cred.X25519PublicKey()
	payload := makeIdentityPayload(cred, staticPub)

	// Tamper with the embedded public key so it no longer matches the
	// signature that follows it.
	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xFF

	if _, err := verifyIdentityPayload(tampered, staticPub); err == nil {
		t.Fatal("expected verification to fail for a tampered identity payload")
	}

	// Sanity: the untampered payload verifies against the same static key,
	// and fails against a different credential's static key.
	if _, err := verifyIdentityPayload(payload, staticPub); err != nil {
		t.Fatalf("expected valid payload to verify, got %v", err)
	}
	if _, err := verifyIdentityPayload(payload, otherCred.X25519PublicKey()); err == nil {
		t.Fatal("expected verification to fail against the wrong static key")
	}
}

func TestSecureConnRoundTrip(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	msg := []byte("the quick brown fox jumps over the lazy dog")
	done := make(chan error, 1)
	go func() {
		_, err := client.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("roundtrip mismatch: got %q want %q", buf, msg)
	}
}

func TestSecureConnRoundTripManySequentialMessages(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	const count = 64
	messages := make([][]byte, count)
	for i := range messages {
		messages[i] = []byte{byte(i), byte(i >> 8), 0xAB, byte(i * 3)}
	}

	done := make(chan error, 1)
	go func() {
		for _, m := range messages {
			if _, err := client.Write(m); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i, want := range messages {
		got := make([]byte, len(want))
		if _, err := io.ReadFull(server, got); err != nil {
			t.Fatalf("read message %d: %v", i, err)
		}
		if string(got) != string(want) {
			t.Fatalf("message %d mismatch: got %v want %v", i, got, want)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReadReassemblesConsecutiveFragments(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	// Write's fragmentation branch itself (payloads over maxPacketSize/2)
	// is not run here, to avoid allocating and transmitting tens of
	// megabytes. Instead, write two known fragments back-to-back via
	// writeFragment, the primitive that branch uses for each piece, and
	// confirm the receiver reassembles them in order.
	first := []byte("fragment-one-")
	second := []byte("fragment-two")

	done := make(chan error, 1)
	go func() {
		if _, err := client.writeFragment(first); err != nil {
			done <- err
			return
		}
		_, err := client.writeFragment(second)
		done <- err
	}()

	buf := make([]byte, len(first)+len(second))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(buf) != string(first)+string(second) {
		t.Fatalf("reassembly mismatch: got %q", buf)
	}
}

func TestSecureConnRejectsTamperedCiphertext(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	clientConn := client.conn.(*pipeConn)

	// net.Pipe has no buffering to mutate in flight, so we simulate
	// tampering by constructing a valid-looking length-prefixed frame with
	// flipped ciphertext bits ourselves and writing it directly, then
	// checking that Read reports a decryption failure instead of silently
	// succeeding.
	go func() {
		client.writeMu.Lock()
		defer client.writeMu.Unlock()
		buf := make([]byte, 4)
		ciphertext, err := client.encryptor.Encrypt(buf, nil, []byte("tampered message"))
		if err != nil {
			return
		}
		ciphertext[len(ciphertext)-1] ^= 0xFF // flip every bit of the last byte, inside the AEAD tag
		binLen := len(ciphertext) - 4
		ciphertext[0] = byte(binLen >> 24)
		ciphertext[1] = byte(binLen >> 16)
		ciphertext[2] = byte(binLen >> 8)
		ciphertext[3] = byte(binLen)
		clientConn.Write(ciphertext)
	}()

	buf := make([]byte, 64)
	_, err := server.Read(buf)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestHandshakeRespectsContextDeadline(t *testing.T) {
	clientConn, serverConn := newPipePair()
	defer clientConn.Close()
	defer serverConn.Close()
	cred := mustCred(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// No peer ever responds, so the handshake must time out rather than
	// block forever.
	_, err := New(cred).ClientHandshake(ctx, clientConn)
	if err == nil {
		t.Fatal("expected handshake to fail on deadline exceeded")
	}
}
