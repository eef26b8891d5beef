// Package stream implements the framed, encrypted byte-stream
// abstraction (component C1): it wraps a reliable net.Conn supplied by
// an external transport and an authenticated-encryption session keyed
// on the remote peer's identity, producing and consuming
// length-delimited frames.
//
// FramedStream deliberately moves only opaque byte frames; variant
// serialization (handshake messages, peer frames) lives in the wire
// package, the same split the teacher's own PaStream/send_serialized
// pair draws between raw bytes and typed messages.
package stream

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"crypto/sha256"
)

const (
	keySize      = 32
	nonceSize    = 24
	lengthPrefix = 4

	// MaxFrameSize bounds a single received frame body (nonce plus
	// ciphertext, as given by the length prefix), guarding
	// against a corrupt or hostile length prefix driving an
	// unbounded allocation.
	MaxFrameSize = 1 << 20
)

// ErrClosed is returned by Send/Recv once the stream has been closed.
var ErrClosed = errors.New("stream: closed")

// ErrEncryptFailed is wrapped by a WriteError whose cause is nonce
// generation failing ahead of sealing a frame, as opposed to the transport write
// itself failing; callers that want to distinguish the two can
// errors.Is against this.
var ErrEncryptFailed = errors.New("stream: encrypt failed")

// ErrDecryptFailed is wrapped by a ReadError whose cause is authenticated
// decryption rejecting a frame, as opposed to a transport-level read
// failure; callers that want to distinguish the two can errors.Is
// against this.
var ErrDecryptFailed = errors.New("stream: decrypt: authentication failed")

// WriteError wraps a failure to send a frame.
type WriteError struct{ Err error }

func (e *WriteError) Error() string { return fmt.Sprintf("stream: write error: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ReadError wraps a failure to receive a frame, including a partial
// frame observed at end of stream.
type ReadError struct{ Err error }

func (e *ReadError) Error() string { return fmt.Sprintf("stream: read error: %v", e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// FramedStream is a length-delimited, encrypted byte-stream over a
// caller-supplied net.Conn. A single FramedStream must not be written
// to concurrently; Session serializes sends through one goroutine.
type FramedStream struct {
	conn net.Conn

	writeKey [keySize]byte
	readKey  [keySize]byte

	writeMu sync.Mutex
	readBuf []byte
}

// direction expands the shared secret with hkdf (no salt, label as the
// info string) into one key per direction label, mirroring
// stream/stream.go's hkdf-derived reader/writer
// key split.
func direction(shared *[32]byte, label string) [keySize]byte {
	var out [keySize]byte
	kdf := hkdf.New(sha256.New, shared[:], nil, []byte(label))
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		panic("stream: hkdf expand failed: " + err.Error())
	}
	return out
}

// New wraps conn with frame encryption derived from shared. isInitiator
// must be true for exactly one side of any given connection (the side
// that dialed) so that the two peers agree on which directional key is
// used for which direction without needing to negotiate it.
func New(conn net.Conn, shared *[32]byte, isInitiator bool) *FramedStream {
	a := direction(shared, "meshconn-initiator-to-responder")
	b := direction(shared, "meshconn-responder-to-initiator")
	fs := &FramedStream{conn: conn}
	if isInitiator {
		fs.writeKey, fs.readKey = a, b
	} else {
		fs.writeKey, fs.readKey = b, a
	}
	return fs
}

// Conn returns the underlying transport connection.
func (fs *FramedStream) Conn() net.Conn { return fs.conn }

// Send encrypts the opaque bytes msg and writes the whole frame in one
// call, so either the entire frame is queued on the transport or none
// of it is.
func (fs *FramedStream) Send(msg []byte) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return &WriteError{Err: fmt.Errorf("%w: %w", ErrEncryptFailed, err)}
	}
	sealed := secretbox.Seal(nonce[:], msg, &nonce, &fs.writeKey)

	var lenBuf [lengthPrefix]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))

	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	if _, err := fs.conn.Write(append(lenBuf[:], sealed...)); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// Recv reads exactly one length-delimited frame, decrypts it, and
// returns the plaintext payload. A clean end of stream before any
// bytes of the next frame arrive returns io.EOF; a partial frame at
// close returns a ReadError.
func (fs *FramedStream) Recv() ([]byte, error) {
	var lenBuf [lengthPrefix]byte
	if _, err := io.ReadFull(fs.conn, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &ReadError{Err: err}
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize || int(n) < nonceSize {
		return nil, &ReadError{Err: fmt.Errorf("invalid frame length %d", n)}
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fs.conn, body); err != nil {
		return nil, &ReadError{Err: err}
	}

	var nonce [nonceSize]byte
	copy(nonce[:], body[:nonceSize])
	plaintext, ok := secretbox.Open(nil, body[nonceSize:], &nonce, &fs.readKey)
	if !ok {
		return nil, &ReadError{Err: ErrDecryptFailed}
	}
	return plaintext, nil
}

// Close closes the underlying transport.
func (fs *FramedStream) Close() error {
	return fs.conn.Close()
}
