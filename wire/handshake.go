// Package wire defines the messages exchanged during bootstrap and the
// frame discriminants multiplexed over an established session, along
// with their cbor encodings.
//
// HandshakeMessage follows the same "struct with one populated pointer
// field per variant" idiom the teacher uses for its own tagged unions
// (client/cborplugin.ControlCommand, Event): a Type field discriminates
// the variant, and the pointer fields carrying a variant's payload are
// omitted from the cbor encoding when nil, so this richer,
// low-frequency message type is cbor-encoded as a whole. PeerFrame, sent
// far more often and on the hot path of every heartbeat, instead uses
// a single leading discriminant byte ahead of an opaque payload -- see
// frame.go.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DenyReason enumerates why a bootstrap request was refused.
type DenyReason uint8

const (
	DenyNodeNotWhitelisted DenyReason = iota
	DenyClientNotWhitelisted
	DenyFailedExternalReachability
	DenyInvalidNonce
)

func (r DenyReason) String() string {
	switch r {
	case DenyNodeNotWhitelisted:
		return "node not whitelisted"
	case DenyClientNotWhitelisted:
		return "client not whitelisted"
	case DenyFailedExternalReachability:
		return "failed external reachability check"
	case DenyInvalidNonce:
		return "invalid nonce"
	default:
		return "unknown deny reason"
	}
}

// Reachability resolves the Open Question in the original design notes:
// the claimed candidate addresses plus a self-reported externally
// reachable flag the acceptor may hold against its own reachability
// policy.
type Reachability struct {
	Addrs             []string
	ExternalReachable bool
}

// PeerRoleWire mirrors identity.PeerRole without importing identity,
// to keep this package's dependency graph a leaf.
type PeerRoleWire uint8

const (
	WireRoleNode PeerRoleWire = iota
	WireRoleClient
)

// BootstrapRequest is sent by the connecting side to claim an identity
// and role and ask to join the overlay.
type BootstrapRequest struct {
	ClaimedIdentitySign []byte // ed25519 public key
	ClaimedIdentityBox  []byte // x25519 public key
	Reachability        Reachability
	Role                PeerRoleWire
	Nonce               []byte
}

// handshakeType discriminates the HandshakeMessage variants on the wire.
type handshakeType uint8

const (
	msgBootstrapRequest handshakeType = iota
	msgBootstrapGranted
	msgBootstrapDenied
)

// HandshakeMessage is the tagged union of messages exchanged during
// bootstrap.
type HandshakeMessage struct {
	Type    handshakeType
	Request *BootstrapRequest `cbor:",omitempty"`
	Deny    *DenyReason       `cbor:",omitempty"`
}

// NewBootstrapRequest wraps a BootstrapRequest as a HandshakeMessage.
func NewBootstrapRequest(req BootstrapRequest) HandshakeMessage {
	return HandshakeMessage{Type: msgBootstrapRequest, Request: &req}
}

// NewBootstrapGranted constructs the granted response.
func NewBootstrapGranted() HandshakeMessage {
	return HandshakeMessage{Type: msgBootstrapGranted}
}

// NewBootstrapDenied constructs a denial carrying reason.
func NewBootstrapDenied(reason DenyReason) HandshakeMessage {
	return HandshakeMessage{Type: msgBootstrapDenied, Deny: &reason}
}

// IsRequest reports whether m is a BootstrapRequest and returns it.
func (m HandshakeMessage) IsRequest() (BootstrapRequest, bool) {
	if m.Type == msgBootstrapRequest && m.Request != nil {
		return *m.Request, true
	}
	return BootstrapRequest{}, false
}

// IsGranted reports whether m is a BootstrapGranted.
func (m HandshakeMessage) IsGranted() bool {
	return m.Type == msgBootstrapGranted
}

// IsDenied reports whether m is a BootstrapDenied and returns the reason.
func (m HandshakeMessage) IsDenied() (DenyReason, bool) {
	if m.Type == msgBootstrapDenied && m.Deny != nil {
		return *m.Deny, true
	}
	return 0, false
}

// MarshalHandshake encodes a HandshakeMessage as cbor.
func MarshalHandshake(m HandshakeMessage) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal handshake message: %w", err)
	}
	return b, nil
}

// UnmarshalHandshake decodes a cbor-encoded HandshakeMessage.
func UnmarshalHandshake(b []byte) (HandshakeMessage, error) {
	var m HandshakeMessage
	if err := cbor.Unmarshal(b, &m); err != nil {
		return HandshakeMessage{}, fmt.Errorf("wire: unmarshal handshake message: %w", err)
	}
	return m, nil
}
