// Package identity implements the long-lived asymmetric key pairs that
// authenticate peers in the overlay. Each node carries both an ed25519
// signing key, used to authenticate contact records and discovery
// snapshots, and an X25519 box key pair, used to derive the shared
// secret that keys every FramedStream. Discovery datagrams are not
// keyed from it; they use the discovery package's shared LAN key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// PeerRole distinguishes a full overlay participant from a lightweight
// client. It is recorded on a Session and reported upward; the core
// does nothing else with it.
type PeerRole uint8

const (
	RoleNode PeerRole = iota
	RoleClient
)

func (r PeerRole) String() string {
	switch r {
	case RoleNode:
		return "node"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// PublicIdentity is the public half of a node's key material: the
// globally unique, authenticated identifier of a peer.
type PublicIdentity struct {
	Sign ed25519.PublicKey
	Box  *[32]byte
}

// String renders a PublicIdentity as a short, comparable base64 token
// suitable for logging and map keys.
func (p PublicIdentity) String() string {
	return base64.RawURLEncoding.EncodeToString(p.Sign)
}

// Equal reports whether two PublicIdentity values name the same peer.
func (p PublicIdentity) Equal(other PublicIdentity) bool {
	if len(p.Sign) != len(other.Sign) || p.Box == nil || other.Box == nil {
		return false
	}
	return string(p.Sign) == string(other.Sign) && *p.Box == *other.Box
}

// SecretIdentity is the private half; it never leaves its owner.
type SecretIdentity struct {
	Sign ed25519.PrivateKey
	Box  *[32]byte

	public PublicIdentity
}

// Public returns the public identity corresponding to s.
func (s *SecretIdentity) Public() PublicIdentity {
	return s.public
}

// SignMessage produces a detached ed25519 signature over msg.
func (s *SecretIdentity) SignMessage(msg []byte) []byte {
	return ed25519.Sign(s.Sign, msg)
}

// Verify checks a detached ed25519 signature produced by SignMessage.
func Verify(pub PublicIdentity, msg, sig []byte) bool {
	return ed25519.Verify(pub.Sign, msg, sig)
}

// Precompute derives the shared secret used to key a FramedStream
// between s and the given remote public identity.
func (s *SecretIdentity) Precompute(remote PublicIdentity) *[32]byte {
	shared := new([32]byte)
	box.Precompute(shared, remote.Box, s.Box)
	return shared
}

// New generates a fresh SecretIdentity.
func New() (*SecretIdentity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate box key: %w", err)
	}
	return &SecretIdentity{
		Sign: signPriv,
		Box:  boxPriv,
		public: PublicIdentity{
			Sign: signPub,
			Box:  boxPub,
		},
	}, nil
}

const (
	signBlockType = "MESHCONN ED25519 PRIVATE KEY"
	boxBlockType  = "MESHCONN X25519 PRIVATE KEY"
)

// Load reads a SecretIdentity from the two PEM files, generating and
// writing them on first use. This mirrors the teacher's own
// create-on-first-run key loading (mailproxy.go's ecdh.Load).
func Load(signPath, boxPath string) (*SecretIdentity, error) {
	if _, err := os.Stat(signPath); errors.Is(err, os.ErrNotExist) {
		id, err := New()
		if err != nil {
			return nil, err
		}
		if err := id.Save(signPath, boxPath); err != nil {
			return nil, err
		}
		return id, nil
	}

	signRaw, err := os.ReadFile(signPath)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", signPath, err)
	}
	boxRaw, err := os.ReadFile(boxPath)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", boxPath, err)
	}

	signBlock, _ := pem.Decode(signRaw)
	if signBlock == nil || signBlock.Type != signBlockType {
		return nil, fmt.Errorf("identity: %s is not a valid signing key", signPath)
	}
	boxBlock, _ := pem.Decode(boxRaw)
	if boxBlock == nil || boxBlock.Type != boxBlockType {
		return nil, fmt.Errorf("identity: %s is not a valid box key", boxPath)
	}

	signPriv := ed25519.PrivateKey(signBlock.Bytes)
	boxPriv := new([32]byte)
	copy(boxPriv[:], boxBlock.Bytes)
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, boxPriv)

	return &SecretIdentity{
		Sign: signPriv,
		Box:  boxPriv,
		public: PublicIdentity{
			Sign: signPriv.Public().(ed25519.PublicKey),
			Box:  &pub,
		},
	}, nil
}

// Save persists s to the two PEM files.
func (s *SecretIdentity) Save(signPath, boxPath string) error {
	signBlock := &pem.Block{Type: signBlockType, Bytes: s.Sign}
	if err := os.WriteFile(signPath, pem.EncodeToMemory(signBlock), 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", signPath, err)
	}
	boxBlock := &pem.Block{Type: boxBlockType, Bytes: s.Box[:]}
	if err := os.WriteFile(boxPath, pem.EncodeToMemory(boxBlock), 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", boxPath, err)
	}
	return nil
}
