package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ContactInfo is the tuple (public identity, candidate addresses) a
// node advertises so that other nodes may attempt to bootstrap to it.
// It is what a discovery snapshot carries (the BootstrapCache stores
// the same shape as its own cache.Record), matching the "contact info"
// glossary entry.
type ContactInfo struct {
	IdentitySign []byte
	IdentityBox  []byte
	Addrs        []string
}

// SignedContactSet is the cbor payload exchanged by the service
// discovery protocol: a set of ContactInfo records plus a detached
// ed25519 signature over their canonical encoding, letting a
// discoverer confirm the advertising node actually controls the
// identity it claims.
type SignedContactSet struct {
	Contacts  []ContactInfo
	SignerKey []byte
	Signature []byte
}

// EncodeContacts produces the canonical bytes a SignedContactSet's
// Signature is computed over.
func EncodeContacts(contacts []ContactInfo) ([]byte, error) {
	b, err := cbor.Marshal(contacts)
	if err != nil {
		return nil, fmt.Errorf("wire: encode contacts: %w", err)
	}
	return b, nil
}

// MarshalSignedContactSet cbor-encodes a SignedContactSet for
// transmission in a discovery reply datagram.
func MarshalSignedContactSet(s SignedContactSet) ([]byte, error) {
	b, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal signed contact set: %w", err)
	}
	return b, nil
}

// UnmarshalSignedContactSet decodes a discovery reply datagram payload.
func UnmarshalSignedContactSet(b []byte) (SignedContactSet, error) {
	var s SignedContactSet
	if err := cbor.Unmarshal(b, &s); err != nil {
		return SignedContactSet{}, fmt.Errorf("wire: unmarshal signed contact set: %w", err)
	}
	return s, nil
}
