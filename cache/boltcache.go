// Package cache implements the BootstrapCache: a small on-disk record
// of which addresses have previously worked for which peer identity,
// consulted before a Connect to seed the candidate address list.
//
// BoltCache is grounded on disk.go's StateWriter: the same
// argon2+secretbox at-rest encryption scheme, adapted from "one
// whole-file blob rewritten on every change" to "one bbolt bucket, one
// key per identity", since a bootstrap cache is read and updated far
// more often than a chat state file and benefits from bbolt's indexed,
// transactional storage instead of a full-file rewrite per Put. It
// keeps disk.go's older-generation logger (gopkg.in/op/go-logging.v1)
// rather than the newer charmbracelet/log used by crust/session and
// discovery, per the two-generations-of-code split.
package cache

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/duskline/meshconn/identity"
)

const (
	keySize   = 32
	nonceSize = 24
)

var bucketName = []byte("bootstrap_cache")

// Record is one remembered (identity, addresses) pair, matching the
// ContactInfo shape but private to the cache so storage details never
// leak into the wire format.
type Record struct {
	Identity  identity.PublicIdentity
	Addrs     []string
	UpdatedAt time.Time
}

type recordWire struct {
	IdentitySign []byte
	IdentityBox  []byte
	Addrs        []string
	UpdatedAt    time.Time
}

// BootstrapCache is the peer-address cache interface; BoltCache is the
// default implementation but callers may
// supply their own (an in-memory map for tests, for instance).
type BootstrapCache interface {
	GetAll(id identity.PublicIdentity) ([]Record, error)
	Put(r Record) error
	Remove(id identity.PublicIdentity) error
}

// ErrNoPassphrase is returned by GetAll when the cache was opened with
// a passphrase and a stored record does not open under the key derived
// from it (for instance, a wrong passphrase). Open itself never returns
// it, and reading an encrypted file opened without a passphrase fails
// with a record decode error instead.
var ErrNoPassphrase = errors.New("cache: statefile is encrypted, passphrase required")

// BoltCache is a bbolt-backed BootstrapCache. When passphrase is
// non-empty, each stored record is individually sealed with
// nacl/secretbox under an argon2-derived key before being written to
// the bucket, so the on-disk file discloses neither addresses nor
// identities to an observer without the passphrase -- the same threat
// model disk.go's whole-file encryption addresses, narrowed to
// per-record granularity.
type BoltCache struct {
	db  *bolt.DB
	log *logging.Logger

	key    *[keySize]byte
	sealed bool
}

// Open opens or creates the bbolt file at path. If passphrase is
// non-empty, records are encrypted at rest using a key derived from it
// via argon2, matching disk.go's GetStateFromFile key derivation
// parameters (time=3, memory=32*1024, threads=4).
func Open(path string, passphrase []byte, log *logging.Logger) (*BoltCache, error) {
	if log == nil {
		log = logging.MustGetLogger("cache")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create bucket: %w", err)
	}

	c := &BoltCache{db: db, log: log}
	if len(passphrase) > 0 {
		derived := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
		var key [keySize]byte
		copy(key[:], derived)
		c.key = &key
		c.sealed = true
	}
	return c, nil
}

// Close releases the underlying bbolt file.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) encode(r Record) ([]byte, error) {
	w := recordWire{
		IdentitySign: r.Identity.Sign,
		UpdatedAt:    r.UpdatedAt,
		Addrs:        r.Addrs,
	}
	if r.Identity.Box != nil {
		w.IdentityBox = r.Identity.Box[:]
	}
	plain, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("cache: encode record: %w", err)
	}
	if !c.sealed {
		return plain, nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cache: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, c.key), nil
}

func (c *BoltCache) decode(raw []byte) (Record, error) {
	plain := raw
	if c.sealed {
		if len(raw) < nonceSize {
			return Record{}, errors.New("cache: stored record too short")
		}
		var nonce [nonceSize]byte
		copy(nonce[:], raw[:nonceSize])
		opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, c.key)
		if !ok {
			return Record{}, ErrNoPassphrase
		}
		plain = opened
	}
	var w recordWire
	if err := cbor.Unmarshal(plain, &w); err != nil {
		return Record{}, fmt.Errorf("cache: decode record: %w", err)
	}
	rec := Record{
		Identity:  identity.PublicIdentity{Sign: w.IdentitySign},
		Addrs:     w.Addrs,
		UpdatedAt: w.UpdatedAt,
	}
	if len(w.IdentityBox) == keySize {
		var b [keySize]byte
		copy(b[:], w.IdentityBox)
		rec.Identity.Box = &b
	}
	return rec, nil
}

// GetAll returns the remembered record for id, as a slice of at most
// one element: records are keyed by identity and Put overwrites, so
// only the latest record for an identity is kept. An unknown identity
// yields an empty slice.
func (c *BoltCache) GetAll(id identity.PublicIdentity) ([]Record, error) {
	var out []Record
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(bucketKey(id))
		if raw == nil {
			return nil
		}
		rec, err := c.decode(raw)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores or overwrites the record for r.Identity.
func (c *BoltCache) Put(r Record) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	sealed, err := c.encode(r)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(bucketKey(r.Identity), sealed)
	})
}

// Remove deletes any record stored for id.
func (c *BoltCache) Remove(id identity.PublicIdentity) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Delete(bucketKey(id))
	})
}

func bucketKey(id identity.PublicIdentity) []byte {
	return []byte(id.String())
}
