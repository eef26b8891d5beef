// Package discovery implements the LAN service discovery beacon
// (component C5): a server that answers broadcast queries with a
// signed snapshot of contact info, and a discoverer that periodically
// broadcasts queries and yields decrypted replies.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/sys/unix"

	"github.com/duskline/meshconn/identity"
	"github.com/duskline/meshconn/internal/worker"
	"github.com/duskline/meshconn/wire"
)

// DefaultPort is the reference service discovery UDP port
// (spec.md §6).
const DefaultPort = 5483

// QueryInterval is how often a Discoverer repeats its broadcast query
// (spec.md §4.5).
const QueryInterval = 1 * time.Second

const (
	queryMagic   = "meshconn-discover-query-v1"
	nonceSize    = 24
	keySize      = 32
	maxDatagram  = 65507
)

// Server binds the discovery port and answers queries with the
// current contact-info snapshot, matching spec.md §4.5's server role.
// It is grounded on sockatz/common/conn.go's worker-managed packet
// read/write loop, generalized from QUIC framing to a single UDP
// datagram per query/reply.
type Server struct {
	worker.Worker

	conn   *net.UDPConn
	ours   *identity.SecretIdentity
	log    *log.Logger

	listenEnabled atomic.Bool
	current       atomic.Pointer[[]byte]

	updateCh chan []wire.ContactInfo
}

// NewServer binds port (0 picks an ephemeral port, useful in tests)
// and starts answering queries. listen_enabled starts true, as
// specified.
func NewServer(ours *identity.SecretIdentity, port int, initial []wire.ContactInfo, lg *log.Logger) (*Server, error) {
	if lg == nil {
		lg = log.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen udp: %w", err)
	}
	s := &Server{
		conn:     conn,
		ours:     ours,
		log:      lg,
		updateCh: make(chan []wire.ContactInfo, 1),
	}
	s.listenEnabled.Store(true)
	if err := s.publish(initial); err != nil {
		conn.Close()
		return nil, err
	}

	s.Go(s.acceptLoop)
	s.Go(s.updateLoop)
	return s, nil
}

// Port returns the UDP port the server is bound to.
func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetListenEnabled toggles whether the server answers queries.
func (s *Server) SetListenEnabled(enabled bool) {
	s.listenEnabled.Store(enabled)
}

// Push enqueues a new contact-info snapshot; the server atomically
// swaps it in on receipt.
func (s *Server) Push(contacts []wire.ContactInfo) {
	select {
	case s.updateCh <- contacts:
	case <-s.HaltCh():
	}
}

// Close stops the server and releases its socket.
func (s *Server) Close() error {
	s.Halt()
	err := s.conn.Close()
	s.Wait()
	return err
}

func (s *Server) publish(contacts []wire.ContactInfo) error {
	body, err := wire.EncodeContacts(contacts)
	if err != nil {
		return err
	}
	sig := s.ours.SignMessage(body)
	blob, err := wire.MarshalSignedContactSet(wire.SignedContactSet{
		Contacts:  contacts,
		SignerKey: s.ours.Public().Sign,
		Signature: sig,
	})
	if err != nil {
		return err
	}
	s.current.Store(&blob)
	return nil
}

func (s *Server) updateLoop() {
	for {
		select {
		case <-s.HaltCh():
			return
		case contacts := <-s.updateCh:
			if err := s.publish(contacts); err != nil {
				s.log.Error("failed to publish discovery snapshot", "err", err)
			}
		}
	}
}

func (s *Server) acceptLoop() {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}

		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.IsHalted() {
				return
			}
			s.log.Debug("discovery read error", "err", err)
			continue
		}
		if !s.listenEnabled.Load() {
			continue
		}
		if !isQuery(buf[:n]) {
			continue
		}

		snapshot := s.current.Load()
		if snapshot == nil {
			continue
		}
		encrypted, err := encryptForQuerier(*snapshot)
		if err != nil {
			s.log.Debug("discovery encrypt error", "err", err)
			continue
		}
		if _, err := s.conn.WriteToUDP(encrypted, src); err != nil {
			s.log.Debug("discovery reply write error", "err", err)
		}
	}
}

// isQuery validates the minimal query datagram shape: the magic marker
// plus an 8-byte nonce, just enough to distinguish a well-formed query
// from noise without requiring identity exchange for the query itself
// (only the reply is encrypted/authenticated).
func isQuery(b []byte) bool {
	if len(b) != len(queryMagic)+8 {
		return false
	}
	return string(b[:len(queryMagic)]) == queryMagic
}

func buildQuery() ([]byte, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append([]byte(queryMagic), nonce...)
	return out, nil
}

// encryptForQuerier seals the snapshot with a key derived from a
// well-known discovery-wide constant rather than a per-querier key: the
// query carries no identity and Discover takes no secret, so the
// symmetric key is discoveryKey(), the same for every participant on
// the segment, not a pairwise ECDH key as in FramedStream. Anyone
// holding that constant can read a reply; authenticity comes from the
// ed25519 signature inside the snapshot.
func encryptForQuerier(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, discoveryKey())
	return sealed, nil
}

var discoveryKeyOnce sync.Once
var discoveryKeyValue [keySize]byte

// discoveryKey derives the shared LAN discovery key from the
// well-known query magic, giving every participant on the segment the
// same symmetric key without a prior handshake -- analogous to the
// reference implementation's assumption that our_secret is known out
// of band to the discovery group.
func discoveryKey() *[keySize]byte {
	discoveryKeyOnce.Do(func() {
		var counter uint64
		for i := 0; i < keySize; i += 8 {
			binary.BigEndian.PutUint64(discoveryKeyValue[i:], counter)
			counter++
		}
		copy(discoveryKeyValue[:], []byte(queryMagic))
	})
	return &discoveryKeyValue
}

func identityVerifies(set wire.SignedContactSet, body []byte) bool {
	pub := identity.PublicIdentity{Sign: set.SignerKey}
	return identity.Verify(pub, body, set.Signature)
}

func decryptReply(datagram []byte) ([]byte, bool) {
	if len(datagram) < nonceSize {
		return nil, false
	}
	var nonce [nonceSize]byte
	copy(nonce[:], datagram[:nonceSize])
	return secretbox.Open(nil, datagram[nonceSize:], &nonce, discoveryKey())
}

// DiscoveredPeer is one decoded, signature-verified reply yielded on
// the channel returned by Discover.
type DiscoveredPeer struct {
	Source   *net.UDPAddr
	Contacts []wire.ContactInfo
}

// Discover broadcasts a query on port every QueryInterval until ctx is
// cancelled, yielding every valid reply it receives (duplicates
// included) on the returned
// channel. The channel is closed when ctx is done. Matches spec.md
// §4.5's discoverer role: an ephemeral broadcast-enabled socket
// repeating the query until the caller stops it.
func Discover(ctx context.Context, port int, lg *log.Logger) <-chan DiscoveredPeer {
	if lg == nil {
		lg = log.Default()
	}
	out := make(chan DiscoveredPeer)

	go func() {
		defer close(out)

		conn, err := listenBroadcastUDP(ctx, ":0")
		if err != nil {
			lg.Error("discovery: failed to open query socket", "err", err)
			return
		}
		defer conn.Close()

		dest := &net.UDPAddr{IP: net.IPv4bcast, Port: port}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			recvReplies(ctx, conn, out, lg)
		}()

		ticker := time.NewTicker(QueryInterval)
		defer ticker.Stop()

		sendQuery(conn, dest, lg)
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				wg.Wait()
				return
			case <-ticker.C:
				sendQuery(conn, dest, lg)
			}
		}
	}()

	return out
}

// listenBroadcastUDP binds address with SO_BROADCAST enabled on the
// socket before it is returned, so a later WriteToUDP to the limited
// broadcast address (net.IPv4bcast) is permitted by the kernel instead
// of failing with EACCES. Grounded on listen_unix.go's own
// net.ListenConfig.Control hook (there: SO_REUSEPORT via
// unix.SetsockoptInt; here: SO_BROADCAST), the same pattern for
// twiddling a socket option the stdlib net package has no direct API
// for.
func listenBroadcastUDP(ctx context.Context, address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func enableBroadcast(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func sendQuery(conn *net.UDPConn, dest *net.UDPAddr, lg *log.Logger) {
	q, err := buildQuery()
	if err != nil {
		lg.Debug("discovery: failed to build query", "err", err)
		return
	}
	if _, err := conn.WriteToUDP(q, dest); err != nil {
		lg.Debug("discovery: query send failed", "err", err)
	}
}

func recvReplies(ctx context.Context, conn *net.UDPConn, out chan<- DiscoveredPeer, lg *log.Logger) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Debug("discovery: reply read error", "err", err)
			continue
		}

		plaintext, ok := decryptReply(buf[:n])
		if !ok {
			continue
		}
		set, err := wire.UnmarshalSignedContactSet(plaintext)
		if err != nil {
			lg.Debug("discovery: malformed reply", "addr", src, "err", err)
			continue
		}
		body, err := wire.EncodeContacts(set.Contacts)
		if err != nil || !identityVerifies(set, body) {
			lg.Debug("discovery: reply signature invalid", "addr", src)
			continue
		}

		peer := DiscoveredPeer{Source: src, Contacts: set.Contacts}
		select {
		case out <- peer:
		case <-ctx.Done():
			return
		}
	}
}
