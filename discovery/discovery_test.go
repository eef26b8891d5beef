package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskline/meshconn/identity"
	"github.com/duskline/meshconn/wire"
)

func TestBuildQueryIsRecognizedByIsQuery(t *testing.T) {
	q, err := buildQuery()
	require.NoError(t, err)
	require.True(t, isQuery(q))
	require.False(t, isQuery([]byte("not a query")))
	require.False(t, isQuery(nil))
}

func TestEncryptDecryptReplyRoundTrip(t *testing.T) {
	plaintext := []byte("contact snapshot blob")
	sealed, err := encryptForQuerier(plaintext)
	require.NoError(t, err)

	got, ok := decryptReply(sealed)
	require.True(t, ok)
	require.Equal(t, plaintext, got)

	_, ok = decryptReply([]byte("too short"))
	require.True(t, len("too short") < nonceSize)
	require.False(t, ok)
}

// TestServerAnswersQuery exercises the invariant from spec.md §4.5: a
// running server answers every well-formed query with exactly one
// reply datagram, containing the currently published, signature-valid
// snapshot. It talks to the server directly over unicast UDP rather
// than through Discover's broadcast query, so the test does not depend
// on the host/sandbox permitting SO_BROADCAST.
func TestServerAnswersQuery(t *testing.T) {
	ours, err := identity.New()
	require.NoError(t, err)

	contacts := []wire.ContactInfo{
		{IdentitySign: ours.Public().Sign, Addrs: []string{"10.0.0.5:9000"}},
	}

	srv, err := NewServer(ours, 0, contacts, nil)
	require.NoError(t, err)
	defer srv.Close()

	client, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer client.Close()

	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Port()}

	query, err := buildQuery()
	require.NoError(t, err)
	_, err = client.WriteToUDP(query, serverAddr)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxDatagram)
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)

	plaintext, ok := decryptReply(buf[:n])
	require.True(t, ok)

	set, err := wire.UnmarshalSignedContactSet(plaintext)
	require.NoError(t, err)
	require.Equal(t, contacts, set.Contacts)

	body, err := wire.EncodeContacts(set.Contacts)
	require.NoError(t, err)
	require.True(t, identity.Verify(identity.PublicIdentity{Sign: set.SignerKey}, body, set.Signature))
}

func TestServerIgnoresQueriesWhenListeningDisabled(t *testing.T) {
	ours, err := identity.New()
	require.NoError(t, err)

	srv, err := NewServer(ours, 0, nil, nil)
	require.NoError(t, err)
	defer srv.Close()
	srv.SetListenEnabled(false)

	client, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer client.Close()

	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Port()}
	query, err := buildQuery()
	require.NoError(t, err)
	_, err = client.WriteToUDP(query, serverAddr)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, maxDatagram)
	_, _, err = client.ReadFromUDP(buf)
	require.Error(t, err)
}

func TestServerPushUpdatesSnapshot(t *testing.T) {
	ours, err := identity.New()
	require.NoError(t, err)

	srv, err := NewServer(ours, 0, nil, nil)
	require.NoError(t, err)
	defer srv.Close()

	updated := []wire.ContactInfo{{IdentitySign: ours.Public().Sign, Addrs: []string{"192.168.1.1:1"}}}
	srv.Push(updated)

	// Push is delivered asynchronously through updateLoop; poll briefly
	// for the swapped-in snapshot to decrypt to the new contacts.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := srv.current.Load()
		if snap != nil {
			set, err := wire.UnmarshalSignedContactSet(*snap)
			if err == nil && len(set.Contacts) == 1 && set.Contacts[0].Addrs[0] == "192.168.1.1:1" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pushed snapshot was never published")
}
