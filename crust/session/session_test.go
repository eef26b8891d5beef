package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskline/meshconn/crust/stream"
	"github.com/duskline/meshconn/identity"
)

func pairedStreams(t *testing.T) (*stream.FramedStream, *stream.FramedStream, func()) {
	t.Helper()
	a, b := net.Pipe()
	var shared [32]byte
	fsA := stream.New(a, &shared, true)
	fsB := stream.New(b, &shared, false)
	return fsA, fsB, func() {
		a.Close()
		b.Close()
	}
}

func shortOptions() Options {
	return Options{
		HeartbeatPeriod:   30 * time.Millisecond,
		InactivityTimeout: 150 * time.Millisecond,
	}
}

func TestSessionSendRecvRoundTrip(t *testing.T) {
	fsA, fsB, cleanup := pairedStreams(t)
	defer cleanup()

	remote, err := identity.New()
	require.NoError(t, err)

	sessA := New(fsA, remote.Public(), identity.RoleNode, shortOptions())
	sessB := New(fsB, remote.Public(), identity.RoleNode, shortOptions())
	defer sessA.Finalize()
	defer sessB.Finalize()

	require.NoError(t, sessA.Send([]byte("ping")))

	select {
	case payload := <-sessB.Recv():
		require.Equal(t, []byte("ping"), payload)
	case <-time.After(time.Second):
		t.Fatal("did not receive payload")
	}
}

func TestSessionHeartbeatKeepsPeerAlive(t *testing.T) {
	fsA, fsB, cleanup := pairedStreams(t)
	defer cleanup()

	remote, err := identity.New()
	require.NoError(t, err)

	opts := shortOptions()
	sessA := New(fsA, remote.Public(), identity.RoleNode, opts)
	sessB := New(fsB, remote.Public(), identity.RoleNode, opts)
	defer sessA.Finalize()
	defer sessB.Finalize()

	// Neither side sends application data; B's inactivity timer must
	// keep getting reset by A's heartbeats, so no termination error
	// should appear well past the inactivity timeout.
	select {
	case _, ok := <-sessB.Recv():
		if !ok {
			t.Fatalf("session B closed unexpectedly: %v", sessB.Err())
		}
	case <-time.After(opts.InactivityTimeout * 2):
		// still alive, as expected
	}
	require.Nil(t, sessB.Err())
}

func TestSessionInactivityTimeoutCloses(t *testing.T) {
	fsA, fsB, cleanup := pairedStreams(t)
	defer cleanup()

	remote, err := identity.New()
	require.NoError(t, err)

	// A has no heartbeat (period longer than B's inactivity timeout),
	// so B must observe inactivity and terminate.
	optsA := Options{HeartbeatPeriod: 10 * time.Second, InactivityTimeout: 10 * time.Second}
	optsB := Options{HeartbeatPeriod: 10 * time.Second, InactivityTimeout: 60 * time.Millisecond}

	sessA := New(fsA, remote.Public(), identity.RoleNode, optsA)
	sessB := New(fsB, remote.Public(), identity.RoleNode, optsB)
	defer sessA.Finalize()
	defer sessB.Finalize()

	select {
	case _, ok := <-sessB.Recv():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("session did not close on inactivity")
	}

	var sessErr *Error
	require.ErrorAs(t, sessB.Err(), &sessErr)
	require.Equal(t, KindInactivityTimeout, sessErr.Kind)
}

func TestSessionFinalizeClosesUnderlyingStream(t *testing.T) {
	fsA, fsB, cleanup := pairedStreams(t)
	defer cleanup()

	remote, err := identity.New()
	require.NoError(t, err)

	sessA := New(fsA, remote.Public(), identity.RoleNode, shortOptions())
	require.NoError(t, sessA.Finalize())
	require.Error(t, sessA.Send([]byte("x")))

	// The peer end of the pipe observes a clean end of stream.
	_, err = fsB.Recv()
	require.ErrorIs(t, err, io.EOF)
}
