package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskline/meshconn/crust/session"
	"github.com/duskline/meshconn/crust/stream"
	"github.com/duskline/meshconn/identity"
	"github.com/duskline/meshconn/wire"
)

func pairedStreams(t *testing.T, initiator, responder *identity.SecretIdentity) (*stream.FramedStream, *stream.FramedStream, func()) {
	t.Helper()
	a, b := net.Pipe()
	shared := initiator.Precompute(responder.Public())
	fsA := stream.New(a, shared, true)
	fsB := stream.New(b, shared, false)
	return fsA, fsB, func() { a.Close(); b.Close() }
}

func testRequest(t *testing.T, claimed *identity.SecretIdentity) Request {
	t.Helper()
	nonce, err := NewNonce()
	require.NoError(t, err)
	return Request{
		Claimed:      claimed.Public(),
		Reachability: wire.Reachability{Addrs: []string{"127.0.0.1:9000"}},
		Role:         identity.RoleNode,
		Nonce:        nonce,
	}
}

func TestBootstrapGranted(t *testing.T) {
	initiator, err := identity.New()
	require.NoError(t, err)
	responder, err := identity.New()
	require.NoError(t, err)

	fsA, fsB, cleanup := pairedStreams(t, initiator, responder)
	defer cleanup()

	req := testRequest(t, initiator)

	resultCh := make(chan struct {
		sess *session.Session
		err  error
	}, 1)
	go func() {
		sess, err := Bootstrap(context.Background(), fsA, req, responder.Public(), session.Options{})
		resultCh <- struct {
			sess *session.Session
			err  error
		}{sess, err}
	}()

	policy := AcceptPolicy{}
	sessB, err := AcceptBootstrap(context.Background(), fsB, policy, session.Options{}, nil)
	require.NoError(t, err)
	defer sessB.Finalize()

	r := <-resultCh
	require.NoError(t, r.err)
	defer r.sess.Finalize()

	require.True(t, r.sess.RemoteIdentity().Equal(responder.Public()))
	require.True(t, sessB.RemoteIdentity().Equal(initiator.Public()))
}

func TestBootstrapDeniedNotWhitelisted(t *testing.T) {
	initiator, err := identity.New()
	require.NoError(t, err)
	responder, err := identity.New()
	require.NoError(t, err)

	fsA, fsB, cleanup := pairedStreams(t, initiator, responder)
	defer cleanup()

	req := testRequest(t, initiator)

	resultCh := make(chan error, 1)
	go func() {
		_, err := Bootstrap(context.Background(), fsA, req, responder.Public(), session.Options{})
		resultCh <- err
	}()

	policy := AcceptPolicy{
		WhitelistedNodes: func(identity.PublicIdentity) bool { return false },
	}
	_, err = AcceptBootstrap(context.Background(), fsB, policy, session.Options{}, nil)
	require.Error(t, err)
	var acceptErr *Error
	require.ErrorAs(t, err, &acceptErr)
	require.Equal(t, KindBootstrapDenied, acceptErr.Kind)

	clientErr := <-resultCh
	require.Error(t, clientErr)
	var hsErr *Error
	require.ErrorAs(t, clientErr, &hsErr)
	require.Equal(t, KindBootstrapDenied, hsErr.Kind)
	require.Equal(t, wire.DenyNodeNotWhitelisted, hsErr.Reason)
}

func TestBootstrapTimesOutWithNoPeer(t *testing.T) {
	initiator, err := identity.New()
	require.NoError(t, err)
	responder, err := identity.New()
	require.NoError(t, err)

	a, _ := net.Pipe()
	defer a.Close()
	shared := initiator.Precompute(responder.Public())
	fsA := stream.New(a, shared, true)

	req := testRequest(t, initiator)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = Bootstrap(ctx, fsA, req, responder.Public(), session.Options{})
	require.Error(t, err)
	var hsErr *Error
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, KindTimedOut, hsErr.Kind)
}
