// Package handshake implements the bootstrap protocol state machine
// (component C2): it turns a connected FramedStream into an
// authenticated Session, or yields a typed failure.
package handshake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/duskline/meshconn/crust/session"
	"github.com/duskline/meshconn/crust/stream"
	"github.com/duskline/meshconn/identity"
	"github.com/duskline/meshconn/wire"
)

// Timeout is the reference wall-clock bound on the whole handshake
// (spec.md §4.2).
const Timeout = 9 * time.Second

// NonceSize is the length of the random nonce a BootstrapRequest
// carries to guard against replay.
const NonceSize = 32

// Kind enumerates the C2 error taxonomy (spec.md §4.2).
type Kind int

const (
	KindWrite Kind = iota
	KindRead
	KindDisconnected
	KindBootstrapDenied
	KindInvalidResponse
	KindTimedOut
	KindEncrypt
	KindDecrypt
	KindIO
)

// Error is the terminal failure type returned by Bootstrap and
// AcceptBootstrap. No retry is performed inside this package.
type Error struct {
	Kind   Kind
	Reason wire.DenyReason // only meaningful when Kind == KindBootstrapDenied
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindWrite:
		return fmt.Sprintf("handshake: write error: %v", e.Err)
	case KindRead:
		return fmt.Sprintf("handshake: read error: %v", e.Err)
	case KindDisconnected:
		return "handshake: disconnected before a frame arrived"
	case KindBootstrapDenied:
		return fmt.Sprintf("handshake: bootstrap denied: %s", e.Reason)
	case KindInvalidResponse:
		return "handshake: invalid response"
	case KindTimedOut:
		return "handshake: timed out"
	case KindEncrypt:
		return fmt.Sprintf("handshake: encrypt error: %v", e.Err)
	case KindDecrypt:
		return fmt.Sprintf("handshake: decrypt error: %v", e.Err)
	default:
		return fmt.Sprintf("handshake: io error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewNonce generates a random nonce for a BootstrapRequest.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Request bundles the parameters an initiator supplies to Bootstrap.
type Request struct {
	Claimed      identity.PublicIdentity
	Reachability wire.Reachability
	Role         identity.PeerRole
	Nonce        []byte
}

func (r Request) toWire() wire.BootstrapRequest {
	return wire.BootstrapRequest{
		ClaimedIdentitySign: r.Claimed.Sign,
		ClaimedIdentityBox:  r.Claimed.Box[:],
		Reachability:        r.Reachability,
		Role:                wireRole(r.Role),
		Nonce:               r.Nonce,
	}
}

func wireRole(r identity.PeerRole) wire.PeerRoleWire {
	if r == identity.RoleClient {
		return wire.WireRoleClient
	}
	return wire.WireRoleNode
}

func fromWireRole(r wire.PeerRoleWire) identity.PeerRole {
	if r == wire.WireRoleClient {
		return identity.RoleClient
	}
	return identity.RoleNode
}

// Bootstrap performs steps 1-3 of spec.md §4.2 over fs, bounded by
// Timeout. On success it returns a new Active Session negotiated with
// role Node, as specified.
func Bootstrap(ctx context.Context, fs *stream.FramedStream, req Request, remote identity.PublicIdentity, opts session.Options) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	type result struct {
		sess *session.Session
		err  error
	}
	done := make(chan result, 1)

	go func() {
		sess, err := bootstrapStep(fs, req, remote, opts)
		done <- result{sess, err}
	}()

	select {
	case r := <-done:
		return r.sess, r.err
	case <-ctx.Done():
		fs.Close()
		return nil, &Error{Kind: KindTimedOut}
	}
}

func bootstrapStep(fs *stream.FramedStream, req Request, remote identity.PublicIdentity, opts session.Options) (*session.Session, error) {
	wireReq := req.toWire()
	msg := wire.NewBootstrapRequest(wireReq)
	body, err := wire.MarshalHandshake(msg)
	if err != nil {
		return nil, &Error{Kind: KindEncrypt, Err: err}
	}
	if err := fs.Send(body); err != nil {
		return nil, &Error{Kind: KindWrite, Err: err}
	}

	raw, err := fs.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &Error{Kind: KindDisconnected}
		}
		return nil, &Error{Kind: KindRead, Err: err}
	}

	resp, err := wire.UnmarshalHandshake(raw)
	if err != nil {
		return nil, &Error{Kind: KindDecrypt, Err: err}
	}

	if resp.IsGranted() {
		return session.New(fs, remote, identity.RoleNode, opts), nil
	}
	if reason, ok := resp.IsDenied(); ok {
		return nil, &Error{Kind: KindBootstrapDenied, Reason: reason}
	}
	return nil, &Error{Kind: KindInvalidResponse}
}

// AcceptPolicy governs the server-side validation that
// AcceptBootstrap performs before granting a connecting peer. It
// resolves the accept-side checks left unspecified by the distilled
// spec (SPEC_FULL.md §4.2), supplemented from the reference service's
// own whitelist-before-grant sequence.
type AcceptPolicy struct {
	WhitelistedNodes   func(identity.PublicIdentity) bool
	WhitelistedClients func(identity.PublicIdentity) bool
	CheckReachability  func(wire.Reachability) bool
}

func (p AcceptPolicy) validate(req wire.BootstrapRequest, claimed identity.PublicIdentity) (wire.DenyReason, bool) {
	switch req.Role {
	case wire.WireRoleNode:
		if p.WhitelistedNodes != nil && !p.WhitelistedNodes(claimed) {
			return wire.DenyNodeNotWhitelisted, false
		}
	case wire.WireRoleClient:
		if p.WhitelistedClients != nil && !p.WhitelistedClients(claimed) {
			return wire.DenyClientNotWhitelisted, false
		}
	}
	if p.CheckReachability != nil && !p.CheckReachability(req.Reachability) {
		return wire.DenyFailedExternalReachability, false
	}
	return 0, true
}

// AcceptBootstrap is the server-side counterpart to Bootstrap: it reads
// one BootstrapRequest, validates it against policy, replies granted
// or denied, and on success constructs a Session.
func AcceptBootstrap(ctx context.Context, fs *stream.FramedStream, policy AcceptPolicy, opts session.Options, log *log.Logger) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	type result struct {
		sess *session.Session
		err  error
	}
	done := make(chan result, 1)

	go func() {
		sess, err := acceptStep(fs, policy, opts, log)
		done <- result{sess, err}
	}()

	select {
	case r := <-done:
		return r.sess, r.err
	case <-ctx.Done():
		fs.Close()
		return nil, &Error{Kind: KindTimedOut}
	}
}

func acceptStep(fs *stream.FramedStream, policy AcceptPolicy, opts session.Options, lg *log.Logger) (*session.Session, error) {
	raw, err := fs.Recv()
	if err != nil {
		return nil, &Error{Kind: KindRead, Err: err}
	}
	msg, err := wire.UnmarshalHandshake(raw)
	if err != nil {
		return nil, &Error{Kind: KindDecrypt, Err: err}
	}
	req, ok := msg.IsRequest()
	if !ok {
		return nil, &Error{Kind: KindInvalidResponse}
	}

	claimed := identity.PublicIdentity{Sign: req.ClaimedIdentitySign}
	if len(req.ClaimedIdentityBox) == 32 {
		var b [32]byte
		copy(b[:], req.ClaimedIdentityBox)
		claimed.Box = &b
	}

	if reason, granted := policy.validate(req, claimed); !granted {
		deny := wire.NewBootstrapDenied(reason)
		body, merr := wire.MarshalHandshake(deny)
		if merr != nil {
			return nil, &Error{Kind: KindEncrypt, Err: merr}
		}
		if werr := fs.Send(body); werr != nil {
			if lg != nil {
				lg.Debug("failed to send bootstrap denial", "err", werr)
			}
		}
		return nil, &Error{Kind: KindBootstrapDenied, Reason: reason}
	}

	granted := wire.NewBootstrapGranted()
	body, err := wire.MarshalHandshake(granted)
	if err != nil {
		return nil, &Error{Kind: KindEncrypt, Err: err}
	}
	if err := fs.Send(body); err != nil {
		return nil, &Error{Kind: KindWrite, Err: err}
	}

	return session.New(fs, claimed, fromWireRole(req.Role), opts), nil
}
