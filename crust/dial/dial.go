// Package dial implements the connection attempter (component C4):
// given a target identity and a set of candidate addresses, it races
// concurrent connection attempts and surfaces the first success.
package dial

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/duskline/meshconn/crust/handshake"
	"github.com/duskline/meshconn/crust/session"
	"github.com/duskline/meshconn/crust/stream"
	"github.com/duskline/meshconn/identity"
)

// PerAttemptTimeout bounds a single candidate's connect step
// (spec.md §4.4).
const PerAttemptTimeout = 10 * time.Second

// Transport is the external collaborator that turns a candidate
// address plus remote identity into a connected net.Conn, consumed
// exactly as spec.md §6 declares it.
type Transport interface {
	DirectConnect(ctx context.Context, addr string, remote identity.PublicIdentity) (net.Conn, error)
}

// TryKind enumerates why a single candidate attempt failed.
type TryKind int

const (
	TryTimedOut TryKind = iota
	TryConnect
	TryHandshake
)

// TryError is one candidate's failure.
type TryError struct {
	Kind TryKind
	Err  error
}

func (e *TryError) Error() string {
	switch e.Kind {
	case TryTimedOut:
		return "timed out"
	case TryConnect:
		return fmt.Sprintf("connect: %v", e.Err)
	case TryHandshake:
		return fmt.Sprintf("handshake: %v", e.Err)
	default:
		return "unknown"
	}
}

func (e *TryError) Unwrap() error { return e.Err }

// Failure pairs a candidate address with the TryError it produced.
type Failure struct {
	Addr string
	Err  *TryError
}

// Error is the composite failure returned when every candidate fails,
// listing the attempts in the order they completed (spec.md §4.4).
type Error struct {
	Failures []Failure
}

func (e *Error) Error() string {
	if len(e.Failures) == 0 {
		return "dial: no candidate addresses supplied"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Addr, f.Err))
	}
	return fmt.Sprintf("dial: all candidates failed: %s", strings.Join(parts, "; "))
}

type attemptResult struct {
	addr string
	sess *session.Session
	err  *TryError
}

// Connect races one goroutine per candidate address: each opens a
// direct transport connection under its own per-attempt timeout, then
// runs the bootstrap handshake. The first to produce a Session wins
// and every other in-flight attempt is cancelled; no partial session
// is ever observable by the caller.
//
// This generalizes the fan-out/wait pattern the teacher uses for
// bulk-parallel work (ping.go's semaphore-bounded goroutine fan-out)
// from "launch N, wait for all" to "launch N, take the first success,
// cancel the rest".
func Connect(
	ctx context.Context,
	ours *identity.SecretIdentity,
	target identity.PublicIdentity,
	candidates []string,
	req handshake.Request,
	transport Transport,
	opts session.Options,
	lg *log.Logger,
) (*session.Session, error) {
	if len(candidates) == 0 {
		return nil, &Error{}
	}
	if lg == nil {
		lg = log.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult, len(candidates))
	var wg sync.WaitGroup

	for _, addr := range candidates {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, tryErr := attempt(ctx, ours, addr, target, req, transport, opts)
			select {
			case results <- attemptResult{addr: addr, sess: sess, err: tryErr}:
			case <-ctx.Done():
				if sess != nil {
					sess.Finalize()
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var failures []Failure
	for r := range results {
		if r.err == nil {
			lg.Debug("bootstrap succeeded", "addr", r.addr)
			cancel() // abort every other in-flight attempt
			go drainAndFinalize(results)
			return r.sess, nil
		}
		lg.Debug("candidate attempt failed", "addr", r.addr, "err", r.err)
		failures = append(failures, Failure{Addr: r.addr, Err: r.err})
	}

	return nil, &Error{Failures: failures}
}

// drainAndFinalize consumes any results still in flight after a
// winner has already been chosen, so a straggling goroutine's send on
// results never blocks and any session it produced is not leaked.
func drainAndFinalize(results <-chan attemptResult) {
	for r := range results {
		if r.sess != nil {
			r.sess.Finalize()
		}
	}
}

func attempt(
	ctx context.Context,
	ours *identity.SecretIdentity,
	addr string,
	target identity.PublicIdentity,
	req handshake.Request,
	transport Transport,
	opts session.Options,
) (*session.Session, *TryError) {
	connectCtx, cancel := context.WithTimeout(ctx, PerAttemptTimeout)
	defer cancel()

	conn, err := transport.DirectConnect(connectCtx, addr, target)
	if err != nil {
		if connectCtx.Err() == context.DeadlineExceeded {
			return nil, &TryError{Kind: TryTimedOut}
		}
		return nil, &TryError{Kind: TryConnect, Err: err}
	}

	shared := ours.Precompute(target)
	fs := stream.New(conn, shared, true)
	sess, hsErr := handshake.Bootstrap(ctx, fs, req, target, opts)
	if hsErr != nil {
		return nil, &TryError{Kind: TryHandshake, Err: hsErr}
	}
	return sess, nil
}
