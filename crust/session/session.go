// Package session implements the peer liveness engine (component C3):
// heartbeating, inactivity detection, and framed message multiplexing
// over an established FramedStream.
//
// A Session is created exactly once, by the handshake engine, and is
// mutated only by its own goroutines; timers hold no back-reference to
// the Session (SPEC_FULL.md §9) and state is observed by callers only
// through Send's return value, the channel returned by Recv, and Err.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/duskline/meshconn/crust/stream"
	"github.com/duskline/meshconn/identity"
	"github.com/duskline/meshconn/internal/worker"
	"github.com/duskline/meshconn/wire"
)

func errorsIsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// Reference timing constants (SPEC_FULL.md §6.3 / spec.md §6). Tests
// construct Sessions with shorter values via the Options below rather
// than relying on a build-tag-gated global, since Go has no
// compile-time cfg(test) substitution.
const (
	HeartbeatPeriod   = 20 * time.Second
	InactivityTimeout = 120 * time.Second
)

// Kind enumerates Session's own synthesized errors plus the errors it
// passes through unchanged from the framed stream, matching the C3
// taxonomy of spec.md §4.3 verbatim. KindSerialisation has no raiser in
// this implementation: wire.EncodeFrame cannot itself fail (it only
// prepends a discriminant byte), so it is kept in the enum purely for
// parity with the documented taxonomy rather than left out.
// KindEncrypt/KindDecrypt/KindDeserialize are raised from the framed
// stream's and wire codec's more specific failures; see writeKind,
// readKind and the wire.DecodeFrame call in readLoop.
type Kind int

const (
	KindDestroyed Kind = iota
	KindSerialisation
	KindIO
	KindRead
	KindWrite
	KindInactivityTimeout
	KindEncrypt
	KindDecrypt
	KindDeserialize
)

// Error is the error type surfaced by a terminal Session failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %v", e.kindString(), e.Err)
	}
	return fmt.Sprintf("session: %s", e.kindString())
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) kindString() string {
	switch e.Kind {
	case KindDestroyed:
		return "destroyed"
	case KindSerialisation:
		return "serialisation error"
	case KindIO:
		return "io error"
	case KindRead:
		return "read error"
	case KindWrite:
		return "write error"
	case KindInactivityTimeout:
		return "inactivity timeout"
	case KindEncrypt:
		return "encrypt error"
	case KindDecrypt:
		return "decrypt error"
	case KindDeserialize:
		return "deserialize error"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned by Send when the underlying stream cannot
// accept more bytes right now; the caller retains the payload and may
// resubmit it.
var ErrNotReady = errors.New("session: not ready, resubmit payload")

// Options customizes timing, primarily so tests can use short periods
// instead of the 20s/120s reference values.
type Options struct {
	HeartbeatPeriod   time.Duration
	InactivityTimeout time.Duration
	Logger            *log.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatPeriod == 0 {
		o.HeartbeatPeriod = HeartbeatPeriod
	}
	if o.InactivityTimeout == 0 {
		o.InactivityTimeout = InactivityTimeout
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Session is a live, authenticated, encrypted bidirectional message
// channel with a specific remote peer.
type Session struct {
	worker.Worker

	stream *stream.FramedStream
	remote identity.PublicIdentity
	role   identity.PeerRole
	log    *log.Logger

	heartbeatPeriod   time.Duration
	inactivityTimeout time.Duration

	mu            sync.Mutex
	lastSend      time.Time
	closeErr      error
	closed        bool

	sendCh chan sendReq
	recvCh chan []byte

	finalizeOnce sync.Once
}

type sendReq struct {
	payload []byte
	result  chan error
}

// New constructs an Active Session from a post-handshake FramedStream.
// It is exported so the handshake engine (the only intended caller per
// SPEC_FULL.md §4.3) can build the Session once bootstrap completes;
// application code never calls New directly.
func New(fs *stream.FramedStream, remote identity.PublicIdentity, role identity.PeerRole, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		stream:            fs,
		remote:            remote,
		role:              role,
		log:               opts.Logger,
		heartbeatPeriod:   opts.HeartbeatPeriod,
		inactivityTimeout: opts.InactivityTimeout,
		lastSend:          time.Now(),
		sendCh:            make(chan sendReq, 1),
		recvCh:            make(chan []byte, 16),
	}
	s.Go(s.writeLoop)
	s.Go(s.readLoop)
	return s
}

// RemoteIdentity returns the authenticated remote peer.
func (s *Session) RemoteIdentity() identity.PublicIdentity { return s.remote }

// Role returns the negotiated peer role.
func (s *Session) Role() identity.PeerRole { return s.role }

// Send enqueues payload as a Data frame. The enqueue is non-blocking:
// if the writer goroutine's send queue is full, Send returns
// ErrNotReady and the caller retains payload for resubmission. Once the
// payload is queued, Send waits for the frame's write result.
func (s *Session) Send(payload []byte) error {
	if s.IsHalted() {
		return &Error{Kind: KindDestroyed}
	}
	req := sendReq{payload: payload, result: make(chan error, 1)}
	select {
	case s.sendCh <- req:
	case <-s.HaltCh():
		return &Error{Kind: KindDestroyed}
	default:
		return ErrNotReady
	}
	select {
	case err := <-req.result:
		return err
	case <-s.HaltCh():
		return &Error{Kind: KindDestroyed}
	}
}

// Recv returns the channel of received application payloads. The
// channel is closed when the session terminates; Err then reports why.
func (s *Session) Recv() <-chan []byte {
	return s.recvCh
}

// Err returns the terminal error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Finalize flushes pending writes and closes the underlying stream
// gracefully. After Finalize, the session emits no further frames.
func (s *Session) Finalize() error {
	s.finalizeOnce.Do(func() {
		s.Halt()
		s.Wait()
		s.stream.Close()
	})
	return nil
}

// terminate transitions the session to Closed for a self-synthesized
// reason (inactivity timeout, a fatal stream read/write error, a
// malformed frame). It closes the underlying stream itself, since
// unlike a graceful Finalize, nothing else will: a session that times
// out or dies on a read error without a caller ever invoking Finalize
// must not leak its conn or leave pumpFrames blocked on it forever.
func (s *Session) terminate(kind Kind, cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = &Error{Kind: kind, Err: cause}
	s.mu.Unlock()
	s.stream.Close()
	s.Halt()
}

func (s *Session) writeLoop() {
	timer := time.NewTimer(s.heartbeatPeriod)
	defer timer.Stop()

	for {
		select {
		case <-s.HaltCh():
			return
		case req := <-s.sendCh:
			frame := wire.EncodeFrame(wire.FrameData, req.payload)
			err := s.sendFrame(frame)
			req.result <- err
			if err != nil {
				s.terminate(writeKind(err), err)
			}
		case <-timer.C:
			s.mu.Lock()
			elapsed := time.Since(s.lastSend)
			s.mu.Unlock()
			if elapsed >= s.heartbeatPeriod {
				frame := wire.EncodeFrame(wire.FrameHeartbeat, nil)
				if err := s.sendFrame(frame); err != nil {
					s.terminate(writeKind(err), err)
				}
			}
			s.mu.Lock()
			next := s.lastSend.Add(s.heartbeatPeriod)
			s.mu.Unlock()
			resetTimer(timer, time.Until(next))
		}
	}
}

func (s *Session) sendFrame(frame []byte) error {
	if err := s.stream.Send(frame); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return nil
}

// readLoop is the sole sender on recvCh, so it is also the sole closer:
// closing it here (rather than from writeLoop's HaltCh case) keeps the
// "only the sender closes the channel" rule intact. Without this split,
// a Data frame reaching the send at the bottom of this loop could race
// a Halt that lets writeLoop close recvCh first, producing a send on a
// closed channel.
func (s *Session) readLoop() {
	defer close(s.recvCh)

	inactivity := time.NewTimer(s.inactivityTimeout)
	defer inactivity.Stop()

	msgCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go s.pumpFrames(msgCh, errCh)

	for {
		select {
		case <-s.HaltCh():
			return
		case <-inactivity.C:
			s.terminate(KindInactivityTimeout, nil)
			return
		case err := <-errCh:
			if errors.Is(err, errStreamEOF) {
				s.terminate(KindRead, nil)
			} else {
				s.terminate(readKind(err), err)
			}
			return
		case raw := <-msgCh:
			kind, payload, err := wire.DecodeFrame(raw)
			if err != nil {
				s.terminate(KindDeserialize, err)
				return
			}
			resetTimer(inactivity, s.inactivityTimeout)
			switch kind {
			case wire.FrameHeartbeat:
				// absorbed silently, never surfaced upward
			case wire.FrameData:
				select {
				case s.recvCh <- payload:
				case <-s.HaltCh():
					return
				}
			}
			go s.pumpFrames(msgCh, errCh)
		}
	}
}

var errStreamEOF = errors.New("session: stream closed")

// pumpFrames reads exactly one frame and reports it on msgCh/errCh.
// It is spawned fresh for each frame so that readLoop's select can
// simultaneously watch the inactivity timer and HaltCh while a read is
// in flight.
func (s *Session) pumpFrames(msgCh chan []byte, errCh chan error) {
	raw, err := s.stream.Recv()
	if err != nil {
		if errorsIsEOF(err) {
			errCh <- errStreamEOF
			return
		}
		errCh <- err
		return
	}
	msgCh <- raw
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func writeKind(err error) Kind {
	var we *stream.WriteError
	if errors.As(err, &we) {
		if errors.Is(we, stream.ErrEncryptFailed) {
			return KindEncrypt
		}
		return KindWrite
	}
	return KindIO
}

func readKind(err error) Kind {
	var re *stream.ReadError
	if errors.As(err, &re) {
		if errors.Is(re, stream.ErrDecryptFailed) {
			return KindDecrypt
		}
		return KindRead
	}
	return KindIO
}
