package gateway

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the session lifecycle state.
type State int32

const (
	// StatePending: upgraded, awaiting the REGISTER frame.
	StatePending State = iota
	// StateActive: registered; registry entry installed.
	StateActive
	// StateSuperseded: displaced by a newer session for the same user.
	StateSuperseded
	// StateClosed: terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseCause records why a session ended; it picks the close frame sent to
// the peer and shows up in logs.
type CloseCause int32

const (
	CauseNone CloseCause = iota
	CauseHandshakeTimeout
	CauseProtocolViolation
	CauseHeartbeatMiss
	CausePeerGone
	CauseWriteFailure
	CauseSlowConsumer
	CauseSuperseded
	CauseForceLogout
	CauseShutdown
)

// WebSocket close codes (RFC 6455).
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

func (c CloseCause) String() string {
	switch c {
	case CauseHandshakeTimeout:
		return "handshake_timeout"
	case CauseProtocolViolation:
		return "protocol_violation"
	case CauseHeartbeatMiss:
		return "heartbeat_miss"
	case CausePeerGone:
		return "peer_gone"
	case CauseWriteFailure:
		return "write_failure"
	case CauseSlowConsumer:
		return "slow_consumer"
	case CauseSuperseded:
		return "superseded"
	case CauseForceLogout:
		return "force_logout"
	case CauseShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// CloseCode maps the cause onto the close code written to the peer.
func (c CloseCause) CloseCode() int {
	switch c {
	case CauseHandshakeTimeout, CauseProtocolViolation, CauseSuperseded:
		return ClosePolicyViolation
	case CauseHeartbeatMiss, CauseShutdown:
		return CloseGoingAway
	case CauseSlowConsumer, CauseWriteFailure:
		return CloseInternalError
	case CauseForceLogout:
		return CloseNormal
	default:
		return CloseNormal
	}
}

// Session is one live WebSocket. The connection-owning goroutines (reader,
// writer, watchdog) live in the handler; the Session carries the shared
// state: identity, activity clock, the bounded outbound queue and the
// cancellation signal. The Registry and Dispatcher see only this type,
// never the socket.
type Session struct {
	id          string
	userID      string
	remoteAddr  string
	connectedAt time.Time

	lastActivity atomic.Int64 // unix nanos
	state        atomic.Int32
	cause        atomic.Int32

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a Pending session with a bounded outbound queue.
func NewSession(userID, remoteAddr string, queueCapacity int) *Session {
	now := time.Now()
	s := &Session{
		id:          ulid.MustNew(ulid.Timestamp(now.UTC()), rand.Reader).String(),
		userID:      userID,
		remoteAddr:  remoteAddr,
		connectedAt: now,
		outbound:    make(chan []byte, queueCapacity),
		done:        make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// ID returns the process-unique session id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user identity.
func (s *Session) UserID() string { return s.userID }

// RemoteAddr returns the peer address captured at upgrade time.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ConnectedAt returns the upgrade time.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// MarkActive transitions Pending -> Active. It reports false when the
// session already left Pending (closed or superseded meanwhile).
func (s *Session) MarkActive() bool {
	return s.state.CompareAndSwap(int32(StatePending), int32(StateActive))
}

// Touch records peer activity for the heartbeat watchdog.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// TryEnqueue attempts a non-blocking enqueue of an encoded frame on the
// outbound queue. It reports false when the session is closed or the queue
// is full; the caller decides the slow-consumer consequence.
func (s *Session) TryEnqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// Outbound is consumed by the writer goroutine.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// Done is closed exactly once when the session closes, whatever the cause.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close signals teardown. Idempotent; only the first cause wins. It
// reports whether this call performed the close.
func (s *Session) Close(cause CloseCause) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.cause.Store(int32(cause))
		s.state.Store(int32(StateClosed))
		close(s.done)
		closed = true
	})
	return closed
}

// CloseIfPending closes the session only while it is still Pending, so a
// late handshake timer can never take down a session that registered in
// the meantime. The optional frame is enqueued ahead of the done signal so
// the writer still flushes it.
func (s *Session) CloseIfPending(cause CloseCause, frame []byte) bool {
	if !s.state.CompareAndSwap(int32(StatePending), int32(StateClosed)) {
		return false
	}
	closed := false
	s.closeOnce.Do(func() {
		s.cause.Store(int32(cause))
		if frame != nil {
			select {
			case s.outbound <- frame:
			default:
			}
		}
		close(s.done)
		closed = true
	})
	return closed
}

// Cause returns the recorded close cause (CauseNone while open).
func (s *Session) Cause() CloseCause { return CloseCause(s.cause.Load()) }

// Supersede marks the session displaced by a newer login, best-effort
// enqueues the kick frame, and closes it. The writer drains the queue so
// the peer usually sees the kick before the close frame.
func (s *Session) Supersede(kick []byte) {
	s.state.CompareAndSwap(int32(StateActive), int32(StateSuperseded))
	if kick != nil {
		s.TryEnqueue(kick)
	}
	s.Close(CauseSuperseded)
}
