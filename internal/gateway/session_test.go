package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInitialState(t *testing.T) {
	s := NewSession("U1", "10.0.0.1:1234", 4)

	assert.Equal(t, StatePending, s.State())
	assert.Equal(t, "U1", s.UserID())
	assert.Equal(t, "10.0.0.1:1234", s.RemoteAddr())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, CauseNone, s.Cause())
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := NewSession("U1", "", 1)
	b := NewSession("U1", "", 1)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSessionMarkActive(t *testing.T) {
	s := NewSession("U1", "", 4)

	assert.True(t, s.MarkActive())
	assert.Equal(t, StateActive, s.State())
	assert.False(t, s.MarkActive(), "second transition must fail")
}

func TestSessionMarkActiveAfterCloseFails(t *testing.T) {
	s := NewSession("U1", "", 4)
	s.Close(CauseHandshakeTimeout)
	assert.False(t, s.MarkActive())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionEnqueueOrderPreserved(t *testing.T) {
	s := NewSession("U1", "", 4)

	require.True(t, s.TryEnqueue([]byte("a")))
	require.True(t, s.TryEnqueue([]byte("b")))
	require.True(t, s.TryEnqueue([]byte("c")))

	assert.Equal(t, []byte("a"), <-s.Outbound())
	assert.Equal(t, []byte("b"), <-s.Outbound())
	assert.Equal(t, []byte("c"), <-s.Outbound())
}

func TestSessionEnqueueFullQueue(t *testing.T) {
	s := NewSession("U1", "", 2)

	require.True(t, s.TryEnqueue([]byte("a")))
	require.True(t, s.TryEnqueue([]byte("b")))
	assert.False(t, s.TryEnqueue([]byte("c")), "full queue must not block")
}

func TestSessionEnqueueAfterClose(t *testing.T) {
	s := NewSession("U1", "", 2)
	s.Close(CausePeerGone)
	assert.False(t, s.TryEnqueue([]byte("a")))
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := NewSession("U1", "", 2)

	assert.True(t, s.Close(CauseHeartbeatMiss))
	assert.False(t, s.Close(CausePeerGone), "second close is a no-op")
	assert.Equal(t, CauseHeartbeatMiss, s.Cause(), "first cause wins")
	assert.Equal(t, StateClosed, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestSessionCloseIfPending(t *testing.T) {
	s := NewSession("U1", "", 4)

	frame := []byte("register-required")
	require.True(t, s.CloseIfPending(CauseHandshakeTimeout, frame))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CauseHandshakeTimeout, s.Cause())

	// The frame made it into the queue ahead of the done signal.
	assert.Equal(t, frame, <-s.Outbound())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after CloseIfPending")
	}
}

func TestSessionCloseIfPendingSparesActive(t *testing.T) {
	s := NewSession("U1", "", 4)
	require.True(t, s.MarkActive())

	assert.False(t, s.CloseIfPending(CauseHandshakeTimeout, []byte("late")))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, CauseNone, s.Cause())
	assert.True(t, s.TryEnqueue([]byte("x")), "session must remain usable")
}

func TestSessionCloseIfPendingAfterClose(t *testing.T) {
	s := NewSession("U1", "", 4)
	s.Close(CausePeerGone)

	assert.False(t, s.CloseIfPending(CauseHandshakeTimeout, nil))
	assert.Equal(t, CausePeerGone, s.Cause(), "original cause must survive")
}

func TestSessionTouchMovesActivity(t *testing.T) {
	s := NewSession("U1", "", 2)
	before := s.LastActivity()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	assert.True(t, s.LastActivity().After(before))
}

func TestSessionSupersede(t *testing.T) {
	s := NewSession("U1", "", 2)
	require.True(t, s.MarkActive())

	kick := []byte("force-logout")
	s.Supersede(kick)

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CauseSuperseded, s.Cause())
	// The kick frame sits in the queue for the writer's drain pass.
	assert.Equal(t, kick, <-s.Outbound())
}

func TestCloseCauseCodes(t *testing.T) {
	tests := []struct {
		cause CloseCause
		code  int
	}{
		{CauseHandshakeTimeout, ClosePolicyViolation},
		{CauseProtocolViolation, ClosePolicyViolation},
		{CauseSuperseded, ClosePolicyViolation},
		{CauseHeartbeatMiss, CloseGoingAway},
		{CauseShutdown, CloseGoingAway},
		{CauseSlowConsumer, CloseInternalError},
		{CauseWriteFailure, CloseInternalError},
		{CauseForceLogout, CloseNormal},
	}
	for _, tc := range tests {
		t.Run(tc.cause.String(), func(t *testing.T) {
			assert.Equal(t, tc.code, tc.cause.CloseCode())
		})
	}
}
