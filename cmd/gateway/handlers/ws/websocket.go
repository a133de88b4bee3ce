// Package ws owns the socket: upgrade, the reader / writer / watchdog
// goroutines, and the teardown path. Everything else in the gateway sees
// sessions only through the registry.
package ws

import (
	"context"
	"log/slog"
	"time"

	"im-gateway/cmd/gateway/handlers/httperr"
	"im-gateway/cmd/gateway/middlewares"
	"im-gateway/internal/clients/redisdir"
	"im-gateway/internal/config"
	"im-gateway/internal/gateway"
	"im-gateway/internal/logger"
	"im-gateway/internal/wire"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const (
	wsWriteTimeout     = 10 * time.Second
	directoryOpTimeout = 2 * time.Second

	msgRegisterRequired  = "register required"
	msgMalformedFrame    = "malformed frame"
	msgSignedInElsewhere = "account signed in from another device"
)

// Directory is the slice of the routing directory the session lifecycle
// needs. Satisfied by *redisdir.Client.
type Directory interface {
	Put(ctx context.Context, userID string, rec redisdir.Record) error
	Del(ctx context.Context, userID, sessionID string, onlyIfOwner bool) error
}

// Handlers carries the per-node session fabric shared by all ports.
type Handlers struct {
	cfg       config.Config
	registry  *gateway.Registry
	metrics   *gateway.Metrics
	directory Directory
	log       *slog.Logger
}

// NewHandlers creates the WebSocket handlers.
func NewHandlers(cfg config.Config, registry *gateway.Registry, metrics *gateway.Metrics, directory Directory, log *slog.Logger) *Handlers {
	return &Handlers{
		cfg:       cfg,
		registry:  registry,
		metrics:   metrics,
		directory: directory,
		log:       log,
	}
}

// Upgrade gates the configured path: only WebSocket upgrade requests pass
// through to the connection handler. The JWT middleware has already put the
// verified user id in Locals by the time this runs.
func (h *Handlers) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return httperr.Fail(httperr.ErrUpgradeRequired)
	}
	return c.Next()
}

// Serve runs one connection to completion. It is the reader goroutine; the
// writer and the liveness watchdog are spawned here and joined on exit.
func (h *Handlers) Serve(c *websocket.Conn) {
	userID, ok := c.Locals(middlewares.UserIDKey).(string)
	if !ok || userID == "" {
		logger.L().Error("websocket connection without user identity")
		_ = c.Close()
		return
	}

	s := gateway.NewSession(userID, c.RemoteAddr().String(), h.cfg.Outbound.QueueCapacity)
	h.metrics.SessionsTotal.Inc()
	h.log.Info("session opened", "user_id", userID, "session_id", s.ID(), "remote", s.RemoteAddr())

	// The peer must send REGISTER before the handshake window closes. The
	// close is a Pending-only compare-and-swap, so a timer firing
	// concurrently with registration can never take down the session.
	handshake := time.AfterFunc(h.cfg.Handshake.Timeout, func() {
		frame, err := wire.NewControl(wire.CodeError, msgRegisterRequired).Marshal()
		if err != nil {
			frame = nil
		}
		s.CloseIfPending(gateway.CauseHandshakeTimeout, frame)
	})
	defer handshake.Stop()

	c.SetPongHandler(func(string) error {
		s.Touch()
		return nil
	})

	writerDone := make(chan struct{})
	go h.writeLoop(c, s, writerDone)
	go h.watchLiveness(s)

	h.readLoop(c, s)

	// Reader gone: either the peer vanished or a close path shut the socket.
	s.Close(gateway.CausePeerGone)
	h.teardown(s)
	<-writerDone

	h.log.Info("session closed",
		"user_id", userID, "session_id", s.ID(), "cause", s.Cause().String())
}

// readLoop consumes inbound frames until the socket errors out.
func (h *Handlers) readLoop(c *websocket.Conn, s *gateway.Session) {
	for {
		messageType, payload, err := c.ReadMessage()
		if err != nil {
			return
		}
		s.Touch()

		// Text frames are tolerated noise from debugging clients.
		if messageType != websocket.BinaryMessage {
			continue
		}

		frame, err := wire.Unmarshal(payload)
		if err != nil {
			h.enqueueControl(s, wire.NewControl(wire.CodeError, msgMalformedFrame))
			s.Close(gateway.CauseProtocolViolation)
			return
		}
		if closed := h.handleFrame(s, frame); closed {
			return
		}
	}
}

// handleFrame applies one inbound frame to the session state machine. It
// reports true when the frame closed the session.
func (h *Handlers) handleFrame(s *gateway.Session, frame *wire.Frame) bool {
	if s.State() == gateway.StatePending && frame.Code != wire.CodeRegister {
		h.enqueueControl(s, wire.NewControl(wire.CodeError, msgRegisterRequired))
		s.Close(gateway.CauseProtocolViolation)
		return true
	}

	switch frame.Code {
	case wire.CodeRegister:
		h.handleRegister(s)
	case wire.CodeHeartBeat:
		if !h.enqueueControl(s, wire.NewControl(wire.CodeHeartBeatSuccess, "")) {
			// A client that cannot absorb its own heartbeat ack gets the
			// same consequence as a full queue on the dispatch path.
			h.closeSlowConsumer(s)
			return true
		}
	default:
		// Upstream traffic is not accepted on this socket; drop silently so
		// a chatty client cannot force disconnect loops.
		h.log.Debug("ignoring inbound frame",
			"code", frame.Code, "user_id", s.UserID(), "session_id", s.ID())
	}
	return false
}

// handleRegister activates the session and publishes it. The ack is
// enqueued before the registry insert so it is the first frame the peer
// receives, ahead of any broker delivery racing in via the dispatcher.
func (h *Handlers) handleRegister(s *gateway.Session) {
	if !s.MarkActive() {
		// Duplicate REGISTER on an active session is acked idempotently.
		if s.State() == gateway.StateActive {
			h.enqueueControl(s, wire.NewControl(wire.CodeRegisterSuccess, ""))
		}
		return
	}

	h.enqueueControl(s, wire.NewControl(wire.CodeRegisterSuccess, ""))

	if old := h.registry.Insert(s); old != nil {
		kick, err := wire.NewControl(wire.CodeForceLogout, msgSignedInElsewhere).Marshal()
		if err != nil {
			kick = nil
		}
		old.Supersede(kick)
		h.metrics.SessionEvictions.Inc()
		h.log.Info("session displaced by newer login",
			"user_id", s.UserID(), "old_session_id", old.ID(), "new_session_id", s.ID())
	}
	h.metrics.SessionsActive.Set(float64(h.registry.Len()))

	ctx, cancel := context.WithTimeout(context.Background(), directoryOpTimeout)
	defer cancel()
	rec := redisdir.Record{
		BrokerID:    h.cfg.BrokerID,
		SessionID:   s.ID(),
		ConnectedAt: s.ConnectedAt().UnixMilli(),
	}
	if err := h.directory.Put(ctx, s.UserID(), rec); err != nil {
		h.metrics.DirectoryErrors.Inc()
		h.log.Warn("directory put failed", "user_id", s.UserID(), "err", err)
	}
}

// writeLoop owns all writes to the socket. It drains the outbound queue,
// and on session close flushes what it can before sending the close frame
// derived from the recorded cause.
func (h *Handlers) writeLoop(c *websocket.Conn, s *gateway.Session, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case frame := <-s.Outbound():
			if err := h.writeFrame(c, frame); err != nil {
				s.Close(gateway.CauseWriteFailure)
				h.closeSocket(c, s)
				return
			}
		case <-s.Done():
			h.drain(c, s)
			h.closeSocket(c, s)
			return
		}
	}
}

// drain flushes queued frames for at most the configured drain window, so
// a final kick or error frame usually reaches the peer before the close.
func (h *Handlers) drain(c *websocket.Conn, s *gateway.Session) {
	deadline := time.Now().Add(h.cfg.Outbound.DrainTimeout)
	for time.Now().Before(deadline) {
		select {
		case frame := <-s.Outbound():
			if h.writeFrame(c, frame) != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *Handlers) writeFrame(c *websocket.Conn, frame []byte) error {
	if err := c.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	h.metrics.FramesOut.Inc()
	return nil
}

// closeSocket sends the close frame for the recorded cause and closes the
// connection, which also unblocks the reader.
func (h *Handlers) closeSocket(c *websocket.Conn, s *gateway.Session) {
	cause := s.Cause()
	msg := websocket.FormatCloseMessage(cause.CloseCode(), cause.String())
	_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.WriteMessage(websocket.CloseMessage, msg)
	if err := c.Close(); err != nil {
		h.log.Debug("socket close", "session_id", s.ID(), "err", err)
	}
}

// watchLiveness closes the session when the peer stops sending anything
// (heartbeats included) for longer than the configured timeout.
func (h *Handlers) watchLiveness(s *gateway.Session) {
	ticker := time.NewTicker(h.cfg.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-ticker.C:
			if time.Since(s.LastActivity()) > h.cfg.Heartbeat.Timeout {
				h.log.Info("heartbeat timeout",
					"user_id", s.UserID(), "session_id", s.ID())
				s.Close(gateway.CauseHeartbeatMiss)
				return
			}
		}
	}
}

// teardown withdraws the session from the registry and the directory. Both
// operations are guarded by session id, so a superseded session can never
// evict its successor's entries.
func (h *Handlers) teardown(s *gateway.Session) {
	if h.registry.RemoveIf(s.UserID(), s.ID()) {
		h.metrics.SessionsActive.Set(float64(h.registry.Len()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), directoryOpTimeout)
	defer cancel()
	if err := h.directory.Del(ctx, s.UserID(), s.ID(), true); err != nil {
		h.metrics.DirectoryErrors.Inc()
		h.log.Warn("directory delete failed", "user_id", s.UserID(), "err", err)
	}
}

// enqueueControl marshals and enqueues a control frame, reporting whether
// it reached the outbound queue.
func (h *Handlers) enqueueControl(s *gateway.Session, frame *wire.Frame) bool {
	encoded, err := frame.Marshal()
	if err != nil {
		h.log.Error("encode control frame", "code", frame.Code, "err", err)
		return false
	}
	return s.TryEnqueue(encoded)
}

// closeSlowConsumer mirrors the dispatcher's full-queue consequence.
func (h *Handlers) closeSlowConsumer(s *gateway.Session) {
	if s.Close(gateway.CauseSlowConsumer) {
		h.metrics.SlowConsumerCloses.Inc()
		h.log.Warn("closing slow consumer",
			"user_id", s.UserID(), "session_id", s.ID())
	}
}
