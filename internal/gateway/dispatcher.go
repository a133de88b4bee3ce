package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"im-gateway/internal/broker"
	"im-gateway/internal/wire"
)

// DeliveryReport aggregates the fate of one broker message's recipients.
type DeliveryReport struct {
	Delivered int // enqueued on a local session
	Missed    int // not connected to this node (expected, cross-node)
	Dropped   int // lost to a full queue; the session was closed
}

// Dispatcher resolves broker messages to locally connected sessions. It
// holds no session references of its own: every delivery is a fresh
// registry lookup followed by a non-blocking enqueue, so one slow client
// can never stall another.
type Dispatcher struct {
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger
}

// NewDispatcher wires the dispatcher to the registry.
func NewDispatcher(registry *Registry, metrics *Metrics, log *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, metrics: metrics, log: log}
}

// Dispatch encodes the message once and fans it out to each named local
// recipient at most once. It implements broker.Dispatcher; a returned
// error means the payload could not be encoded (poison).
func (d *Dispatcher) Dispatch(_ context.Context, msg *broker.Message) error {
	code := int32(*msg.Code)

	frame := &wire.Frame{
		Code:      code,
		Message:   msg.Message,
		RequestID: msg.RequestID,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Data) > 0 {
		frame.Data = wire.NewJSONData(code, msg.Data).Data
	}
	encoded, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("dispatcher: encode frame: %w", err)
	}

	report := d.fanOut(code, dedupe(msg.IDs), encoded)

	d.metrics.DispatchDelivered.Add(float64(report.Delivered))
	d.metrics.DispatchMissed.Add(float64(report.Missed))
	d.metrics.DispatchDropped.Add(float64(report.Dropped))

	if d.log != nil {
		d.log.Debug("dispatched broker message",
			"code", code,
			"recipients", len(msg.IDs),
			"delivered", report.Delivered,
			"missed", report.Missed,
			"dropped", report.Dropped,
		)
	}
	return nil
}

func (d *Dispatcher) fanOut(code int32, ids []string, encoded []byte) DeliveryReport {
	var report DeliveryReport
	seen := 0

	d.registry.ForEach(ids, func(s *Session) {
		seen++
		switch {
		case code == wire.CodeForceLogout:
			// Best-effort kick frame, then close; the writer drains it.
			s.TryEnqueue(encoded)
			s.Close(CauseForceLogout)
			report.Delivered++
		case s.TryEnqueue(encoded):
			report.Delivered++
		default:
			// Queue full: the session is a slow consumer. Closing it here
			// instead of blocking keeps head-of-line blocking away from
			// every other user on this node.
			if s.Close(CauseSlowConsumer) {
				d.metrics.SlowConsumerCloses.Inc()
				if d.log != nil {
					d.log.Warn("closing slow consumer",
						"user_id", s.UserID(), "session_id", s.ID())
				}
			}
			report.Dropped++
		}
	})

	report.Missed = len(ids) - seen
	return report
}

// dedupe keeps the first occurrence of each id so a message is enqueued to
// a session at most once.
func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
