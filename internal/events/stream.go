package events

import (
	"bytes"
	"context"
	"time"

	json "github.com/goccy/go-json"

	"backup-orchestrator/internal/models"
)

// DefaultKeepalive is how long a stream stays silent before emitting a keepalive.
const DefaultKeepalive = 30 * time.Second

// Frame is one unit written to an observer: an event or a keepalive.
type Frame struct {
	Event     models.Event
	Keepalive bool
}

// SSE renders the frame in Server-Sent Events wire format.
func (f Frame) SSE() ([]byte, error) {
	if f.Keepalive {
		return []byte(":\n\n"), nil
	}
	payload, err := json.Marshal(f.Event)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Transport names used in the connection greeting.
const (
	TransportSSE       = "SSE"
	TransportWebSocket = "WebSocket"
)

// Stream is a transport-neutral view of one observer's connection.
type Stream struct {
	bus       *Bus
	sub       *Subscription
	transport string
	keepalive time.Duration
	greeted   bool
}

// OpenStream subscribes id and returns its stream. transport only labels the
// greeting. Close must be called when the observer disconnects.
func OpenStream(bus *Bus, id, transport string, keepalive time.Duration) *Stream {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Stream{bus: bus, sub: bus.Subscribe(id), transport: transport, keepalive: keepalive}
}

// Next returns the connection_established greeting first, then queued events,
// or a keepalive frame after the keepalive interval of silence.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	if !s.greeted {
		s.greeted = true
		return Frame{Event: models.Event{
			Type:      models.EventConnectionEstablished,
			Data:      map[string]any{"message": s.transport + " connection established", "transport": s.transport},
			Timestamp: time.Now().UTC(),
		}}, nil
	}
	ev, ok, err := s.sub.Next(ctx, s.keepalive)
	if err != nil {
		return Frame{}, err
	}
	if !ok {
		return Frame{Keepalive: true}, nil
	}
	return Frame{Event: ev}, nil
}

// Close unsubscribes, unless a newer connection has already taken over the id.
func (s *Stream) Close() {
	s.bus.remove(s.sub.id, s.sub)
}
