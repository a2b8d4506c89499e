package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gridsignal/marketstream/internal/metrics"
)

// Subscription is one live connection. Lifecycle: Connecting → Active
// (registered in its zone buckets, snapshot sent) → Closing (peer close or
// send failure) → Closed (removed everywhere, resources released). Only the
// owning hub transitions it.
type Subscription struct {
	ID         uuid.UUID
	Zones      []string
	TenantID   string
	CreatedAt  time.Time
	lastActive atomic.Int64 // unix nanos

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
	hub     *Hub
}

func newSubscription(hub *Hub, conn *websocket.Conn, zones []string, tenantID string) *Subscription {
	s := &Subscription{
		ID:        uuid.New(),
		Zones:     zones,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
		conn:      conn,
		send:      make(chan []byte, hub.sendBuffer),
		done:      make(chan struct{}),
		hub:       hub,
	}
	s.touch()
	return s
}

// Dropped reports how many messages were discarded for this connection
// because its outbound buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// LastActive reports the last time the peer sent us anything.
func (s *Subscription) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Subscription) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// enqueue hands a message to the connection's writer without ever blocking
// the broadcast loop. When the buffer is full the oldest buffered message is
// dropped in its favour: slow consumers degrade, the pipeline does not.
func (s *Subscription) enqueue(zone string, msg []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.send <- msg:
		return
	default:
	}

	// Buffer full. Evict the oldest entry, count the drop, retry once.
	select {
	case <-s.send:
		s.dropped.Add(1)
		metrics.IncDropped(zone)
	default:
	}
	select {
	case s.send <- msg:
	default:
		s.dropped.Add(1)
		metrics.IncDropped(zone)
	}
}

// close transitions the subscription to Closing exactly once: it is removed
// from every zone bucket and its pumps are told to exit. Safe to call from
// either pump or from the hub.
func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// writePump owns all writes to the connection. A write error transitions
// only this subscription to Closing; other subscribers are untouched.
func (s *Subscription) writePump() {
	defer s.hub.finish(s)

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.sendTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.hub.unsubscribe(s, "send_failure")
				return
			}
		}
	}
}

// readPump consumes client messages (ping, history requests) and detects
// transport-level closure.
func (s *Subscription) readPump() {
	s.conn.SetReadLimit(s.hub.readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.pingTimeout))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.hub.unsubscribe(s, "peer_closed")
			return
		}
		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.pingTimeout))
		s.hub.handleClientMessage(s, data)
	}
}
