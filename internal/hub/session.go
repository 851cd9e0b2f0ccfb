package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomcast/roomcast/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Per-connection outbound buffer.
	sendBufferSize = 256
)

// Connection roles.
const (
	roleDevice = "device"
	roleClient = "client"
)

// session owns one transport connection: its identity parameters, its
// outbound buffer and its read/write pumps. The registry records hold a
// session as their transport handle; shutting it down terminates the
// connection and, through the read pump exit, drives deregistration.
type session struct {
	hub *Hub
	ws  *websocket.Conn

	role       string
	id         string
	hotelID    int64
	roomNumber string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, ws *websocket.Conn, role, id string, hotelID int64, roomNumber string) *session {
	return &session{
		hub:        h,
		ws:         ws,
		role:       role,
		id:         id,
		hotelID:    hotelID,
		roomNumber: roomNumber,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
}

// deliver queues data for the write pump. Never blocks: a full buffer or a
// closed session drops the message, matching the at-most-once contract.
func (s *session) deliver(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// shutdown terminates the transport. Safe to call from any goroutine and any
// number of times; only the first call has an effect.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ws != nil {
			_ = s.ws.Close()
		}
	})
}

// closed reports whether shutdown has been initiated.
func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// readPump reads envelopes from the WebSocket connection and hands them to
// the hub. Runs as the connection's single lifecycle goroutine; its exit is
// the one place deregistration is triggered, so remote close, eviction and
// process shutdown all clean up identically.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.shutdown()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.log.Debug().Err(err).Str("id", s.id).Msg("read error")
			}
			return
		}

		// Any traffic counts as liveness at the transport level.
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.hub.log.Warn().Err(err).Str("id", s.id).Msg("dropping malformed envelope")
			continue
		}
		s.hub.inbound <- &inboundEnvelope{sess: s, env: &env}
	}
}

// writePump pumps queued messages to the WebSocket connection and keeps the
// peer alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case <-s.done:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
