package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// Session is the hub side of one client's duplex channel.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *log.Entry

	mu     sync.Mutex
	closed bool
}

// ServeConn attaches a websocket connection as a session and blocks
// until it disconnects.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	s := &Session{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  h.log.WithField("remote", conn.RemoteAddr().String()),
	}
	h.attach(s)
	s.log.Info("client connected")

	go s.writePump()
	s.readPump()

	h.detach(s)
	s.close()
	s.log.Info("client disconnected")
}

// deliver queues a broadcast without blocking. A full buffer means the
// client is not draining; the hub drops the session in response.
// Sends and the channel close share s.mu, so a deliver racing close
// reports failure instead of panicking on the closed channel.
func (s *Session) deliver(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *Session) sendEvent(ev domain.Event, correlationID string) {
	payload, err := domain.EncodeEvent(ev, correlationID, s.hub.instanceID)
	if err != nil {
		s.log.Errorf("encode %s event: %v", ev.EventType(), err)
		return
	}
	if !s.deliver(payload) {
		s.log.Warn("session buffer full, event dropped")
	}
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("read: %v", err)
			}
			return
		}
		s.hub.dispatch(context.Background(), s, data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
