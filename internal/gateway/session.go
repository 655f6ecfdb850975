package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = pongWait / (maxMissedPongs + 1)
	maxMissedPongs = 2
	sendBufferSize = 256
)

// wsConnection is the subset of *websocket.Conn a Session depends on,
// abstracted so tests can substitute a fake instead of a real socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// Session is one open WebSocket connection. It is owned exclusively by the
// Hub instance that accepted it.
type Session struct {
	ID          string
	UserID      string
	DisplayName string

	conn wsConnection
	send chan []byte
	hub  *Hub

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	topics     map[string]struct{}
	missedPong int
}

func newSession(ctx context.Context, id, userID, displayName string, conn wsConnection, hub *Hub) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		hub:         hub,
		ctx:         sctx,
		cancel:      cancel,
		topics:      make(map[string]struct{}),
	}
}

// Topics returns a snapshot of the session's current subscription set.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Session) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

func (s *Session) hasTopic(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

// enqueue writes a serialized frame into the session's outbound buffer
// without blocking. A full buffer drops the frame; if there is still room
// for the warning itself, a slow_consumer error frame is queued instead.
func (s *Session) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
		metrics.SlowConsumerDrops.WithLabelValues("buffer_full").Inc()
		errFrame, _ := encodeFrame(FrameError, ErrorPayload{Code: "slow_consumer", Message: "outbound buffer full, frame dropped"}, "")
		select {
		case s.send <- errFrame:
		default:
			// Buffer is saturated even for the warning; both the frame and
			// the warning are dropped. The connection is not closed for
			// persistent saturation: writePump has no such check.
		}
	}
}

func (s *Session) sendFrame(frameType string, payload any, nonce string) {
	data, err := encodeFrame(frameType, payload, nonce)
	if err != nil {
		logging.Error(s.ctx, "failed to encode outbound frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	s.enqueue(data)
}

func encodeFrame(frameType string, payload any, nonce string) ([]byte, error) {
	return marshalFrame(Frame{Type: frameType, Payload: mustMarshal(payload), Nonce: nonce})
}

// readPump processes inbound frames until the socket closes or the session
// is cancelled. It runs in its own goroutine, started from ServeWS.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
		s.cancel()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.missedPong = 0
		s.mu.Unlock()
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := unmarshalFrame(data, &frame); err != nil {
			s.sendFrame(FrameError, ErrorPayload{Code: "invalid_frame", Message: "malformed frame"}, "")
			continue
		}

		start := time.Now()
		s.hub.dispatch(s, frame)
		metrics.FrameProcessingDuration.WithLabelValues(frame.Type).Observe(time.Since(start).Seconds())
	}
}

// writePump drains the outbound buffer and sends periodic pings, closing
// the connection after two consecutive missed pongs.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.mu.Lock()
			missed := s.missedPong
			s.mu.Unlock()
			if missed >= maxMissedPongs {
				logging.Warn(s.ctx, "session missed too many pongs, closing", zap.String("session_id", s.ID))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			s.mu.Lock()
			s.missedPong++
			s.mu.Unlock()

		case <-s.ctx.Done():
			return
		}
	}
}
