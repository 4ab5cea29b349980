package rpc

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/scheduler"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Notification is one message on the block stream.
type Notification struct {
	Subscription string            `json:"subscription"`
	Result       *scheduler.Result `json:"result,omitempty"`
}

type stream struct {
	sched    *scheduler.Scheduler
	buffer   int
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newStream(sched *scheduler.Scheduler, buffer int, logger *zap.Logger) *stream {
	return &stream{
		sched:  sched,
		buffer: buffer,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades the connection and streams every processed block
// until the client goes away. The first message carries only the
// subscription id.
func (s *stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	id := uuid.NewString()
	results, unsubscribe := s.sched.Subscribe(s.buffer)

	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	defer func() {
		unsubscribe()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		conn.Close()
	}()
	s.logger.Debug("stream opened", zap.String("subscription", id), zap.String("remote", conn.RemoteAddr().String()))

	// The reader only handles control frames and notices disconnects.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.write(conn, Notification{Subscription: id}); err != nil {
		return
	}
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			if err := s.write(conn, Notification{Subscription: id, Result: res}); err != nil {
				s.logger.Debug("stream write failed", zap.String("subscription", id), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *stream) write(conn *websocket.Conn, n Notification) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(n)
}

// closeAll sends a close frame to every open stream.
func (s *stream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "node shutting down")
	for _, conn := range s.conns {
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
}
