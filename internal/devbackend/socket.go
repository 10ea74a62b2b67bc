package devbackend

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"modelq/internal/logging"
	"modelq/internal/queue"
	"modelq/internal/realtime"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
	maxPayload   = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type socketClient struct {
	sid  string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *socketClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *socketClient) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Sessions is the number of Socket.IO clients past the connect handshake.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// handleSocket serves the WebSocket transport of Engine.IO v4 with a
// single Socket.IO namespace.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" || q.Get("transport") != "websocket" {
		writeError(w, http.StatusBadRequest, "unsupported transport")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logging.Args(logging.Error(err))...)
		return
	}
	client := &socketClient{
		sid:  uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
	defer client.close()

	if !s.acceptConnect(client, bearerToken(r)) {
		return
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("socket client connected", logging.Args(logging.String("sid", client.sid))...)
	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		s.logger.Info("socket client disconnected", logging.Args(logging.String("sid", client.sid))...)
	}()

	go s.writeLoop(client)
	s.readLoop(client)
}

func (s *Server) acceptConnect(client *socketClient, headerToken string) bool {
	conn := client.conn
	open, err := realtime.EncodeOpen(realtime.OpenPayload{
		SID:          client.sid,
		Upgrades:     []string{},
		PingInterval: int(s.opts.PingInterval / time.Millisecond),
		PingTimeout:  int(s.opts.PingTimeout / time.Millisecond),
		MaxPayload:   maxPayload,
	})
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, open); err != nil {
		return false
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PingTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		if len(msg) < 2 || msg[0] != realtime.EngineMessage {
			continue
		}
		frame, err := realtime.DecodeSocket(msg[1:])
		if err != nil || frame.Type != realtime.SocketConnect {
			continue
		}
		token := headerToken
		var auth realtime.ConnectAuth
		if len(frame.Data) > 0 && json.Unmarshal(frame.Data, &auth) == nil && auth.Token != "" {
			token = auth.Token
		}
		if s.opts.Token != "" && token != s.opts.Token {
			packet, _ := realtime.EncodeConnectError("unauthorized")
			_ = conn.WriteMessage(websocket.TextMessage, packet)
			s.logger.Info("socket client refused", logging.Args(logging.String("sid", client.sid))...)
			return false
		}
		packet, err := realtime.EncodeConnect(map[string]string{"sid": uuid.NewString()})
		if err != nil {
			return false
		}
		return conn.WriteMessage(websocket.TextMessage, packet) == nil
	}
}

func (s *Server) writeLoop(client *socketClient) {
	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()
	write := func(frame []byte) bool {
		_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return client.conn.WriteMessage(websocket.TextMessage, frame) == nil
	}
	for {
		select {
		case <-client.done:
			return
		case frame := <-client.send:
			if !write(frame) {
				client.close()
				return
			}
		case <-ping.C:
			if !write([]byte{realtime.EnginePing}) {
				client.close()
				return
			}
		}
	}
}

func (s *Server) readLoop(client *socketClient) {
	liveness := s.opts.PingInterval + s.opts.PingTimeout
	for {
		_ = client.conn.SetReadDeadline(time.Now().Add(liveness))
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case realtime.EngineClose:
			return
		case realtime.EngineMessage:
			if len(msg) > 1 && msg[1] == realtime.SocketDisconnect {
				return
			}
		}
	}
}

func (s *Server) broadcast(batch []queue.Update) {
	frame, err := realtime.EncodeEvent(realtime.EventQueueUpdate, batch)
	if err != nil {
		s.logger.Warn("encode queue update failed", logging.Args(logging.Error(err))...)
		return
	}
	s.mu.Lock()
	clients := make([]*socketClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		if !c.enqueue(frame) {
			s.logger.Warn("dropping slow socket client", logging.Args(logging.String("sid", c.sid))...)
			c.close()
		}
	}
}
