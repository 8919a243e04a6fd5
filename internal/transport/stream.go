package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"contauth/internal/session"
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// streamClient is one websocket attached to a session. Listener callbacks
// run on the tick goroutine, so they only enqueue; a slow client is
// disconnected instead of stalling the tick.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *streamClient) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.stop()
	}
}

func (c *streamClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.sessions.State(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	client.enqueue(encodeFrame(FrameHello, snap))

	unsub, err := s.sessions.Subscribe(id, session.ListenerFuncs{
		Sample: func(e session.SampleEvent) { client.enqueue(encodeFrame(FrameSample, e)) },
		Reauth: func(e session.ReauthEvent) { client.enqueue(encodeFrame(FrameReauthRequired, e)) },
		Ended: func(e session.EndEvent) {
			client.enqueue(encodeFrame(FrameSessionEnded, e))
			client.stop()
		},
	})
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	if s.metrics != nil {
		s.metrics.WebSocketClients.Inc()
		defer s.metrics.WebSocketClients.Dec()
	}
	logger := s.log(r).WithSession(id, snap.UserID)
	logger.Info("stream connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(client)
	}()

	s.readPump(client, id)

	unsub()
	client.stop()
	<-writerDone
	conn.Close()
	logger.Info("stream disconnected")
}

// readPump decodes inbound frames until the connection fails or the client
// is stopped. Invalid frames are answered with an error frame and skipped.
func (s *Server) readPump(c *streamClient, id string) {
	pongWait := 2 * s.cfg.PingInterval
	c.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				select {
				case <-c.done:
				default:
					s.logger.Debug("websocket read error", "session_id", id, "error", err)
				}
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := s.frames.Decode(msg, s.now())
		if err != nil {
			c.enqueue(errorFrame(err))
			continue
		}
		switch frame.Type {
		case FramePing:
			c.enqueue(encodeFrame(FramePong, nil))
		case FrameEvents:
			for _, ev := range frame.Events {
				if err := s.sessions.OnEvent(id, ev); err != nil {
					c.enqueue(errorFrame(err))
					c.stop()
					return
				}
			}
		}
	}
}

// writePump owns all writes on the connection. When the client is stopped
// it flushes queued frames, sends a close frame and closes the socket so
// the reader unblocks.
func (s *Server) writePump(c *streamClient) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if !s.write(c, websocket.TextMessage, frame) {
				c.stop()
				return
			}

		case <-ticker.C:
			if !s.write(c, websocket.PingMessage, nil) {
				c.stop()
				return
			}

		case <-c.done:
			// only this goroutine receives from send
			for len(c.send) > 0 {
				if !s.write(c, websocket.TextMessage, <-c.send) {
					return
				}
			}
			s.write(c, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) write(c *streamClient, messageType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		s.logger.Debug("websocket write error", "error", err)
		return false
	}
	return true
}
