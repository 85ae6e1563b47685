package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wildlark/voice-entry/internal/asr"
	"github.com/wildlark/voice-entry/internal/session"
)

// Messages the ws handler itself sends; the session emits its own.
type statusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type wsErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleVoiceWS hosts recognition sessions over one websocket connection.
// A connection may carry any number of sequential recordings: each "start"
// runs one session to termination, then the loop waits for the next one.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()

	client := newWSClient(conn)
	defer client.close()
	log.Printf("Voice client connected from %s", conn.RemoteAddr())

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		msg, err := client.ReadMessage(time.Second)
		if err != nil {
			if errors.Is(err, session.ErrReadTimeout) {
				continue
			}
			log.Printf("Voice client disconnected: %v", err)
			return
		}

		switch msg.Type {
		case session.MsgStart:
			s.runSession(r, client)
		case session.MsgCancel, session.MsgClose:
			log.Printf("Voice client requested close")
			return
		default:
			log.Printf("Ignoring message type %q outside a recording", msg.Type)
		}
	}
}

// runSession opens a provider stream and bridges one recording. Failures are
// reported on the websocket; the connection stays open for the next attempt.
func (s *Server) runSession(r *http.Request, client *wsClient) {
	id := uuid.NewString()[:8]

	client.Send(statusMessage{Type: "status", Status: "listening", Message: "recording started"})

	stream, err := s.asr.Dial(r.Context())
	if err != nil {
		if errors.Is(err, asr.ErrNotConfigured) {
			client.Send(wsErrorMessage{Type: "error", Error: "speech recognition is not configured"})
		} else {
			log.Printf("Session %s: provider dial failed: %v", id, err)
			client.Send(wsErrorMessage{Type: "error", Error: "failed to reach the recognition service"})
		}
		return
	}

	sess := session.New(id, client, stream)
	outcome, err := sess.Run(r.Context())
	if err != nil {
		log.Printf("Session %s failed: %v", id, err)
		return
	}
	if !outcome.Cancelled {
		log.Printf("Session %s recognized %d chars", id, len(outcome.FinalText))
	}
}

// wsClient adapts a gorilla connection to session.ClientConn. gorilla marks
// a connection failed after any read deadline expires, so reads happen on a
// dedicated goroutine and ReadMessage only bounds the wait for its channel.
type wsClient struct {
	conn   *websocket.Conn
	inbox  chan session.ClientMessage
	closed chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex

	errMu   sync.Mutex
	readErr error
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn:   conn,
		inbox:  make(chan session.ClientMessage, 32),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// close releases the read loop; the handler calls it when the connection is
// done so a full inbox cannot strand the goroutine.
func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsClient) readLoop() {
	defer close(c.inbox)
	for {
		// Read the raw frame and decode separately: a transport error is
		// terminal, a malformed payload is not.
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(io.EOF)
			return
		}

		var msg session.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("Dropping malformed client message: %v", err)
			c.Send(wsErrorMessage{Type: "error", Error: "malformed message"})
			continue
		}

		select {
		case c.inbox <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *wsClient) ReadMessage(timeout time.Duration) (session.ClientMessage, error) {
	if timeout <= 0 {
		msg, ok := <-c.inbox
		if !ok {
			return session.ClientMessage{}, c.err()
		}
		return msg, nil
	}
	select {
	case msg, ok := <-c.inbox:
		if !ok {
			return session.ClientMessage{}, c.err()
		}
		return msg, nil
	case <-time.After(timeout):
		return session.ClientMessage{}, session.ErrReadTimeout
	}
}

func (c *wsClient) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsClient) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.readErr = err
}

func (c *wsClient) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return io.EOF
	}
	return c.readErr
}
