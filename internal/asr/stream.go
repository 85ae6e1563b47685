package asr

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRecvTimeout is returned by Stream.Recv when no provider message arrived
// within the bound. The session treats it as fatal once the last frame has
// been sent.
var ErrRecvTimeout = errors.New("asr: timed out waiting for provider")

// Stream is one live recognition connection. Writes are serialized so the
// session's send pump and Close may race safely.
type Stream struct {
	conn   *websocket.Conn
	format string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// SendAudio uploads one base64-encoded PCM chunk.
func (s *Stream) SendAudio(audioB64 string) error {
	return s.sendFrame(frame{Data: frameData{
		Status:   statusContinue,
		Format:   s.format,
		Encoding: "raw",
		Audio:    audioB64,
	}})
}

// SendLast uploads the terminal frame telling the provider no more audio is
// coming. The provider keeps emitting results until its own final status.
func (s *Stream) SendLast() error {
	return s.sendFrame(frame{Data: frameData{
		Status:   statusLastFrame,
		Format:   s.format,
		Encoding: "raw",
		Audio:    "",
	}})
}

// Recv blocks up to timeout for the next provider message and decodes it.
// A timeout maps to ErrRecvTimeout; provider-reported failures map to
// *ProviderError; anything else is a transport error.
func (s *Stream) Recv(timeout time.Duration) (Result, error) {
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Result{}, err
		}
	}
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Result{}, ErrRecvTimeout
		}
		return Result{}, err
	}
	return decodeResponse(raw)
}

// Close tears down the connection. Safe to call from any goroutine and more
// than once; closing unblocks a pending Recv.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Stream) sendFrame(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}
