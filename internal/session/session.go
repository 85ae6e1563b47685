// Package session runs one recording: it pumps client audio to the
// recognition provider and reconciled transcript text back to the client,
// and owns termination and cancellation for both directions.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wildlark/voice-entry/internal/asr"
	"github.com/wildlark/voice-entry/internal/transcript"
)

// ErrReadTimeout is returned by ClientConn.ReadMessage when no message
// arrived within the bound. The send pump uses it to poll the done flag
// between reads.
var ErrReadTimeout = errors.New("session: client read timed out")

// Client message types.
const (
	MsgStart  = "start"
	MsgAudio  = "audio"
	MsgEnd    = "end"
	MsgCancel = "cancel"
	MsgClose  = "close"
)

// ClientMessage is one inbound client websocket message.
type ClientMessage struct {
	Type string `json:"type"`
	// Data carries base64-encoded PCM on audio messages.
	Data string `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

// ClientConn is the client leg of the bridge.
type ClientConn interface {
	// ReadMessage blocks up to timeout for the next client message; a
	// timeout is reported as ErrReadTimeout. timeout <= 0 blocks.
	ReadMessage(timeout time.Duration) (ClientMessage, error)
	Send(v any) error
}

// ProviderStream is the provider leg of the bridge, satisfied by
// *asr.Stream.
type ProviderStream interface {
	SendAudio(audioB64 string) error
	SendLast() error
	Recv(timeout time.Duration) (asr.Result, error)
	Close() error
}

// State is the session lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	// The send pump polls the done flag at this cadence, bounding how long
	// it can keep uploading audio after recognition finished.
	defaultClientReadTimeout = 500 * time.Millisecond
	// Bound on provider silence; tripping it after the last frame was sent
	// is a fatal session failure.
	defaultProviderReadTimeout = 30 * time.Second
)

// Outcome summarizes one terminated session.
type Outcome struct {
	FinalText  string
	Cancelled  bool
	FramesSent int
	Partials   int
}

// Server-to-client messages.
type partialMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type stopRecordingMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type finalMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Text   string `json:"text"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Session bridges one recording between a client and the provider.
type Session struct {
	id       string
	client   ClientConn
	provider ProviderStream
	rec      *transcript.Reconciler

	clientTimeout   time.Duration
	providerTimeout time.Duration

	state     atomic.Int32
	done      atomic.Bool
	cancelled atomic.Bool
	finalSent atomic.Bool // last frame forwarded to the provider

	framesSent atomic.Int64
	partials   atomic.Int64

	failOnce sync.Once
	failErr  error
}

func New(id string, client ClientConn, provider ProviderStream) *Session {
	return &Session{
		id:              id,
		client:          client,
		provider:        provider,
		rec:             transcript.NewReconciler(),
		clientTimeout:   defaultClientReadTimeout,
		providerTimeout: defaultProviderReadTimeout,
	}
}

// State returns the current lifecycle position.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run drives both pumps to completion and returns the session outcome.
// It always leaves the session Terminated and the provider stream closed.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	s.state.Store(int32(StateListening))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.sendPump(ctx)
	}()
	go func() {
		defer wg.Done()
		s.recvPump()
	}()
	wg.Wait()

	s.provider.Close()
	s.state.Store(int32(StateTerminated))

	out := Outcome{
		FinalText:  s.rec.CurrentText(),
		Cancelled:  s.cancelled.Load(),
		FramesSent: int(s.framesSent.Load()),
		Partials:   int(s.partials.Load()),
	}
	log.Printf("Session %s terminated (frames: %d, partials: %d, cancelled: %v)",
		s.id, out.FramesSent, out.Partials, out.Cancelled)
	return out, s.failErr
}

// sendPump reads client messages and forwards audio to the provider until
// the recording ends, is cancelled, or recognition completes.
func (s *Session) sendPump(ctx context.Context) {
	for {
		if s.done.Load() {
			return
		}
		if ctx.Err() != nil {
			s.cancel()
			return
		}

		msg, err := s.client.ReadMessage(s.clientTimeout)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			// Client gone; treat like a cancel so no final is emitted.
			log.Printf("Session %s: client read failed: %v", s.id, err)
			s.cancel()
			return
		}

		switch msg.Type {
		case MsgAudio:
			if s.done.Load() || msg.Data == "" {
				continue
			}
			if err := s.provider.SendAudio(msg.Data); err != nil {
				log.Printf("Session %s: failed to forward audio: %v", s.id, err)
				s.fail("failed to forward audio to recognizer")
				s.cancel()
				return
			}
			s.framesSent.Add(1)

		case MsgEnd:
			if s.done.Load() {
				// Recognition already finished, the final frame is moot.
				return
			}
			s.state.Store(int32(StateDraining))
			if err := s.provider.SendLast(); err != nil {
				log.Printf("Session %s: failed to send last frame: %v", s.id, err)
				s.fail("failed to finish recognition")
				s.cancel()
				return
			}
			s.finalSent.Store(true)
			log.Printf("Session %s: last frame sent after %d audio frames", s.id, s.framesSent.Load())
			return

		case MsgCancel:
			log.Printf("Session %s: cancelled by client after %d audio frames", s.id, s.framesSent.Load())
			s.cancel()
			return

		default:
			log.Printf("Session %s: ignoring message type %q during recording", s.id, msg.Type)
		}
	}
}

// recvPump reads provider results, applies them to the reconciler, and
// streams the reconstructed text to the client. It sets the done flag on the
// provider's terminal status and emits the authoritative final transcript.
func (s *Session) recvPump() {
	for {
		res, err := s.provider.Recv(s.providerTimeout)
		if err != nil {
			s.done.Store(true)
			if s.cancelled.Load() {
				// Connection torn down by a cancel; exit quietly.
				return
			}
			switch {
			case errors.Is(err, asr.ErrRecvTimeout):
				s.fail("recognition timed out waiting for provider")
			default:
				var perr *asr.ProviderError
				if errors.As(err, &perr) {
					s.fail("ASR error: " + perr.Message)
				} else {
					log.Printf("Session %s: provider read failed: %v", s.id, err)
					s.fail("recognizer connection lost")
				}
			}
			return
		}

		if res.Text != "" || res.Replacement {
			if err := s.rec.Apply(res.Update()); err != nil {
				log.Printf("Session %s: dropping malformed update: %v", s.id, err)
			} else {
				s.partials.Add(1)
				s.send(partialMessage{Type: "partial", Text: s.rec.CurrentText()})
			}
		}

		if res.Final {
			s.state.Store(int32(StateDraining))
			s.done.Store(true)
			s.send(stopRecordingMessage{Type: "stop_recording", Message: "recognition finished"})
			s.send(finalMessage{Type: "text_final", Status: "completed", Text: s.rec.CurrentText()})
			return
		}
	}
}

// cancel marks the session cancelled and closes the provider stream so the
// receive pump unblocks without emitting a final transcript.
func (s *Session) cancel() {
	s.cancelled.Store(true)
	s.provider.Close()
}

// fail reports one error to the client; subsequent failures are logged only.
func (s *Session) fail(msg string) {
	s.failOnce.Do(func() {
		s.failErr = errors.New(msg)
		s.send(errorMessage{Type: "error", Error: msg})
	})
}

func (s *Session) send(v any) {
	if err := s.client.Send(v); err != nil {
		log.Printf("Session %s: failed to send to client: %v", s.id, err)
	}
}
