package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/wildlark/voice-entry/internal/asr"
)

// fakeClient scripts inbound messages through a channel and records
// everything the session sends back.
type fakeClient struct {
	inbox chan ClientMessage

	mu   sync.Mutex
	sent []any
}

func newFakeClient() *fakeClient {
	return &fakeClient{inbox: make(chan ClientMessage, 16)}
}

func (f *fakeClient) ReadMessage(timeout time.Duration) (ClientMessage, error) {
	select {
	case m, ok := <-f.inbox:
		if !ok {
			return ClientMessage{}, io.EOF
		}
		return m, nil
	case <-time.After(timeout):
		return ClientMessage{}, ErrReadTimeout
	}
}

func (f *fakeClient) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeClient) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeClient) countByType() (partials, finals, errs int) {
	for _, m := range f.messages() {
		switch m.(type) {
		case partialMessage:
			partials++
		case finalMessage:
			finals++
		case errorMessage:
			errs++
		}
	}
	return
}

type recvItem struct {
	res asr.Result
	err error
}

// fakeProvider records uploaded audio and serves scripted Recv results.
type fakeProvider struct {
	results chan recvItem

	mu       sync.Mutex
	audio    []string
	lastSent bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		results: make(chan recvItem, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeProvider) SendAudio(audioB64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audioB64)
	return nil
}

func (f *fakeProvider) SendLast() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSent = true
	return nil
}

func (f *fakeProvider) Recv(timeout time.Duration) (asr.Result, error) {
	select {
	case item := <-f.results:
		return item.res, item.err
	case <-f.closed:
		return asr.Result{}, errors.New("use of closed connection")
	case <-time.After(timeout):
		return asr.Result{}, asr.ErrRecvTimeout
	}
}

func (f *fakeProvider) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeProvider) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeProvider) lastFrameSent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSent
}

func newTestSession(c *fakeClient, p *fakeProvider) *Session {
	s := New("test", c, p)
	s.clientTimeout = 20 * time.Millisecond
	s.providerTimeout = 500 * time.Millisecond
	return s
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionHappyPath(t *testing.T) {
	client := newFakeClient()
	provider := newFakeProvider()
	s := newTestSession(client, provider)

	client.inbox <- ClientMessage{Type: MsgAudio, Data: "Zm9v"}
	client.inbox <- ClientMessage{Type: MsgAudio, Data: "YmFy"}
	client.inbox <- ClientMessage{Type: MsgEnd}

	// Out-of-order fragments while audio is still streaming.
	provider.results <- recvItem{res: asr.Result{Sequence: 3, Text: "world"}}
	provider.results <- recvItem{res: asr.Result{Sequence: 1, Text: "hello "}}

	done := make(chan struct{})
	var out Outcome
	var runErr error
	go func() {
		defer close(done)
		out, runErr = s.Run(context.Background())
	}()

	// The terminal status only arrives once the last frame has been sent.
	waitFor(t, provider.lastFrameSent, "last frame")
	provider.results <- recvItem{res: asr.Result{Final: true}}
	<-done

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}

	if out.FinalText != "hello world" {
		t.Errorf("FinalText = %q, want %q", out.FinalText, "hello world")
	}
	if out.FramesSent != 2 {
		t.Errorf("FramesSent = %d, want 2", out.FramesSent)
	}
	if out.Cancelled {
		t.Error("session reported cancelled")
	}
	if !provider.lastFrameSent() {
		t.Error("last frame never forwarded to provider")
	}
	if s.State() != StateTerminated {
		t.Errorf("State = %v, want terminated", s.State())
	}

	partials, finals, errs := client.countByType()
	if partials < 1 {
		t.Error("expected at least one partial message")
	}
	if finals != 1 {
		t.Errorf("text_final count = %d, want exactly 1", finals)
	}
	if errs != 0 {
		t.Errorf("unexpected error messages: %d", errs)
	}

	// The last partial must already reflect sequence order, not arrival order.
	var lastPartial string
	for _, m := range client.messages() {
		if p, ok := m.(partialMessage); ok {
			lastPartial = p.Text
		}
	}
	if lastPartial != "hello world" {
		t.Errorf("last partial = %q, want %q", lastPartial, "hello world")
	}
}

func TestSessionReplacementPartial(t *testing.T) {
	client := newFakeClient()
	provider := newFakeProvider()
	s := newTestSession(client, provider)

	provider.results <- recvItem{res: asr.Result{Sequence: 1, Text: "forty"}}
	provider.results <- recvItem{res: asr.Result{Sequence: 2, Text: " too"}}
	provider.results <- recvItem{res: asr.Result{
		Replacement: true, RangeLow: 1, RangeHigh: 2, Text: "forty-two",
	}}
	provider.results <- recvItem{res: asr.Result{Final: true}}

	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.FinalText != "forty-two" {
		t.Errorf("FinalText = %q, want %q", out.FinalText, "forty-two")
	}
}

func TestSessionCancelEmitsNoFinal(t *testing.T) {
	client := newFakeClient()
	provider := newFakeProvider()
	s := newTestSession(client, provider)

	client.inbox <- ClientMessage{Type: MsgAudio, Data: "Zm9v"}
	client.inbox <- ClientMessage{Type: MsgCancel}

	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Cancelled {
		t.Error("session not reported cancelled")
	}
	_, finals, errs := client.countByType()
	if finals != 0 {
		t.Errorf("cancelled session emitted %d text_final messages", finals)
	}
	if errs != 0 {
		t.Errorf("cancelled session emitted %d error messages", errs)
	}
	if provider.lastFrameSent() {
		t.Error("cancel must not forward a last frame")
	}
}

func TestSessionClientDisconnectActsAsCancel(t *testing.T) {
	client := newFakeClient()
	provider := newFakeProvider()
	s := newTestSession(client, provider)

	close(client.inbox) // reads now fail with io.EOF

	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Cancelled {
		t.Error("disconnect not treated as cancel")
	}
	_, finals, _ := client.countByType()
	if finals != 0 {
		t.Errorf("disconnected session emitted %d text_final messages", finals)
	}
}

func TestSessionDropsAudioAfterProviderFinal(t *testing.T) {
	client := newFakeClient()
	provider := newFakeProvider()
	s := newTestSession(client, provider)

	client.inbox <- ClientMessage{Type: MsgAudio, Data: "Zm9v"}

	done := make(chan struct{})
	var out Outcome
	go func() {
		defer close(done)
		out, _ = s.Run(context.Background())
	}()

	waitFor(t, func() bool { return provider.audioCount() == 1 }, "first audio frame")

	provider.results <- recvItem{res: asr.Result{Sequence: 1, Text: "done"}}
	provider.results <- recvItem{res: asr.Result{Final: true}}
	waitFor(t, func() bool {
		_, finals, _ := client.countByType()
		return finals == 1
	}, "final transcript")

	// Late audio must be dropped, not forwarded.
	client.inbox <- ClientMessage{Type: MsgAudio, Data: "bGF0ZQ=="}

	<-done
	if got := provider.audioCount(); got != 1 {
		t.Errorf("audio frames forwarded after terminal status: %d, want 1", got)
	}
	if out.FinalText != "done" {
		t.Errorf("FinalText = %q, want %q", out.FinalText, "done")
	}
}

func TestSessionProviderErrorReportedOnce(t *testing.T) {
	client := newFakeClient()
	provider := newFakeProvider()
	s := newTestSession(client, provider)

	provider.results <- recvItem{err: &asr.ProviderError{Code: 10114, Message: "session timeout"}}

	_, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected session error")
	}
	_, finals, errs := client.countByType()
	if errs != 1 {
		t.Errorf("error message count = %d, want exactly 1", errs)
	}
	if finals != 0 {
		t.Errorf("failed session emitted %d text_final messages", finals)
	}
}

func TestSessionProviderTimeoutIsFatal(t *testing.T) {
	client := newFakeClient()
	provider := newFakeProvider()
	s := newTestSession(client, provider)
	s.providerTimeout = 50 * time.Millisecond

	client.inbox <- ClientMessage{Type: MsgEnd}

	_, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal timeout error")
	}
	_, finals, errs := client.countByType()
	if errs != 1 {
		t.Errorf("error message count = %d, want exactly 1", errs)
	}
	if finals != 0 {
		t.Errorf("timed-out session emitted %d text_final messages", finals)
	}
	if s.State() != StateTerminated {
		t.Errorf("State = %v, want terminated", s.State())
	}
}

func TestSessionContextCancellation(t *testing.T) {
	client := newFakeClient()
	provider := newFakeProvider()
	s := newTestSession(client, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Cancelled {
		t.Error("context cancellation not treated as cancel")
	}
}
