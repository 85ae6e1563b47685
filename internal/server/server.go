// Package server exposes the voice-entry service over HTTP: a websocket
// endpoint for live recognition sessions and REST endpoints for extraction,
// task polling, one-shot transcription, and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wildlark/voice-entry/internal/asr"
	"github.com/wildlark/voice-entry/internal/extractor"
	"github.com/wildlark/voice-entry/internal/task"
)

type Config struct {
	Host           string
	Port           int
	MaxUploadBytes int64
}

type Server struct {
	config    Config
	asr       *asr.Client
	extractor *extractor.Extractor
	queue     *task.Queue

	httpServer *http.Server
	upgrader   websocket.Upgrader
	wg         sync.WaitGroup
	shutdown   chan struct{}
}

func New(config Config, asrClient *asr.Client, ext *extractor.Extractor, queue *task.Queue) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 10 << 20
	}

	s := &Server{
		config:    config,
		asr:       asrClient,
		extractor: ext,
		queue:     queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The frontend is served from a different origin in development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/voice/ws", s.handleVoiceWS)
	mux.HandleFunc("/api/voice/extract", s.handleExtract)
	mux.HandleFunc("/api/voice/extract/async", s.handleExtractAsync)
	mux.HandleFunc("/api/voice/task/", s.handleTask)
	mux.HandleFunc("/api/voice/transcribe", s.handleTranscribe)
	mux.HandleFunc("/api/voice/health", s.handleHealth)
	mux.HandleFunc("/api/voice/queue/stats", s.handleQueueStats)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler: mux,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	log.Printf("Voice entry server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	s.wg.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
