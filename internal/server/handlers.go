package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/wildlark/voice-entry/internal/asr"
	"github.com/wildlark/voice-entry/internal/entry"
	"github.com/wildlark/voice-entry/internal/extractor"
	"github.com/wildlark/voice-entry/internal/task"
)

type extractRequest struct {
	Text        string        `json:"text"`
	CurrentData *entry.Result `json:"current_data,omitempty"`
}

// handleExtract runs structured extraction synchronously. The call can block
// through the extractor's rate-limit backoff; latency-sensitive clients
// should use the async variant.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.extractor.Extract(r.Context(), req.Text, req.CurrentData)
	if err != nil {
		switch {
		case errors.Is(err, extractor.ErrNotConfigured):
			httpError(w, http.StatusServiceUnavailable, "extraction service is not configured")
		case errors.Is(err, extractor.ErrEmptyText):
			httpError(w, http.StatusBadRequest, "text must not be empty")
		default:
			log.Printf("Extraction failed: %v", err)
			httpError(w, http.StatusInternalServerError, "extraction failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

// handleExtractAsync enqueues extraction and returns a task id the client
// polls via the task endpoint.
func (s *Server) handleExtractAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.extractor.Available() {
		httpError(w, http.StatusServiceUnavailable, "extraction service is not configured")
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		httpError(w, http.StatusBadRequest, "text must not be empty")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to encode task payload")
		return
	}

	id, err := s.queue.Enqueue(r.Context(), task.TypeTextExtract, payload)
	if err != nil {
		log.Printf("Enqueue failed: %v", err)
		httpError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"task_id": id,
	})
}

// handleTask serves GET /api/voice/task/{id}.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/voice/task/")
	if id == "" || strings.Contains(id, "/") {
		httpError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	t, err := s.queue.GetTask(r.Context(), id)
	if err != nil {
		log.Printf("Task %s lookup failed: %v", id, err)
		httpError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	if t == nil {
		httpError(w, http.StatusNotFound, "task not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTranscribe runs one-shot recognition over an uploaded recording.
// The body is 16kHz mono 16-bit PCM, with or without a RIFF header.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		httpError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}
	if len(data) == 0 {
		httpError(w, http.StatusBadRequest, "empty audio upload")
		return
	}

	pcm := stripRIFFHeader(data)

	text, err := s.asr.TranscribeBytes(r.Context(), pcm)
	if err != nil {
		if errors.Is(err, asr.ErrNotConfigured) {
			httpError(w, http.StatusServiceUnavailable, "speech recognition is not configured")
			return
		}
		log.Printf("Transcription failed: %v", err)
		httpError(w, http.StatusBadGateway, "transcription failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"text":    text,
	})
}

// stripRIFFHeader drops a canonical 44-byte WAV header when present so
// clients can upload either raw PCM or a simple WAV file.
func stripRIFFHeader(data []byte) []byte {
	if len(data) > 44 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return data[44:]
	}
	return data
}

// handleHealth reports the availability of each dependency. The service is
// "ok" when recognition works and "degraded" otherwise; extraction and the
// queue are informational.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats := s.queue.Stats(ctx)
	status := "ok"
	if !s.asr.Available() {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"services": map[string]any{
			"asr":       s.asr.Available(),
			"extractor": s.extractor.Available(),
			"queue":     stats.Connected,
		},
	})
}

// handleQueueStats exposes dispatch queue metrics for operators.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, s.queue.Stats(ctx))
}
