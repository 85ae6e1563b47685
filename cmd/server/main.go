package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wildlark/voice-entry/internal/asr"
	"github.com/wildlark/voice-entry/internal/config"
	"github.com/wildlark/voice-entry/internal/entry"
	"github.com/wildlark/voice-entry/internal/extractor"
	"github.com/wildlark/voice-entry/internal/server"
	"github.com/wildlark/voice-entry/internal/task"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	// Credentials usually live in a local .env during development.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	asrClient := asr.NewClient(asr.Config{
		AppID:      cfg.ASR.AppID,
		APIKey:     cfg.ASR.APIKey,
		APISecret:  cfg.ASR.APISecret,
		Endpoint:   cfg.ASR.Endpoint,
		Language:   cfg.ASR.Language,
		SampleRate: cfg.ASR.SampleRate,
		VadEOS:     cfg.ASR.VadEOS,
	})

	ext := extractor.New(extractor.Config{
		APIKey:     cfg.Extractor.APIKey,
		BaseURL:    cfg.Extractor.BaseURL,
		Model:      cfg.Extractor.Model,
		MaxRetries: cfg.Extractor.MaxRetries,
	})

	queue := task.NewQueue(task.Options{
		RedisURL:      cfg.Queue.RedisURL,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		TaskTTL:       cfg.Queue.TaskTTL(),
	})
	queue.RegisterHandler(task.TypeTextExtract, extractHandler(ext))
	queue.RegisterHandler(task.TypeVoiceASR, transcribeHandler(asrClient))

	workerCtx, stopWorker := context.WithCancel(context.Background())
	if err := queue.Connect(workerCtx); err != nil {
		log.Printf("Redis unavailable, tasks will execute directly: %v", err)
	} else {
		go queue.StartWorker(workerCtx)
	}

	srv := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, asrClient, ext, queue)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	srv.Stop()
	stopWorker()
	queue.Disconnect()
}

// extractHandler adapts the extractor to the task queue's handler shape.
// The payload mirrors the synchronous extract endpoint's request body.
func extractHandler(ext *extractor.Extractor) task.Handler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Text        string        `json:"text"`
			CurrentData *entry.Result `json:"current_data,omitempty"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		result, err := ext.Extract(ctx, req.Text, req.CurrentData)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

// transcribeHandler runs deferred one-shot recognition over base64 PCM.
func transcribeHandler(client *asr.Client) task.Handler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		pcm, err := base64.StdEncoding.DecodeString(req.Audio)
		if err != nil {
			return nil, err
		}
		text, err := client.TranscribeBytes(ctx, pcm)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"text": text})
	}
}
