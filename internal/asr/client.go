// Package asr implements the duplex client for the iFlytek IAT streaming
// recognition service. A Client holds credentials and dials authenticated
// websocket streams; a Stream carries audio frames up and recognition
// results down for the lifetime of one recording.
package asr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wildlark/voice-entry/internal/transcript"
)

// ErrNotConfigured is returned on first use when the provider credentials
// are missing. Construction never fails so the process can start without
// them and report the condition per request instead.
var ErrNotConfigured = errors.New("asr: provider credentials not configured")

const (
	defaultEndpoint = "wss://iat-api.xfyun.cn/v2/iat"
	defaultLanguage = "zh_cn"
	defaultVadEOS   = 10000 // ms of trailing silence before the provider finalizes

	// Recommended upload cadence: 1280 bytes of 16kHz/16bit mono PCM
	// every 40ms (~25 frames/sec).
	chunkSize     = 1280
	frameInterval = 40 * time.Millisecond
)

// Config carries the provider connection parameters.
type Config struct {
	AppID     string
	APIKey    string
	APISecret string
	Endpoint  string
	Language  string
	VadEOS    int
	// SampleRate of the PCM audio the client will upload. Only 16000 is
	// supported by the dictation endpoint.
	SampleRate int
}

// Client dials authenticated recognition streams.
type Client struct {
	appID      string
	apiKey     string
	apiSecret  string
	endpoint   string
	language   string
	vadEOS     int
	sampleRate int

	dialer *websocket.Dialer
	now    func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.VadEOS <= 0 {
		cfg.VadEOS = defaultVadEOS
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	c := &Client{
		appID:      cfg.AppID,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		endpoint:   cfg.Endpoint,
		language:   cfg.Language,
		vadEOS:     cfg.VadEOS,
		sampleRate: cfg.SampleRate,
		dialer:     websocket.DefaultDialer,
		now:        time.Now,
	}

	if c.Available() {
		log.Printf("ASR client configured (app_id %s***)", truncate(cfg.AppID, 4))
	} else {
		log.Printf("ASR client missing credentials, recognition unavailable")
	}
	return c
}

// Available reports whether all three credentials are present.
func (c *Client) Available() bool {
	return c.appID != "" && c.apiKey != "" && c.apiSecret != ""
}

// Dial opens an authenticated stream and sends the first frame carrying the
// recognition parameters. The caller owns the returned stream.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	if !c.Available() {
		return nil, ErrNotConfigured
	}

	dialURL, err := c.authURL(c.now())
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ASR provider: %w", err)
	}

	st := &Stream{
		conn:   conn,
		format: fmt.Sprintf("audio/L16;rate=%d", c.sampleRate),
	}
	if err := st.sendFrame(c.firstFrame(st.format)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send first frame: %w", err)
	}
	return st, nil
}

// TranscribeBytes runs one-shot recognition over a complete PCM buffer
// (16kHz, 16bit, mono) and returns the reconciled final text.
func (c *Client) TranscribeBytes(ctx context.Context, pcm []byte) (string, error) {
	st, err := c.Dial(ctx)
	if err != nil {
		return "", err
	}
	defer st.Close()

	for i := 0; i < len(pcm); i += chunkSize {
		end := i + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := st.SendAudio(base64.StdEncoding.EncodeToString(pcm[i:end])); err != nil {
			return "", fmt.Errorf("failed to send audio: %w", err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(frameInterval):
		}
	}
	if err := st.SendLast(); err != nil {
		return "", fmt.Errorf("failed to send last frame: %w", err)
	}

	rec := transcript.NewReconciler()
	for {
		res, err := st.Recv(10 * time.Second)
		if err != nil {
			return "", err
		}
		if res.Text != "" || res.Replacement {
			if err := rec.Apply(res.Update()); err != nil {
				log.Printf("Dropping malformed recognition result: %v", err)
			}
		}
		if res.Final {
			return rec.CurrentText(), nil
		}
	}
}

// authURL signs the dial URL the way the provider requires: HMAC-SHA256 over
// "host: <host>\ndate: <RFC1123 date>\nGET <path> HTTP/1.1" with the API
// secret, wrapped in a base64 authorization query parameter.
func (c *Client) authURL(at time.Time) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid ASR endpoint %q: %w", c.endpoint, err)
	}

	date := at.UTC().Format(http.TimeFormat)
	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", u.Host, date, u.Path)

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authorization := fmt.Sprintf(
		`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		c.apiKey, signature,
	)

	q := url.Values{}
	q.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	q.Set("date", date)
	q.Set("host", u.Host)
	return c.endpoint + "?" + q.Encode(), nil
}

func (c *Client) firstFrame(format string) frame {
	return frame{
		Common: &commonParams{AppID: c.appID},
		Business: &businessParams{
			Language:    c.language,
			Domain:      "iat",
			Accent:      "mandarin",
			VadEOS:      c.vadEOS,
			DynamicCorr: "wpgs",
			Punctuation: 1,
			NumberNorm:  1,
		},
		Data: frameData{
			Status:   statusFirstFrame,
			Format:   format,
			Encoding: "raw",
			Audio:    "",
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
