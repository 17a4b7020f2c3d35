// Package deepgram transcribes sealed speech segments with Deepgram's
// streaming listen API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-call/src/audio"
	"github.com/square-key-labs/strawgo-call/src/logger"
)

const (
	DefaultModel    = "nova-2"
	DefaultLanguage = "en"
	DefaultURL      = "wss://api.deepgram.com/v1/listen"

	// chunkBytes is the size of each audio write, 100ms at 16kHz.
	chunkBytes = 3200
)

var ErrNotConfigured = errors.New("deepgram transcriber not configured")

// Config holds configuration for Deepgram
type Config struct {
	APIKey   string
	Model    string // e.g., "nova-2"
	Language string // e.g., "en-US"

	// URL overrides the listen endpoint.
	URL string
}

// Enabled reports whether an API key is set.
func (c Config) Enabled() bool {
	return c.APIKey != ""
}

// Transcriber streams one WAV segment per connection and collects the final
// transcripts Deepgram returns for it.
type Transcriber struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *logger.Logger
}

// listenResponse is the subset of a Deepgram Results message we read.
type listenResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func NewTranscriber(cfg Config) (*Transcriber, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	return &Transcriber{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    logger.WithPrefix("DeepgramSTT"),
	}, nil
}

func (t *Transcriber) listenURL(sampleRate int) (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram url: %w", err)
	}
	params := u.Query()
	params.Set("language", t.cfg.Language)
	params.Set("model", t.cfg.Model)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("channels", "1")
	params.Set("punctuate", "true")
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// Transcribe returns the recognised text of wav, or "" if nobody spoke.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	samples, info, err := audio.DecodeWAV(wav)
	if err != nil {
		return "", fmt.Errorf("decode segment: %w", err)
	}
	if info.Channels == 2 {
		samples = audio.StereoToMono(samples)
	}
	pcm := audio.PCMToBytes(samples)

	wsURL, err := t.listenURL(info.SampleRate)
	if err != nil {
		return "", err
	}
	header := http.Header{"Authorization": {"Token " + t.cfg.APIKey}}

	conn, _, err := t.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return "", fmt.Errorf("failed to connect to Deepgram: %w", err)
	}
	defer conn.Close()

	// Unblock reads and writes once the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- t.send(conn, pcm)
	}()

	text, readErr := t.receive(conn)
	if readErr != nil {
		conn.Close()
	}
	if err := <-sendErr; err != nil && ctx.Err() == nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if readErr != nil {
		return "", readErr
	}
	t.log.Debug("Transcribed %d bytes: %q", len(pcm), text)
	return text, nil
}

// send writes the segment in chunks, then asks Deepgram to flush and close.
func (t *Transcriber) send(conn *websocket.Conn, pcm []byte) error {
	for len(pcm) > 0 {
		n := chunkBytes
		if n > len(pcm) {
			n = len(pcm)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[:n]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		pcm = pcm[n:]
	}
	if err := conn.WriteJSON(map[string]string{"type": "CloseStream"}); err != nil {
		return fmt.Errorf("send close stream: %w", err)
	}
	return nil
}

// receive collects final transcripts until the server closes the stream.
func (t *Transcriber) receive(conn *websocket.Conn) (string, error) {
	var parts []string
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return strings.Join(parts, " "), nil
			}
			return "", fmt.Errorf("read transcript: %w", err)
		}

		var response listenResponse
		if err := json.Unmarshal(message, &response); err != nil {
			t.log.Debug("Error parsing response: %v", err)
			continue
		}
		if !response.IsFinal || len(response.Channel.Alternatives) == 0 {
			continue
		}
		if transcript := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); transcript != "" {
			parts = append(parts, transcript)
		}
	}
}
