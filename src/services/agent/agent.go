// Package agent talks to the conversational-agent webhook.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/square-key-labs/strawgo-call/src/logger"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBodyBytes  = 1 << 20
	maxReplyBytes      = 32 << 20

	// DefaultAudioContentType is assumed for inline base64 audio.
	DefaultAudioContentType = "audio/mpeg"
)

// ErrStatus wraps non-2xx webhook responses.
var ErrStatus = errors.New("agent webhook status")

// Request is the webhook body.
type Request struct {
	CallID string  `json:"call_id"`
	UserID *string `json:"user_id"`
	Text   string  `json:"text"`
}

// Reply is the interpreted webhook response. At most one of AudioURL and
// Audio is set.
type Reply struct {
	Text             string
	AudioURL         string
	Audio            []byte
	AudioContentType string
}

// HasAudio reports whether the reply carries something playable.
func (r Reply) HasAudio() bool {
	return r.AudioURL != "" || len(r.Audio) > 0
}

type jsonReply struct {
	AudioURL    string `json:"audio_url"`
	AudioBase64 string `json:"audio_base64"`
	AIText      string `json:"ai_text"`
	Text        string `json:"text"`
}

type Option func(*Client)

// Client posts transcripts to the agent webhook.
type Client struct {
	URL        string
	httpClient *http.Client
	headers    http.Header
	log        *logger.Logger
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		URL:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		headers:    http.Header{},
		log:        logger.WithPrefix("Agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHeader adds a static header, e.g. a shared secret for the webhook.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if key != "" && value != "" {
			c.headers.Set(key, value)
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Send posts the transcript and interprets the reply.
func (c *Client) Send(ctx context.Context, in Request) (Reply, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Reply{}, fmt.Errorf("%w %d: %q", ErrStatus, resp.StatusCode, string(errorBody))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes+1))
	if err != nil {
		return Reply{}, fmt.Errorf("read webhook reply: %w", err)
	}
	if len(payload) > maxReplyBytes {
		return Reply{}, fmt.Errorf("webhook reply exceeds %d bytes", maxReplyBytes)
	}

	reply, err := ParseReply(resp.Header.Get("Content-Type"), payload)
	if err != nil {
		return Reply{}, err
	}
	c.log.Debug("Reply for call %s: text=%d chars url=%t inline=%d bytes",
		in.CallID, len(reply.Text), reply.AudioURL != "", len(reply.Audio))
	return reply, nil
}

// ParseReply interprets a webhook body by content type. JSON bodies carry
// audio_url or audio_base64 plus ai_text or text; anything else is audio.
func ParseReply(contentType string, body []byte) (Reply, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	isJSON := mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
	if mediaType == "" && looksLikeJSONObject(body) {
		isJSON = true
	}

	if !isJSON {
		if len(body) == 0 {
			return Reply{}, nil
		}
		ct := mediaType
		if ct == "" || ct == "application/octet-stream" {
			ct = http.DetectContentType(body)
			if !strings.HasPrefix(ct, "audio/") {
				ct = DefaultAudioContentType
			}
		}
		return Reply{Audio: body, AudioContentType: ct}, nil
	}

	var data jsonReply
	if err := json.Unmarshal(body, &data); err != nil {
		return Reply{}, fmt.Errorf("decode webhook json: %w", err)
	}

	reply := Reply{Text: strings.TrimSpace(data.AIText)}
	if reply.Text == "" {
		reply.Text = strings.TrimSpace(data.Text)
	}

	switch {
	case strings.TrimSpace(data.AudioURL) != "":
		reply.AudioURL = strings.TrimSpace(data.AudioURL)
	case strings.TrimSpace(data.AudioBase64) != "":
		audio, ct, err := decodeBase64Audio(data.AudioBase64)
		if err != nil {
			return Reply{}, err
		}
		reply.Audio = audio
		reply.AudioContentType = ct
	}
	return reply, nil
}

// decodeBase64Audio accepts bare base64 (standard or URL alphabet, padded or
// not) and data: URIs.
func decodeBase64Audio(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	ct := DefaultAudioContentType
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("malformed data uri")
		}
		meta := strings.TrimSuffix(s[len("data:"):comma], ";base64")
		if meta != "" {
			ct = meta
		}
		s = s[comma+1:]
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil && len(out) > 0 {
			return out, ct, nil
		}
	}
	return nil, "", fmt.Errorf("decode audio_base64: invalid base64")
}

func looksLikeJSONObject(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 1 && trimmed[0] == '{' && json.Valid(trimmed)
}
