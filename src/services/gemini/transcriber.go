// Package gemini transcribes sealed speech segments with Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"google.golang.org/genai"

	"github.com/square-key-labs/strawgo-call/src/logger"
)

const (
	DefaultModel = "gemini-2.0-flash"

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	transcribePrompt = "Transcribe the speech in this audio verbatim. " +
		"Reply with the transcript only. Reply with an empty message if nobody speaks."
)

var ErrNotConfigured = errors.New("gemini transcriber not configured")

// Config selects the Gemini API (APIKey) or Vertex AI (Project, Location).
type Config struct {
	APIKey   string
	Model    string
	Project  string
	Location string
}

// Enabled reports whether enough is configured to build a client.
func (c Config) Enabled() bool {
	return c.APIKey != "" || c.Project != ""
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Transcriber turns WAV segments into text.
type Transcriber struct {
	models contentGenerator
	model  string
	log    *logger.Logger
}

func NewTranscriber(ctx context.Context, cfg Config) (*Transcriber, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}

	cc := &genai.ClientConfig{}
	if cfg.APIKey != "" {
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	} else {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{cloudPlatformScope},
		})
		if err != nil {
			return nil, fmt.Errorf("detect google credentials: %w", err)
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Credentials = creds
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newTranscriber(client.Models, cfg.Model), nil
}

func newTranscriber(models contentGenerator, model string) *Transcriber {
	if model == "" {
		model = DefaultModel
	}
	return &Transcriber{
		models: models,
		model:  model,
		log:    logger.WithPrefix("Gemini"),
	}
}

// Transcribe returns the recognised text of a WAV clip, or "" for silence.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", nil
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcribePrompt),
			genai.NewPartFromBytes(wav, "audio/wav"),
		}, genai.RoleUser),
	}
	resp, err := t.models.GenerateContent(ctx, t.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return "", fmt.Errorf("gemini transcribe: %w", err)
	}
	if resp == nil {
		return "", nil
	}

	text := strings.TrimSpace(resp.Text())
	t.log.Debug("Transcribed %d bytes into %d chars", len(wav), len(text))
	return text, nil
}
