package gemini

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"
)

type fakeModels struct {
	model    string
	contents []*genai.Content
	text     string
	err      error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func TestTranscribeSendsAudioPart(t *testing.T) {
	fake := &fakeModels{text: "  What time is it?\n"}
	tr := newTranscriber(fake, "")

	text, err := tr.Transcribe(context.Background(), []byte("RIFF....WAVE"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "What time is it?" {
		t.Fatalf("unexpected text %q", text)
	}
	if fake.model != DefaultModel {
		t.Fatalf("expected default model, got %q", fake.model)
	}
	if len(fake.contents) != 1 || len(fake.contents[0].Parts) != 2 {
		t.Fatalf("unexpected contents: %+v", fake.contents)
	}
	blob := fake.contents[0].Parts[1].InlineData
	if blob == nil || blob.MIMEType != "audio/wav" || string(blob.Data) != "RIFF....WAVE" {
		t.Fatalf("expected inline wav part, got %+v", blob)
	}
}

func TestTranscribeErrorsAndEmptyInput(t *testing.T) {
	fake := &fakeModels{err: errors.New("quota")}
	tr := newTranscriber(fake, "gemini-test")

	if _, err := tr.Transcribe(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error")
	}
	text, err := tr.Transcribe(context.Background(), nil)
	if err != nil || text != "" {
		t.Fatalf("expected empty result for empty input, got %q, %v", text, err)
	}
}

func TestNewTranscriberRequiresConfig(t *testing.T) {
	if _, err := NewTranscriber(context.Background(), Config{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
