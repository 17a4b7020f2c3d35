package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendPostsTranscriptAndParsesURLReply(t *testing.T) {
	var got map[string]any
	var gotContentType, gotSecret string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotContentType = r.Header.Get("Content-Type")
		gotSecret = r.Header.Get("X-Webhook-Secret")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"audio_url":"https://example/a.mp3","ai_text":"It's 3 PM."}`))
	}))
	defer server.Close()

	c := New(server.URL, WithHeader("X-Webhook-Secret", "s3cret"))
	reply, err := c.Send(context.Background(), Request{CallID: "call-1", Text: "What time is it?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if gotContentType != "application/json" {
		t.Fatalf("unexpected content-type: %s", gotContentType)
	}
	if gotSecret != "s3cret" {
		t.Fatalf("expected static header, got %q", gotSecret)
	}
	if got["call_id"] != "call-1" || got["text"] != "What time is it?" {
		t.Fatalf("unexpected body: %v", got)
	}
	if v, ok := got["user_id"]; !ok || v != nil {
		t.Fatalf("expected explicit null user_id, got %v (present=%t)", v, ok)
	}

	if reply.AudioURL != "https://example/a.mp3" || reply.Text != "It's 3 PM." {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if len(reply.Audio) != 0 || !reply.HasAudio() {
		t.Fatalf("expected URL-only reply: %+v", reply)
	}
}

func TestSendUserID(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	uid := "user-7"
	reply, err := New(server.URL).Send(context.Background(), Request{CallID: "c", UserID: &uid, Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.UserID == nil || *got.UserID != "user-7" {
		t.Fatalf("expected user id, got %v", got.UserID)
	}
	if reply.HasAudio() {
		t.Fatalf("expected no audio, got %+v", reply)
	}
}

func TestSendBinaryReply(t *testing.T) {
	audio := []byte("ID3\x04\x00fake-mp3-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	defer server.Close()

	reply, err := New(server.URL).Send(context.Background(), Request{CallID: "c", Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(reply.Audio) != string(audio) || reply.AudioContentType != "audio/mpeg" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.AudioURL != "" {
		t.Fatalf("binary reply must not carry a URL")
	}
}

func TestSendNon2xxReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("workflow failed"))
	}))
	defer server.Close()

	_, err := New(server.URL).Send(context.Background(), Request{CallID: "c", Text: "hi"})
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "workflow failed") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := New(server.URL, WithTimeout(50*time.Millisecond))
	start := time.Now()
	if _, err := c.Send(context.Background(), Request{CallID: "c", Text: "hi"}); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honoured")
	}
}

func TestParseReplyBase64(t *testing.T) {
	raw := []byte{0xff, 0xfb, 0x90, 0x64, 0x00}
	b64 := base64.StdEncoding.EncodeToString(raw)

	reply, err := ParseReply("application/json", []byte(`{"audio_base64":"`+b64+`","text":"hello"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(reply.Audio) != string(raw) || reply.AudioContentType != DefaultAudioContentType {
		t.Fatalf("unexpected audio: %+v", reply)
	}
	if reply.Text != "hello" {
		t.Fatalf("expected text fallback, got %q", reply.Text)
	}

	reply, err = ParseReply("application/json", []byte(`{"audio_base64":"data:audio/wav;base64,`+b64+`"}`))
	if err != nil {
		t.Fatalf("parse data uri: %v", err)
	}
	if reply.AudioContentType != "audio/wav" || string(reply.Audio) != string(raw) {
		t.Fatalf("unexpected data uri reply: %+v", reply)
	}
}

func TestParseReplyPrefersURLAndAIText(t *testing.T) {
	reply, err := ParseReply("application/json", []byte(`{"audio_url":"https://x/a.mp3","audio_base64":"AAAA","ai_text":"a","text":"b"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reply.AudioURL != "https://x/a.mp3" || len(reply.Audio) != 0 || reply.Text != "a" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestParseReplyErrors(t *testing.T) {
	if _, err := ParseReply("application/json", []byte(`{not json`)); err == nil {
		t.Fatalf("expected json error")
	}
	if _, err := ParseReply("application/json", []byte(`{"audio_base64":"!!!"}`)); err == nil {
		t.Fatalf("expected base64 error")
	}
	reply, err := ParseReply("", []byte(`{"ai_text":"sniffed"}`))
	if err != nil || reply.Text != "sniffed" {
		t.Fatalf("expected sniffed json, got %+v, %v", reply, err)
	}
	reply, err = ParseReply("text/plain", nil)
	if err != nil || reply.HasAudio() {
		t.Fatalf("expected empty reply, got %+v, %v", reply, err)
	}
}
