package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-call/src/audio"
)

type fakeListen struct {
	mu       sync.Mutex
	auth     string
	query    map[string]string
	received int
	closed   bool
	results  []string
}

func (f *fakeListen) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.query = map[string]string{}
		for k := range r.URL.Query() {
			f.query[k] = r.URL.Query().Get(k)
		}
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				f.mu.Lock()
				f.received += len(data)
				f.mu.Unlock()
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				f.mu.Lock()
				f.closed = true
				f.mu.Unlock()
				break
			}
		}

		for _, msg := range f.results {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/listen"
}

func TestTranscribeCollectsFinalResults(t *testing.T) {
	fake := &fakeListen{results: []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"what"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"What time"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"is it?"}]}}`,
		`{"type":"Metadata"}`,
	}}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	tr, err := NewTranscriber(Config{APIKey: "key", URL: wsURL(ts)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	wav := audio.EncodeWAV(make([]byte, 8000), 16000)
	text, err := tr.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "What time is it?" {
		t.Fatalf("unexpected transcript %q", text)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.auth != "Token key" {
		t.Fatalf("unexpected auth header %q", fake.auth)
	}
	if fake.query["encoding"] != "linear16" || fake.query["sample_rate"] != "16000" || fake.query["model"] != DefaultModel {
		t.Fatalf("unexpected query %v", fake.query)
	}
	if fake.received != 8000 || !fake.closed {
		t.Fatalf("expected all audio then CloseStream, got %d bytes closed=%t", fake.received, fake.closed)
	}
}

func TestTranscribeSilence(t *testing.T) {
	fake := &fakeListen{results: []string{
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
	}}
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	tr, _ := NewTranscriber(Config{APIKey: "key", URL: wsURL(ts)})
	text, err := tr.Transcribe(context.Background(), audio.EncodeWAV(make([]byte, 640), 16000))
	if err != nil || text != "" {
		t.Fatalf("expected empty transcript, got %q %v", text, err)
	}
}

func TestTranscribeRejectsNonWAV(t *testing.T) {
	tr, _ := NewTranscriber(Config{APIKey: "key", URL: "ws://127.0.0.1:1/v1/listen"})
	if _, err := tr.Transcribe(context.Background(), []byte("not audio")); !errors.Is(err, audio.ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}

func TestNewTranscriberRequiresKey(t *testing.T) {
	if _, err := NewTranscriber(Config{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
