package serializers

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-call/src/audio"
	"github.com/square-key-labs/strawgo-call/src/frames"
)

var (
	// ErrNoHello is returned for messages that arrive before the hello.
	ErrNoHello = errors.New("hello required before other messages")
	// ErrDuplicateHello is returned for a second hello on one connection.
	ErrDuplicateHello = errors.New("duplicate hello")
)

// Hello is the first message of a call.
type Hello struct {
	CallID            string `json:"call_id,omitempty"`
	Token             string `json:"token,omitempty"`
	SampleRate        int    `json:"sample_rate,omitempty"`
	Codec             string `json:"codec,omitempty"`
	SpeechRecognition bool   `json:"speech_recognition,omitempty"`
}

// browserMessage is the union of all JSON control messages.
type browserMessage struct {
	Type string `json:"type"`

	Hello

	Text       string   `json:"text,omitempty"`
	Final      *bool    `json:"final,omitempty"`
	Enabled    *bool    `json:"enabled,omitempty"`
	Muted      *bool    `json:"muted,omitempty"`
	Microphone *bool    `json:"microphone,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Status     string   `json:"status,omitempty"`
	ElapsedMS  *int64   `json:"elapsed_ms,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	Source     string   `json:"source,omitempty"`
	Value      *float64 `json:"value,omitempty"`
	Role       string   `json:"role,omitempty"`
	AudioURL   string   `json:"audio_url,omitempty"`
	Generation uint64   `json:"generation,omitempty"`
}

// BrowserSerializer speaks the browser call protocol: binary messages are
// microphone audio in the codec announced by hello, text messages are JSON
// control. Outbound agent audio is binary PCM16 mono at the session rate.
//
// One serializer serves one connection.
type BrowserSerializer struct {
	defaultRate int

	mu     sync.Mutex
	hello  *Hello
	codec  audio.Codec
	callID string
}

// NewBrowserSerializer creates a serializer. defaultRate is assumed for
// microphone audio when the hello omits sample_rate.
func NewBrowserSerializer(defaultRate int) *BrowserSerializer {
	if defaultRate <= 0 {
		defaultRate = 16000
	}
	return &BrowserSerializer{defaultRate: defaultRate, codec: audio.CodecLinear16}
}

func (s *BrowserSerializer) Type() SerializerType {
	return SerializerTypeBinary
}

// Setup records the call id the pipeline settled on.
func (s *BrowserSerializer) Setup(frame frames.Frame) error {
	start, ok := frame.(*frames.StartFrame)
	if !ok {
		return fmt.Errorf("setup expects a StartFrame, got %s", frame.Name())
	}
	s.mu.Lock()
	s.callID = start.CallID
	s.mu.Unlock()
	return nil
}

func (s *BrowserSerializer) currentCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *BrowserSerializer) Cleanup() error {
	return nil
}

// Hello returns the hello once received.
func (s *BrowserSerializer) Hello() (Hello, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hello == nil {
		return Hello{}, false
	}
	return *s.hello, true
}

// Codec is the announced microphone codec.
func (s *BrowserSerializer) Codec() audio.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

func (s *BrowserSerializer) Serialize(frame frames.Frame) (interface{}, error) {
	var msg browserMessage
	switch f := frame.(type) {
	case *frames.OutputAudioFrame:
		return f.Data, nil

	case *frames.StartFrame:
		msg = browserMessage{Type: "ready", Hello: Hello{CallID: f.CallID, SampleRate: f.SampleRate}}

	case *frames.PhaseFrame:
		elapsed := f.ElapsedMS
		msg = browserMessage{Type: "phase", Phase: f.Phase, Status: f.Status, ElapsedMS: &elapsed}

	case *frames.StatusFrame:
		msg = browserMessage{Type: "status", Kind: f.Kind, Text: f.Text}

	case *frames.LevelFrame:
		value := f.Value
		msg = browserMessage{Type: "level", Source: f.Source, Value: &value}

	case *frames.TurnFrame:
		msg = browserMessage{Type: "turn", Role: f.Role, Text: f.Text, AudioURL: f.AudioURL}

	case *frames.InterruptionFrame:
		msg = browserMessage{Type: "clear", Generation: f.Generation}

	case *frames.EndFrame:
		msg = browserMessage{Type: "ended", Hello: Hello{CallID: s.currentCallID()}, Reason: f.Reason}

	case *frames.CancelFrame:
		msg = browserMessage{Type: "ended", Hello: Hello{CallID: s.currentCallID()}, Reason: f.Reason}

	default:
		return nil, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	return string(data), nil
}

func (s *BrowserSerializer) Deserialize(data interface{}) (frames.Frame, error) {
	switch v := data.(type) {
	case []byte:
		return s.deserializeAudio(v)
	case string:
		return s.deserializeControl([]byte(v))
	default:
		return nil, fmt.Errorf("expected string or []byte, got %T", data)
	}
}

func (s *BrowserSerializer) deserializeAudio(data []byte) (frames.Frame, error) {
	s.mu.Lock()
	hello := s.hello
	s.mu.Unlock()
	if hello == nil {
		return nil, ErrNoHello
	}
	if len(data) == 0 {
		return nil, nil
	}
	return frames.NewAudioFrame(data, hello.SampleRate, 1), nil
}

func (s *BrowserSerializer) deserializeControl(data []byte) (frames.Frame, error) {
	var msg browserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}

	if msg.Type == "hello" {
		start, err := s.Accept(msg.Hello)
		if err != nil {
			return nil, err
		}
		return start, nil
	}
	if _, ok := s.Hello(); !ok {
		return nil, ErrNoHello
	}

	switch msg.Type {
	case "transcript":
		final := msg.Final == nil || *msg.Final
		return frames.NewTranscriptionFrame(msg.Text, final), nil
	case "speaker":
		return frames.NewSpeakerFrame(msg.Enabled == nil || *msg.Enabled), nil
	case "mute":
		return frames.NewMuteFrame(msg.Muted != nil && *msg.Muted), nil
	case "capability":
		return frames.NewMicrophoneFrame(msg.Microphone == nil || *msg.Microphone, msg.Reason), nil
	case "end":
		return frames.NewEndFrame(msg.Reason), nil
	case "ping", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// Accept registers h as the connection's hello and returns the StartFrame
// it announces. Transports that carry the hello out of band call it
// directly.
func (s *BrowserSerializer) Accept(h Hello) (*frames.StartFrame, error) {
	codec, err := audio.ParseCodec(h.Codec)
	if err != nil {
		return nil, err
	}
	if h.SampleRate <= 0 {
		h.SampleRate = s.defaultRate
	}
	h.Codec = string(codec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hello != nil {
		return nil, ErrDuplicateHello
	}
	s.hello = &h
	s.codec = codec

	start := frames.NewStartFrame(h.CallID, h.SampleRate)
	start.Token = h.Token
	start.SpeechRecognition = h.SpeechRecognition
	return start, nil
}
