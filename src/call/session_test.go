package call

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/strawgo-call/src/audio"
	"github.com/square-key-labs/strawgo-call/src/audio/vad"
	"github.com/square-key-labs/strawgo-call/src/auth"
	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/processors"
	"github.com/square-key-labs/strawgo-call/src/services/agent"
	"github.com/square-key-labs/strawgo-call/src/storage"
	"github.com/square-key-labs/strawgo-call/src/store"
)

type sinkProcessor struct {
	*processors.BaseProcessor
	mu     sync.Mutex
	frames []frames.Frame
}

func newSinkProcessor() *sinkProcessor {
	s := &sinkProcessor{}
	s.BaseProcessor = processors.NewBaseProcessor("TestSink", s)
	return s
}

func (s *sinkProcessor) HandleFrame(_ context.Context, frame frames.Frame, _ frames.FrameDirection) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

func (s *sinkProcessor) snapshot() []frames.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frames.Frame(nil), s.frames...)
}

func (s *sinkProcessor) phases() []string {
	var out []string
	for _, f := range s.snapshot() {
		if p, ok := f.(*frames.PhaseFrame); ok {
			out = append(out, p.Phase)
		}
	}
	return out
}

func (s *sinkProcessor) audioFrames() int {
	n := 0
	for _, f := range s.snapshot() {
		if _, ok := f.(*frames.OutputAudioFrame); ok {
			n++
		}
	}
	return n
}

func (s *sinkProcessor) statuses(kind string) []string {
	var out []string
	for _, f := range s.snapshot() {
		if st, ok := f.(*frames.StatusFrame); ok && st.Kind == kind {
			out = append(out, st.Text)
		}
	}
	return out
}

type fakeAgent struct {
	mu    sync.Mutex
	reqs  []agent.Request
	reply agent.Reply
	err   error
}

func (a *fakeAgent) Send(_ context.Context, req agent.Request) (agent.Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return a.reply, a.err
}

func (a *fakeAgent) requests() []agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Request(nil), a.reqs...)
}

// audioTransport serves every request with the same clip and records URLs.
type audioTransport struct {
	mu   sync.Mutex
	urls []string
	body []byte
}

func (a *audioTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	a.mu.Lock()
	a.urls = append(a.urls, r.URL.String())
	body := a.body
	a.mu.Unlock()
	if body == nil {
		return nil, errors.New("network disabled")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"audio/wav"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    r,
	}, nil
}

func (a *audioTransport) fetched() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.urls...)
}

type countingStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	updates int
}

func (c *countingStore) UpdateCall(ctx context.Context, id string, upd store.CallUpdate) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.MemoryStore.UpdateCall(ctx, id, upd)
}

func (c *countingStore) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

type staticAuth struct{ userID string }

func (a staticAuth) CurrentSession(_ context.Context, token string) (*auth.Session, error) {
	if token != "tok" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Session{UserID: a.userID}, nil
}

func (staticAuth) SignOut(context.Context, string) error { return nil }

func tone(samples int, amplitude int16) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.RingGap = time.Millisecond
	cfg.Playback.NoPacing = true
	cfg.TranscriptGrace = 100 * time.Millisecond
	return cfg
}

func startSession(t *testing.T, cfg Config, deps Deps, start *frames.StartFrame) (*Session, *sinkProcessor) {
	t.Helper()
	s := NewSession(cfg, deps)
	sink := newSinkProcessor()
	s.Link(sink)

	ctx := context.Background()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Stop()
		_ = sink.Stop()
	})

	if start == nil {
		start = frames.NewStartFrame("call-1", 16000)
		start.SpeechRecognition = true
	}
	if err := s.QueueFrame(start, frames.Downstream); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	return s, sink
}

func queue(t *testing.T, s *Session, f frames.Frame) {
	t.Helper()
	if err := s.QueueFrame(f, frames.Downstream); err != nil {
		t.Fatalf("queue %s: %v", f.Name(), err)
	}
}

func speechStarted(preRoll []byte) *vad.SpeechStartedFrame {
	return &vad.SpeechStartedFrame{
		UserStartedSpeakingFrame: frames.NewUserStartedSpeakingFrame(),
		PreRoll:                  preRoll,
	}
}

func TestLifecyclePlaysCuesThenListens(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ring.wav", "greeting.wav"} {
		if err := os.WriteFile(filepath.Join(dir, name), audio.EncodeWAV(tone(640, 4000), 16000), 0o644); err != nil {
			t.Fatalf("write cue: %v", err)
		}
	}

	cfg := quickConfig()
	cfg.AssetDir = dir
	cfg.RingURL = "asset:ring.wav"
	cfg.GreetingURL = "asset:greeting.wav"

	s, sink := startSession(t, cfg, Deps{}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	want := []string{"connecting", "ringing", "greeting", "listening"}
	got := sink.phases()
	if len(got) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, got)
		}
	}
	// two rings and one greeting, two chunks each
	if n := sink.audioFrames(); n != 6 {
		t.Fatalf("expected 6 cue chunks, got %d", n)
	}
}

func TestLifecycleSkipsMissingCues(t *testing.T) {
	cfg := quickConfig()
	cfg.AssetDir = t.TempDir()
	cfg.RingURL = "asset:missing.mp3"
	cfg.GreetingURL = "asset:missing.mp3"

	s, _ := startSession(t, cfg, Deps{}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })
}

func TestEndDuringRingingStopsSequence(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ring.wav"), audio.EncodeWAV(tone(16000*3, 4000), 16000), 0o644); err != nil {
		t.Fatalf("write cue: %v", err)
	}

	cfg := DefaultConfig()
	cfg.AssetDir = dir
	cfg.RingURL = "asset:ring.wav"

	s, sink := startSession(t, cfg, Deps{}, nil)
	waitFor(t, "ring playing", func() bool { return s.Phase() == PhaseRinging && s.Player().Speaking() })

	s.End("user")
	if s.Player().Speaking() {
		t.Fatalf("playback must stop synchronously on end")
	}
	time.Sleep(100 * time.Millisecond)

	phases := sink.phases()
	if last := phases[len(phases)-1]; last != "ended" {
		t.Fatalf("expected ended to be the last phase, got %v", phases)
	}
	for _, p := range phases {
		if p == "greeting" || p == "listening" {
			t.Fatalf("sequence continued after end: %v", phases)
		}
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	s, sink := startSession(t, quickConfig(), Deps{Store: st}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	s.End("user")
	first := s.EndedAt()
	if first.IsZero() {
		t.Fatalf("expected end timestamp")
	}
	s.End("user")
	queue(t, s, frames.NewEndFrame("user"))
	waitFor(t, "end frame forwarded", func() bool {
		for _, f := range sink.snapshot() {
			if _, ok := f.(*frames.EndFrame); ok {
				return true
			}
		}
		return false
	})

	if !s.EndedAt().Equal(first) {
		t.Fatalf("end timestamp changed: %v -> %v", first, s.EndedAt())
	}
	if n := st.updateCount(); n != 1 {
		t.Fatalf("expected one ended_at update, got %d", n)
	}
	rec, err := st.GetCall(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(first.UTC()) {
		t.Fatalf("expected persisted ended_at %v, got %v", first, rec.EndedAt)
	}

	ended := 0
	for _, p := range sink.phases() {
		if p == "ended" {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("expected one ended phase, got %d", ended)
	}
}

func TestRoundTripPlaysAgentAudioOnce(t *testing.T) {
	transport := &audioTransport{body: audio.EncodeWAV(tone(640, 4000), 16000)}
	ag := &fakeAgent{reply: agent.Reply{AudioURL: "https://example/a.mp3", Text: "It's 3 PM."}}
	st := store.NewMemoryStore()

	s, sink := startSession(t, quickConfig(), Deps{
		Store:      st,
		Agent:      ag,
		HTTPClient: &http.Client{Transport: transport},
	}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, frames.NewTranscriptionFrame("What time is it?", true))

	waitFor(t, "both turns", func() bool {
		turns, _ := st.ListTurns(context.Background(), "call-1")
		return len(turns) == 2
	})
	waitFor(t, "back to listening", func() bool {
		phases := sink.phases()
		return len(phases) >= 2 && phases[len(phases)-2] == "speaking" && phases[len(phases)-1] == "listening"
	})

	reqs := ag.requests()
	if len(reqs) != 1 || reqs[0].Text != "What time is it?" || reqs[0].CallID != "call-1" || reqs[0].UserID != nil {
		t.Fatalf("unexpected agent requests: %+v", reqs)
	}

	turns, _ := st.ListTurns(context.Background(), "call-1")
	if turns[0].Role != store.RoleUser || turns[0].InputTranscript == nil || *turns[0].InputTranscript != "What time is it?" {
		t.Fatalf("unexpected user turn: %+v", turns[0])
	}
	a := turns[1]
	if a.Role != store.RoleAssistant || a.AIText == nil || *a.AIText != "It's 3 PM." ||
		a.AudioURL == nil || *a.AudioURL != "https://example/a.mp3" {
		t.Fatalf("unexpected assistant turn: %+v", a)
	}

	if urls := transport.fetched(); len(urls) != 1 || urls[0] != "https://example/a.mp3" {
		t.Fatalf("expected one fetch of the reply url, got %v", urls)
	}
	if sink.audioFrames() == 0 {
		t.Fatalf("expected agent audio to reach the output")
	}
}

func TestBase64ReplyPlaysWithoutNetwork(t *testing.T) {
	transport := &audioTransport{}
	ag := &fakeAgent{reply: agent.Reply{Audio: audio.EncodeWAV(tone(640, 4000), 16000), AudioContentType: "audio/wav"}}
	st := store.NewMemoryStore()

	s, sink := startSession(t, quickConfig(), Deps{
		Store:      st,
		Agent:      ag,
		HTTPClient: &http.Client{Transport: transport},
	}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, frames.NewTranscriptionFrame("play something", true))
	waitFor(t, "agent audio", func() bool { return sink.audioFrames() == 2 })
	waitFor(t, "back to listening", func() bool {
		phases := sink.phases()
		return phases[len(phases)-1] == "listening" && len(phases) > 4
	})

	if urls := transport.fetched(); len(urls) != 0 {
		t.Fatalf("expected no network fetch, got %v", urls)
	}
	waitFor(t, "clip released", func() bool { return s.clips.Len() == 0 })

	waitFor(t, "assistant turn", func() bool {
		turns, _ := st.ListTurns(context.Background(), "call-1")
		return len(turns) == 2
	})
	turns, _ := st.ListTurns(context.Background(), "call-1")
	if turns[1].AudioURL != nil {
		t.Fatalf("local clip urls must not be persisted, got %q", *turns[1].AudioURL)
	}
}

func TestAgentErrorKeepsListening(t *testing.T) {
	ag := &fakeAgent{err: errors.New("dial tcp: connection refused")}
	s, sink := startSession(t, quickConfig(), Deps{Agent: ag}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, frames.NewTranscriptionFrame("hello?", true))
	waitFor(t, "error status", func() bool {
		for _, text := range sink.statuses(frames.StatusError) {
			if text == StatusNetworkError {
				return true
			}
		}
		return false
	})

	if s.Phase() != PhaseListening {
		t.Fatalf("expected to stay listening, got %s", s.Phase())
	}
	for _, p := range sink.phases() {
		if p == "ended" {
			t.Fatalf("agent failure must not end the call")
		}
	}
}

func TestBargeInStopsPlaybackBeforeRecording(t *testing.T) {
	transport := &audioTransport{body: audio.EncodeWAV(tone(16000*3, 4000), 16000)}
	ag := &fakeAgent{reply: agent.Reply{AudioURL: "https://example/long.mp3"}}

	cfg := DefaultConfig()
	s, sink := startSession(t, cfg, Deps{Agent: ag, HTTPClient: &http.Client{Transport: transport}}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, frames.NewTranscriptionFrame("tell me a story", true))
	waitFor(t, "agent speaking", func() bool {
		return s.Phase() == PhaseSpeaking && s.Player().Speaking() && sink.audioFrames() > 0
	})

	queue(t, s, speechStarted(tone(160, 8000)))
	waitFor(t, "segment opened", func() bool { return s.Recorder().OpenID() != "" })

	if s.Player().Speaking() {
		t.Fatalf("playback still speaking after barge-in")
	}
	if s.Phase() != PhaseListening {
		t.Fatalf("expected listening after barge-in, got %s", s.Phase())
	}

	interruptAt, listenAt := -1, -1
	for i, f := range sink.snapshot() {
		switch v := f.(type) {
		case *frames.InterruptionFrame:
			if interruptAt < 0 {
				interruptAt = i
			}
		case *frames.PhaseFrame:
			if v.Phase == "listening" && interruptAt >= 0 && listenAt < 0 {
				listenAt = i
			}
		}
	}
	if interruptAt < 0 || listenAt < 0 || interruptAt > listenAt {
		t.Fatalf("expected interruption before returning to listening (interrupt=%d listen=%d)", interruptAt, listenAt)
	}

	before := sink.audioFrames()
	time.Sleep(150 * time.Millisecond)
	if after := sink.audioFrames(); after > before+1 {
		t.Fatalf("interrupted audio resumed: %d -> %d chunks", before, after)
	}
}

func TestSegmentPlaceholderTurn(t *testing.T) {
	root := t.TempDir()
	blobs := storage.NewFSStore(root)
	if err := blobs.CreateBucket("audio"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	st := store.NewMemoryStore()

	start := frames.NewStartFrame("call-1", 16000)
	s, _ := startSession(t, quickConfig(), Deps{Store: st, Blobs: blobs}, start)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, speechStarted(tone(160, 8000)))
	queue(t, s, frames.NewAudioFrame(tone(1024, 8000), 16000, 1))
	queue(t, s, frames.NewUserStoppedSpeakingFrame())

	waitFor(t, "placeholder turn", func() bool {
		turns, _ := st.ListTurns(context.Background(), "call-1")
		return len(turns) == 1
	})
	turns, _ := st.ListTurns(context.Background(), "call-1")
	turn := turns[0]
	if turn.Role != store.RoleUser || turn.InputTranscript != nil || turn.AudioURL == nil {
		t.Fatalf("unexpected placeholder: %+v", turn)
	}

	data, err := os.ReadFile(filepath.Join(root, "audio", filepath.FromSlash(*turn.AudioURL)))
	if err != nil {
		t.Fatalf("read uploaded segment: %v", err)
	}
	if pcm, _, err := audio.DecodeWAV(data); err != nil || len(pcm) != 160+1024 {
		t.Fatalf("expected pre-roll plus audio in segment, got %d samples, %v", len(pcm), err)
	}
}

func TestClientTranscriptSuppressesPlaceholder(t *testing.T) {
	blobs := &fakeBlobs{}
	st := store.NewMemoryStore()
	s, _ := startSession(t, quickConfig(), Deps{Store: st, Blobs: blobs}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, speechStarted(nil))
	queue(t, s, frames.NewAudioFrame(tone(1024, 8000), 16000, 1))
	queue(t, s, frames.NewTranscriptionFrame("interim", false))
	queue(t, s, frames.NewTranscriptionFrame("good morning", true))
	queue(t, s, frames.NewUserStoppedSpeakingFrame())

	waitFor(t, "upload", func() bool { return blobs.Calls() == 1 })
	time.Sleep(50 * time.Millisecond)

	turns, _ := st.ListTurns(context.Background(), "call-1")
	if len(turns) != 1 || turns[0].InputTranscript == nil || *turns[0].InputTranscript != "good morning" {
		t.Fatalf("expected only the transcript turn, got %+v", turns)
	}
}

func userTurns(st *store.MemoryStore) []store.TurnRecord {
	turns, _ := st.ListTurns(context.Background(), "call-1")
	return turns
}

func TestLateClientTranscriptSuppressesPlaceholder(t *testing.T) {
	blobs := &fakeBlobs{}
	st := store.NewMemoryStore()
	cfg := quickConfig()
	cfg.TranscriptGrace = 500 * time.Millisecond
	s, _ := startSession(t, cfg, Deps{Store: st, Blobs: blobs}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, speechStarted(nil))
	queue(t, s, frames.NewAudioFrame(tone(1024, 8000), 16000, 1))
	queue(t, s, frames.NewUserStoppedSpeakingFrame())
	waitFor(t, "upload", func() bool { return blobs.Calls() == 1 })
	time.Sleep(20 * time.Millisecond)

	queue(t, s, frames.NewTranscriptionFrame("good morning", true))
	waitFor(t, "transcript turn", func() bool { return len(userTurns(st)) == 1 })
	time.Sleep(cfg.TranscriptGrace + 100*time.Millisecond)

	turns := userTurns(st)
	if len(turns) != 1 || turns[0].InputTranscript == nil || *turns[0].InputTranscript != "good morning" {
		t.Fatalf("expected only the transcript turn, got %+v", turns)
	}
}

func TestPlaceholderWrittenAfterTranscriptGrace(t *testing.T) {
	blobs := &fakeBlobs{}
	st := store.NewMemoryStore()
	s, _ := startSession(t, quickConfig(), Deps{Store: st, Blobs: blobs}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, speechStarted(nil))
	queue(t, s, frames.NewAudioFrame(tone(1024, 8000), 16000, 1))
	queue(t, s, frames.NewUserStoppedSpeakingFrame())

	waitFor(t, "placeholder turn", func() bool { return len(userTurns(st)) == 1 })
	turn := userTurns(st)[0]
	if turn.InputTranscript != nil || turn.AudioURL == nil {
		t.Fatalf("expected an audio-only turn, got %+v", turn)
	}
}

func TestNextSpeechEndsTranscriptGrace(t *testing.T) {
	blobs := &fakeBlobs{}
	st := store.NewMemoryStore()
	cfg := quickConfig()
	cfg.TranscriptGrace = time.Minute
	s, _ := startSession(t, cfg, Deps{Store: st, Blobs: blobs}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, speechStarted(nil))
	queue(t, s, frames.NewAudioFrame(tone(1024, 8000), 16000, 1))
	queue(t, s, frames.NewUserStoppedSpeakingFrame())
	waitFor(t, "upload", func() bool { return blobs.Calls() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(userTurns(st)); n != 0 {
		t.Fatalf("placeholder written during grace: %d turns", n)
	}

	queue(t, s, speechStarted(nil))
	waitFor(t, "placeholder turn", func() bool { return len(userTurns(st)) == 1 })
}

func TestUploadsStopAfterMissingBucket(t *testing.T) {
	blobs := &fakeBlobs{err: storage.ErrBucketNotFound}
	s, sink := startSession(t, quickConfig(), Deps{Blobs: blobs}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	speak := func() {
		queue(t, s, speechStarted(nil))
		queue(t, s, frames.NewAudioFrame(tone(512, 8000), 16000, 1))
		queue(t, s, frames.NewUserStoppedSpeakingFrame())
	}
	speak()
	waitFor(t, "uploads disabled", func() bool { return s.Recorder().UploadsDisabled() })
	speak()
	speak()
	time.Sleep(50 * time.Millisecond)

	if blobs.Calls() != 1 {
		t.Fatalf("expected a single upload attempt, got %d", blobs.Calls())
	}
	if s.Phase() != PhaseListening {
		t.Fatalf("conversation must continue, phase %s", s.Phase())
	}
	for _, p := range sink.phases() {
		if p == "ended" {
			t.Fatalf("storage failure must not end the call")
		}
	}
}

func TestIdentityAttachedToRequests(t *testing.T) {
	ag := &fakeAgent{}
	st := store.NewMemoryStore()

	start := frames.NewStartFrame("call-9", 16000)
	start.Token = "tok"
	start.SpeechRecognition = true
	s, _ := startSession(t, quickConfig(), Deps{Store: st, Agent: ag, Auth: staticAuth{userID: "user-7"}}, start)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, frames.NewTranscriptionFrame("hi", true))
	waitFor(t, "agent request", func() bool { return len(ag.requests()) == 1 })

	if uid := ag.requests()[0].UserID; uid == nil || *uid != "user-7" {
		t.Fatalf("expected user-7, got %v", uid)
	}
	rec, err := st.GetCall(context.Background(), "call-9")
	if err != nil || rec.UserID == nil || *rec.UserID != "user-7" {
		t.Fatalf("expected call row with user, got %+v, %v", rec, err)
	}
}

func TestInvalidTokenDegradesToAnonymous(t *testing.T) {
	ag := &fakeAgent{}
	start := frames.NewStartFrame("call-9", 16000)
	start.Token = "expired"
	start.SpeechRecognition = true
	s, _ := startSession(t, quickConfig(), Deps{Agent: ag, Auth: staticAuth{userID: "user-7"}}, start)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, frames.NewTranscriptionFrame("hi", true))
	waitFor(t, "agent request", func() bool { return len(ag.requests()) == 1 })
	if ag.requests()[0].UserID != nil {
		t.Fatalf("expected anonymous request")
	}
}

func TestMissingRecognitionWarns(t *testing.T) {
	start := frames.NewStartFrame("call-1", 16000)
	s, sink := startSession(t, quickConfig(), Deps{}, start)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	warnings := sink.statuses(frames.StatusWarning)
	if len(warnings) != 1 || warnings[0] != StatusNoRecognition {
		t.Fatalf("expected recognition warning, got %v", warnings)
	}
}

func TestReplyDeferredWhileCallerSpeaks(t *testing.T) {
	transport := &audioTransport{body: audio.EncodeWAV(tone(320, 4000), 16000)}
	ag := &fakeAgent{reply: agent.Reply{AudioURL: "https://example/a.mp3"}}
	s, sink := startSession(t, quickConfig(), Deps{Agent: ag, HTTPClient: &http.Client{Transport: transport}}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, speechStarted(nil))
	queue(t, s, frames.NewTranscriptionFrame("first", true))
	waitFor(t, "agent request", func() bool { return len(ag.requests()) == 1 })
	time.Sleep(50 * time.Millisecond)

	if len(transport.fetched()) != 0 || s.Phase() != PhaseListening {
		t.Fatalf("reply must wait until the caller stops speaking")
	}

	queue(t, s, frames.NewUserStoppedSpeakingFrame())
	waitFor(t, "reply played", func() bool { return sink.audioFrames() > 0 })
}

func TestMicrophoneDeniedStillEnds(t *testing.T) {
	s, sink := startSession(t, quickConfig(), Deps{}, nil)
	waitFor(t, "listening", func() bool { return s.Phase() == PhaseListening })

	queue(t, s, frames.NewMicrophoneFrame(false, "NotAllowedError"))
	waitFor(t, "microphone status", func() bool { return len(sink.statuses(frames.StatusError)) == 1 })
	if got := sink.statuses(frames.StatusError)[0]; got != StatusNoMicrophone {
		t.Fatalf("unexpected status %q", got)
	}

	queue(t, s, frames.NewEndFrame("hangup"))
	waitFor(t, "ended", func() bool { return s.Phase() == PhaseEnded })
}
