// Package call implements one browser voice call: lifecycle, segment
// recording, the transcript round trip to the agent and barge-in.
package call

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/strawgo-call/src/audio/vad"
	"github.com/square-key-labs/strawgo-call/src/auth"
	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/metrics"
	"github.com/square-key-labs/strawgo-call/src/outbox"
	"github.com/square-key-labs/strawgo-call/src/playback"
	"github.com/square-key-labs/strawgo-call/src/processors"
	"github.com/square-key-labs/strawgo-call/src/services/agent"
	"github.com/square-key-labs/strawgo-call/src/storage"
	"github.com/square-key-labs/strawgo-call/src/store"
)

// Agent is the conversational-agent collaborator.
type Agent interface {
	Send(ctx context.Context, req agent.Request) (agent.Reply, error)
}

// Transcriber recognises the speech in a WAV segment.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Config tunes one call.
type Config struct {
	SampleRate int
	Bucket     string

	// Cue URLs, usually asset: URLs. Empty skips the cue.
	RingURL     string
	GreetingURL string
	RingCount   int
	RingGap     time.Duration

	AssetDir        string
	AgentTimeout    time.Duration
	EndDrainTimeout time.Duration

	// TranscriptGrace is how long a sealed segment waits for a late client
	// transcript before its audio-only turn is written. The next speech
	// start ends the wait early.
	TranscriptGrace time.Duration

	Playback playback.Config
}

func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		Bucket:          DefaultBucket,
		RingCount:       2,
		RingGap:         80 * time.Millisecond,
		AgentTimeout:    30 * time.Second,
		EndDrainTimeout: 5 * time.Second,
		TranscriptGrace: 1500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Bucket == "" {
		c.Bucket = d.Bucket
	}
	if c.RingCount < 0 {
		c.RingCount = 0
	}
	if c.RingGap < 0 {
		c.RingGap = 0
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = d.AgentTimeout
	}
	if c.EndDrainTimeout <= 0 {
		c.EndDrainTimeout = d.EndDrainTimeout
	}
	if c.TranscriptGrace <= 0 {
		c.TranscriptGrace = d.TranscriptGrace
	}
	if c.Playback.SampleRate <= 0 {
		c.Playback.SampleRate = c.SampleRate
	}
	return c
}

// Deps are the collaborators of a call. Every field is optional.
type Deps struct {
	Store       store.CallStore
	Blobs       storage.BlobStore
	Agent       Agent
	Auth        auth.Provider
	Transcriber Transcriber
	Metrics     *metrics.Metrics

	// HTTPClient fetches remote agent audio.
	HTTPClient *http.Client
}

// segmentState tracks what is known about a segment, from speech start
// until its placeholder decision is made.
type segmentState struct {
	uploadDone   bool
	upload       UploadResult
	transcribing bool
	hasText      bool

	// awaitingText holds the decision while a client transcript may still
	// arrive after speech end.
	awaitingText bool
}

// Session is the call processor. It sits between the VAD and the transport
// output and owns the call's phase.
type Session struct {
	*processors.BaseProcessor

	cfg  Config
	deps Deps

	clips  *playback.ClipStore
	player *playback.Player
	outbox *outbox.Outbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	endOnce sync.Once

	mu        sync.Mutex
	phase     Phase
	id        string
	startedAt time.Time
	endedAt   time.Time
	userID    string
	clientSTT bool
	started   bool

	recorder *Recorder
	journal  *Journal

	// Owned by the processor goroutine.
	playSeq      uint64
	pendingReply string
	lastSegment  string
	segments     map[string]*segmentState
}

func NewSession(cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		cfg:      cfg,
		deps:     deps,
		clips:    playback.NewClipStore(),
		ctx:      ctx,
		cancel:   cancel,
		phase:    PhaseIdle,
		segments: make(map[string]*segmentState),
	}
	s.BaseProcessor = processors.NewBaseProcessor("CallSession", s)

	resolver := playback.NewResolver(s.clips, cfg.AssetDir)
	if deps.HTTPClient != nil {
		resolver.HTTP = deps.HTTPClient
	}
	s.player = playback.NewPlayer(resolver, s.emit, cfg.Playback)
	s.outbox = outbox.New(outbox.WithLogger(s.Logger().WithPrefix("Outbox")))
	return s
}

// ID is the call identifier, known once the call has started.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// EndedAt is zero until the call has ended.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Player exposes the playback manager.
func (s *Session) Player() *playback.Player {
	return s.player
}

// Recorder is nil until the call has started.
func (s *Session) Recorder() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder
}

func (s *Session) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Upstream {
		return s.PushFrame(frame, direction)
	}

	switch f := frame.(type) {
	case *frames.StartFrame:
		s.start(f)
		return s.PushFrame(f, direction)

	case *frames.EndFrame:
		s.flushSegments()
		s.End(endReason(f.Reason, "hangup"))
		return s.PushFrame(f, direction)

	case *frames.CancelFrame:
		s.flushSegments()
		s.End(endReason(f.Reason, "cancelled"))
		return s.PushFrame(f, direction)
	}

	if s.Phase().Terminal() {
		if frames.CategoryOf(frame) == frames.SystemCategory {
			return s.PushFrame(frame, direction)
		}
		return nil
	}

	switch f := frame.(type) {
	case *frames.AudioFrame:
		if r := s.Recorder(); r != nil {
			r.Append(f.Data)
		}
		return nil

	case *vad.SpeechStartedFrame:
		s.onSpeechStart(f.PreRoll)
		return nil

	case *frames.UserStartedSpeakingFrame:
		s.onSpeechStart(nil)
		return nil

	case *frames.UserStoppedSpeakingFrame:
		s.onSpeechEnd()
		return nil

	case *frames.TranscriptionFrame:
		if f.Final {
			s.onTranscript(f.Text, f.SegmentID)
		}
		return nil

	case *frames.SpeakerFrame:
		s.player.SetSpeakerEnabled(f.Enabled)
		s.Logger().Debug("Speaker enabled=%t", f.Enabled)
		return nil

	case *frames.MuteFrame:
		return nil

	case *frames.MicrophoneFrame:
		if !f.Available {
			s.Logger().Warn("Microphone unavailable: %s", f.Reason)
			s.emitStatus(frames.StatusError, StatusNoMicrophone)
		}
		return nil

	case *agentReplyFrame:
		s.onAgentReply(f.reply, f.err)
		return nil

	case *playbackDoneFrame:
		s.onPlaybackDone(f.seq, f.result)
		return nil

	case *uploadDoneFrame:
		s.onUploadDone(f.segmentID, f.result)
		return nil

	case *transcribedFrame:
		s.onTranscribed(f.segmentID, f.text, f.err)
		return nil

	case *transcriptGraceFrame:
		if state, ok := s.segments[f.segmentID]; ok {
			state.awaitingText = false
			s.settleSegment(f.segmentID)
		}
		return nil
	}

	return s.PushFrame(frame, direction)
}

func endReason(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func (s *Session) start(f *frames.StartFrame) {
	s.mu.Lock()
	if s.started || s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.id = f.CallID
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.startedAt = time.Now()
	s.clientSTT = f.SpeechRecognition
	s.recorder = NewRecorder(s.id, s.cfg.SampleRate, s.deps.Blobs, s.cfg.Bucket, s.deps.Metrics)
	s.journal = NewJournal(s.id, s.startedAt, s.deps.Store, s.outbox)
	s.mu.Unlock()

	userID := auth.UserID(s.ctx, s.deps.Auth, f.Token)
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	s.journal.SetUser(userID)
	s.journal.Open()

	s.deps.Metrics.RecordCallStart()
	s.Logger().Info("Call %s started (user=%q, client speech recognition=%t)", s.id, userID, f.SpeechRecognition)

	if !f.SpeechRecognition && s.deps.Transcriber == nil {
		s.emitStatus(frames.StatusWarning, StatusNoRecognition)
	}

	s.transition(PhaseIdle, PhaseConnecting, StatusConnecting)

	s.wg.Add(1)
	go s.runLifecycle(s.ctx)
}

// runLifecycle drives connecting → ringing → greeting → listening. Each step
// stops as soon as the call is cancelled or something else moved the phase.
func (s *Session) runLifecycle(ctx context.Context) {
	defer s.wg.Done()

	if !s.transition(PhaseConnecting, PhaseRinging, StatusConnecting) {
		return
	}
	for i := 0; i < s.cfg.RingCount; i++ {
		if ctx.Err() != nil {
			return
		}
		if !s.playCue(ctx, PhaseRinging, s.cfg.RingURL) {
			return
		}
		if !sleepCtx(ctx, s.cfg.RingGap) {
			return
		}
	}

	if ctx.Err() != nil || !s.transition(PhaseRinging, PhaseGreeting, StatusGreeting) {
		return
	}
	if !s.playCue(ctx, PhaseGreeting, s.cfg.GreetingURL) {
		return
	}

	if ctx.Err() != nil {
		return
	}
	s.transition(PhaseGreeting, PhaseListening, StatusListening)
}

// playCue plays url while the call is in phase. It returns false when the
// call left that phase.
func (s *Session) playCue(ctx context.Context, phase Phase, url string) bool {
	if url == "" {
		return s.Phase() == phase
	}

	s.mu.Lock()
	if s.phase != phase {
		s.mu.Unlock()
		return false
	}
	done := s.player.Play(ctx, url)
	s.mu.Unlock()

	res := <-done
	if res.Err != nil {
		s.Logger().Warn("Skipping cue %s: %v", url, res.Err)
	}
	return ctx.Err() == nil && s.Phase() == phase
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// transition moves from → to. It fails when the phase has moved on.
func (s *Session) transition(from, to Phase, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return false
	}
	s.setPhaseLocked(to, status)
	return true
}

// setPhase moves to any non-terminal phase unless the call has ended.
func (s *Session) setPhase(to Phase, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return
	}
	s.setPhaseLocked(to, status)
}

func (s *Session) setPhaseLocked(to Phase, status string) {
	s.phase = to
	var elapsed int64
	if !s.startedAt.IsZero() {
		elapsed = time.Since(s.startedAt).Milliseconds()
	}
	s.Logger().Debug("Phase %s (%s)", to, status)
	_ = s.emit(frames.NewPhaseFrame(string(to), status, elapsed))
}

func (s *Session) emitStatus(kind, text string) {
	_ = s.emit(frames.NewStatusFrame(kind, text))
}

func (s *Session) emit(f frames.Frame) error {
	return s.PushFrame(f, frames.Downstream)
}

// enqueueSelf hands an async completion back to the processor goroutine.
func (s *Session) enqueueSelf(f frames.Frame) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.QueueFrame(f, frames.Downstream); err != nil {
		s.Logger().Debug("Dropping %s: %v", f.Name(), err)
	}
}

// End tears the call down. Only the first call has any effect.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		s.cancel()
		s.player.Stop()

		s.mu.Lock()
		wasStarted := s.started
		callID, startedAt := s.id, s.startedAt
		s.endedAt = time.Now()
		endedAt := s.endedAt
		recorder := s.recorder
		journal := s.journal
		s.setPhaseLocked(PhaseEnded, StatusEnded)
		s.mu.Unlock()

		if recorder != nil && recorder.Discard() {
			s.Logger().Debug("Discarded open segment")
		}
		s.clips.Clear()

		if wasStarted {
			journal.Close(endedAt)
			s.deps.Metrics.RecordCallEnd(reason, endedAt.Sub(startedAt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EndDrainTimeout)
		defer cancel()
		if err := s.outbox.Close(ctx); err != nil {
			s.Logger().Warn("Outbox not drained: %v", err)
		}
		s.Logger().Info("Call %s ended (%s)", callID, reason)
	})
}

// Stop ends the call if still running, stops the processor and waits for
// background work.
func (s *Session) Stop() error {
	s.End("stopped")
	err := s.BaseProcessor.Stop()
	s.player.Close()
	s.wg.Wait()
	return err
}

// onSpeechStart interrupts agent audio before opening the new segment.
func (s *Session) onSpeechStart(preRoll []byte) {
	phase := s.Phase()
	if s.player.Speaking() && (phase == PhaseSpeaking || phase == PhaseGreeting) {
		s.player.Stop()
		s.deps.Metrics.RecordBargeIn()
		s.Logger().Info("Barge-in during %s", phase)
		if phase == PhaseSpeaking {
			s.transition(PhaseSpeaking, PhaseListening, StatusListening)
		}
	}

	r := s.Recorder()
	if r == nil {
		return
	}

	// Client transcripts now belong to the new segment.
	s.endGrace()

	id, err := r.Begin(time.Now(), preRoll)
	if err != nil {
		s.Logger().Warn("Cannot open segment: %v", err)
		return
	}
	s.segments[id] = &segmentState{}
}

func (s *Session) onSpeechEnd() {
	r := s.Recorder()
	if r == nil {
		return
	}
	seg, ok := r.Seal(time.Now())
	if !ok {
		return
	}
	s.deps.Metrics.RecordSegment()
	s.lastSegment = seg.ID

	state := s.segments[seg.ID]
	if state == nil {
		state = &segmentState{}
		s.segments[seg.ID] = state
	}

	if !s.clientSTT && s.deps.Transcriber != nil {
		state.transcribing = true
		s.wg.Add(1)
		go s.transcribe(seg)
	}
	if s.clientSTT && !state.hasText {
		state.awaitingText = true
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if sleepCtx(s.ctx, s.cfg.TranscriptGrace) {
				s.enqueueSelf(newTranscriptGraceFrame(seg.ID))
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := r.Upload(s.ctx, seg)
		s.enqueueSelf(newUploadDoneFrame(seg.ID, res))
	}()

	if s.pendingReply != "" {
		url := s.pendingReply
		s.pendingReply = ""
		s.startPlayback(url)
	}
}

func (s *Session) onUploadDone(segmentID string, res UploadResult) {
	state, ok := s.segments[segmentID]
	if !ok {
		return
	}
	state.uploadDone = true
	state.upload = res
	s.settleSegment(segmentID)
}

// settleSegment writes the placeholder turn once the upload has finished and
// no transcript is pending or arrived for the segment.
func (s *Session) settleSegment(segmentID string) {
	state := s.segments[segmentID]
	if state == nil || !state.uploadDone || state.transcribing {
		return
	}
	if state.awaitingText && !state.hasText {
		return
	}
	delete(s.segments, segmentID)

	if !state.upload.Archived() || state.hasText {
		return
	}
	s.journal.AppendTurn(store.TurnRecord{
		Role:     store.RoleUser,
		AudioURL: store.StringPtr(state.upload.Path),
	})
}

// endGrace stops waiting for late client transcripts of sealed segments.
func (s *Session) endGrace() {
	for id, state := range s.segments {
		if state.awaitingText {
			state.awaitingText = false
			s.settleSegment(id)
		}
	}
}

// flushSegments settles sealed segments before the journal is closed.
func (s *Session) flushSegments() {
	if s.Phase().Terminal() {
		return
	}
	s.endGrace()
}
