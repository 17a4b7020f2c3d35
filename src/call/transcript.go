package call

import (
	"context"
	"strings"
	"time"

	"github.com/square-key-labs/strawgo-call/src/audio"
	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/metrics"
	"github.com/square-key-labs/strawgo-call/src/playback"
	"github.com/square-key-labs/strawgo-call/src/services/agent"
	"github.com/square-key-labs/strawgo-call/src/store"
)

// onTranscript records the user turn and sends the text to the agent.
// segmentID may be empty for client-side transcripts; they are attributed to
// the open or most recent segment.
func (s *Session) onTranscript(text, segmentID string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if segmentID == "" {
		if r := s.Recorder(); r != nil {
			segmentID = r.OpenID()
		}
		if segmentID == "" {
			segmentID = s.lastSegment
		}
	}
	if state, ok := s.segments[segmentID]; ok {
		state.hasText = true
		defer s.settleSegment(segmentID)
	}

	if s.journal != nil {
		s.journal.AppendTurn(store.TurnRecord{
			Role:            store.RoleUser,
			InputTranscript: store.StringPtr(text),
		})
	}
	_ = s.emit(frames.NewTurnFrame(string(store.RoleUser), text, ""))
	s.emitStatus(frames.StatusInfo, StatusSending)
	s.Logger().Info("Transcript: %q", text)

	if s.deps.Agent == nil {
		s.Logger().Warn("No agent configured, transcript not sent")
		s.enqueueSelf(newAgentReplyFrame(agent.Reply{}, nil))
		return
	}

	req := agent.Request{CallID: s.ID(), Text: text}
	if uid := s.UserID(); uid != "" {
		req.UserID = &uid
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AgentTimeout)
		defer cancel()

		started := time.Now()
		reply, err := s.deps.Agent.Send(ctx, req)
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultError
		}
		s.deps.Metrics.RecordAgentRequest(result, time.Since(started))
		s.enqueueSelf(newAgentReplyFrame(reply, err))
	}()
}

// onAgentReply records the assistant turn and starts playback of the reply.
func (s *Session) onAgentReply(reply agent.Reply, err error) {
	if err != nil {
		s.Logger().Warn("Agent request failed: %v", err)
		s.emitStatus(frames.StatusError, StatusNetworkError)
		if s.Phase() == PhaseListening {
			s.setPhase(PhaseListening, StatusNetworkError)
		}
		return
	}

	url := reply.AudioURL
	persistedURL := url
	if url == "" && len(reply.Audio) > 0 {
		url = s.clips.Put(reply.Audio, reply.AudioContentType)
		persistedURL = ""
	}

	if reply.Text != "" || url != "" {
		if s.journal != nil {
			s.journal.AppendTurn(store.TurnRecord{
				Role:     store.RoleAssistant,
				AIText:   store.StringPtr(reply.Text),
				AudioURL: store.StringPtr(persistedURL),
			})
		}
		_ = s.emit(frames.NewTurnFrame(string(store.RoleAssistant), reply.Text, persistedURL))
	}

	if url == "" {
		if s.Phase() == PhaseListening {
			s.emitStatus(frames.StatusInfo, StatusListening)
		}
		return
	}

	if r := s.Recorder(); r != nil && r.OpenID() != "" {
		s.Logger().Debug("Caller is speaking, deferring reply playback")
		s.dropPending()
		s.pendingReply = url
		return
	}
	s.startPlayback(url)
}

func (s *Session) dropPending() {
	if s.pendingReply != "" && playback.IsLocalURL(s.pendingReply) {
		s.clips.Revoke(s.pendingReply)
	}
	s.pendingReply = ""
}

// startPlayback enters Speaking and plays url, replacing any cue.
func (s *Session) startPlayback(url string) {
	s.playSeq++
	seq := s.playSeq

	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setPhaseLocked(PhaseSpeaking, StatusSpeaking)
	done := s.player.Play(s.ctx, url)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := <-done
		s.enqueueSelf(newPlaybackDoneFrame(seq, res))
	}()
}

func (s *Session) onPlaybackDone(seq uint64, res playback.Result) {
	if playback.IsLocalURL(res.URL) {
		s.clips.Revoke(res.URL)
	}
	if seq != s.playSeq {
		return
	}

	if res.Err != nil {
		s.emitStatus(frames.StatusWarning, StatusPlaybackFailure)
	}
	s.transition(PhaseSpeaking, PhaseListening, StatusListening)
}

// transcribe runs server-side recognition for a sealed segment.
func (s *Session) transcribe(seg Segment) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AgentTimeout)
	defer cancel()

	text, err := s.deps.Transcriber.Transcribe(ctx, audio.EncodeWAV(seg.Audio, seg.SampleRate))
	s.enqueueSelf(newTranscribedFrame(seg.ID, text, err))
}

func (s *Session) onTranscribed(segmentID, text string, err error) {
	if state, ok := s.segments[segmentID]; ok {
		state.transcribing = false
		if err == nil && strings.TrimSpace(text) != "" {
			state.hasText = true
		}
	}
	if err != nil {
		s.Logger().Warn("Transcription of %s failed: %v", segmentID, err)
	} else {
		s.onTranscript(text, segmentID)
	}
	s.settleSegment(segmentID)
}
