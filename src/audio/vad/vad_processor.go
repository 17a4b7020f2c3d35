package vad

import (
	"context"
	"fmt"

	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/processors"
)

// SpeechStartedFrame is the speech-start event. PreRoll holds the frames
// classified as speech while the detector was still in its starting state.
type SpeechStartedFrame struct {
	*frames.UserStartedSpeakingFrame
	PreRoll []byte
}

// VADInputProcessor runs the detector over inbound audio.
//
// Audio leaves the processor re-blocked into analysis frames, and the speech
// events are pushed in stream order: the start event before the frame that
// completed the start, the end event after the frame that completed the end.
// A level frame follows every analysed frame.
type VADInputProcessor struct {
	*processors.BaseProcessor
	detector *Detector
	muted    bool
	preRoll  []byte
	emitLvl  bool
}

// NewVADInputProcessor creates a new VAD input processor
func NewVADInputProcessor(detector *Detector) *VADInputProcessor {
	p := &VADInputProcessor{
		detector: detector,
		emitLvl:  true,
	}
	p.BaseProcessor = processors.NewBaseProcessor("VADInput", p)
	return p
}

// SetLevelFrames toggles the per-frame input LevelFrame.
func (p *VADInputProcessor) SetLevelFrames(enabled bool) {
	p.emitLvl = enabled
}

// HandleFrame processes frames from upstream (typically WebSocket input)
func (p *VADInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction != frames.Downstream {
		return p.PushFrame(frame, direction)
	}

	switch f := frame.(type) {
	case *frames.AudioFrame:
		return p.handleAudio(f)

	case *frames.StartFrame:
		if f.SampleRate > 0 {
			p.detector.SetSampleRate(f.SampleRate)
		}
		p.detector.Reset()
		p.preRoll = nil
		p.Logger().Debug("Detector reset (rate=%d, frame=%s)", p.detector.sampleRate, p.detector.FrameDuration())

	case *frames.MuteFrame:
		p.muted = f.Muted
		p.Logger().Debug("Microphone muted=%t", f.Muted)

	case *frames.EndFrame, *frames.CancelFrame:
		p.detector.Reset()
	}

	return p.PushFrame(frame, direction)
}

func (p *VADInputProcessor) handleAudio(f *frames.AudioFrame) error {
	data := f.Data
	if p.muted {
		data = make([]byte, len(f.Data))
	}

	var pushErr error
	p.detector.Feed(data, func(chunk []byte, r Result) {
		if pushErr != nil {
			return
		}
		pushErr = p.emit(chunk, r, f.SampleRate)
	})
	if pushErr != nil {
		return fmt.Errorf("push vad output: %w", pushErr)
	}
	return nil
}

func (p *VADInputProcessor) emit(chunk []byte, r Result, sampleRate int) error {
	audioFrame := frames.NewAudioFrame(chunk, sampleRate, 1)

	switch r.Event {
	case EventSpeechStart:
		p.Logger().Debug("speech-start (rms=%.4f threshold=%.4f)", r.RMS, r.Threshold)
		started := &SpeechStartedFrame{
			UserStartedSpeakingFrame: frames.NewUserStartedSpeakingFrame(),
			PreRoll:                  p.preRoll,
		}
		p.preRoll = nil
		if err := p.PushFrame(started, frames.Downstream); err != nil {
			return err
		}
		if err := p.PushFrame(audioFrame, frames.Downstream); err != nil {
			return err
		}

	case EventSpeechEnd:
		p.Logger().Debug("speech-end (rms=%.4f threshold=%.4f)", r.RMS, r.Threshold)
		if err := p.PushFrame(audioFrame, frames.Downstream); err != nil {
			return err
		}
		if err := p.PushFrame(frames.NewUserStoppedSpeakingFrame(), frames.Downstream); err != nil {
			return err
		}

	default:
		if r.State == VADStateStarting {
			p.preRoll = append(p.preRoll, chunk...)
		} else {
			p.preRoll = nil
		}
		if err := p.PushFrame(audioFrame, frames.Downstream); err != nil {
			return err
		}
	}

	if p.emitLvl {
		return p.PushFrame(frames.NewLevelFrame(frames.LevelInput, r.Level), frames.Downstream)
	}
	return nil
}
