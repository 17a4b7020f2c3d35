package vad

import (
	"math"
	"time"

	"github.com/square-key-labs/strawgo-call/src/audio"
)

// VADState represents the current state of voice activity detection
type VADState int

const (
	VADStateQuiet VADState = iota + 1
	VADStateStarting
	VADStateSpeaking
	VADStateStopping
)

func (s VADState) String() string {
	switch s {
	case VADStateQuiet:
		return "quiet"
	case VADStateStarting:
		return "starting"
	case VADStateSpeaking:
		return "speaking"
	case VADStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Event is a discrete turn-taking event.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech-start"
	case EventSpeechEnd:
		return "speech-end"
	default:
		return "none"
	}
}

// VADParams holds configuration parameters for voice activity detection
type VADParams struct {
	// BaseThreshold is the RMS floor below which nothing counts as speech.
	BaseThreshold float64

	// Alpha is the decay of the rolling noise average.
	Alpha float64

	// Multiplier scales the rolling average into the adaptive threshold.
	Multiplier float64

	// MinSpeech is the continuous above-threshold time required before
	// speech-start. Zero starts on the first speech frame. It is rounded up
	// to whole frames: 150ms is 3 frames (192ms) at 16kHz with 1024-sample
	// frames.
	MinSpeech time.Duration

	// MinSilence is the below-threshold time required before speech-end.
	MinSilence time.Duration

	// FrameSamples is the analysis block size in mono samples.
	FrameSamples int

	// LevelScale is the RMS reported as a full-scale level.
	LevelScale float64
}

// DefaultVADParams returns the default VAD parameters
func DefaultVADParams() VADParams {
	return VADParams{
		BaseThreshold: 0.015,
		Alpha:         0.95,
		Multiplier:    1.2,
		MinSpeech:     150 * time.Millisecond,
		MinSilence:    600 * time.Millisecond,
		FrameSamples:  1024,
		LevelScale:    audio.DefaultLevelScale,
	}
}

func (p VADParams) withDefaults() VADParams {
	d := DefaultVADParams()
	if p.BaseThreshold <= 0 {
		p.BaseThreshold = d.BaseThreshold
	}
	if p.Alpha <= 0 || p.Alpha >= 1 {
		p.Alpha = d.Alpha
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.MinSpeech < 0 {
		p.MinSpeech = 0
	}
	if p.MinSilence <= 0 {
		p.MinSilence = d.MinSilence
	}
	if p.FrameSamples <= 0 {
		p.FrameSamples = d.FrameSamples
	}
	if p.LevelScale <= 0 {
		p.LevelScale = d.LevelScale
	}
	return p
}

// Result is the analysis of one frame.
type Result struct {
	RMS       float64
	Threshold float64
	Level     float64
	Speech    bool
	State     VADState
	Event     Event
}

// Detector is an energy-based voice activity detector with an adaptive
// threshold and start/stop hysteresis. Timing is counted in frames, so the
// outcome depends only on the samples fed, never on the wall clock.
//
// A Detector is not safe for concurrent use.
type Detector struct {
	params     VADParams
	sampleRate int

	startFrames int
	hangFrames  int

	state   VADState
	avg     float64
	run     int
	hang    int
	pending []byte
}

// NewDetector creates a detector for mono PCM16 at sampleRate.
func NewDetector(sampleRate int, params VADParams) *Detector {
	d := &Detector{params: params.withDefaults()}
	d.SetSampleRate(sampleRate)
	d.Reset()
	return d
}

// SetSampleRate recomputes the frame thresholds for a capture rate.
func (d *Detector) SetSampleRate(sampleRate int) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	d.sampleRate = sampleRate
	frameDur := d.FrameDuration()
	d.startFrames = framesFor(d.params.MinSpeech, frameDur)
	d.hangFrames = framesFor(d.params.MinSilence, frameDur)
}

func framesFor(dur, frameDur time.Duration) int {
	n := int(math.Ceil(float64(dur) / float64(frameDur)))
	if n < 1 {
		n = 1
	}
	return n
}

// FrameDuration is the audio time covered by one analysis frame.
func (d *Detector) FrameDuration() time.Duration {
	return time.Duration(d.params.FrameSamples) * time.Second / time.Duration(d.sampleRate)
}

// FrameBytes is the PCM16 size of one analysis frame.
func (d *Detector) FrameBytes() int {
	return d.params.FrameSamples * 2
}

// Params returns the effective parameters.
func (d *Detector) Params() VADParams {
	return d.params
}

// State returns the current VAD state
func (d *Detector) State() VADState {
	return d.state
}

// Speaking reports whether an utterance is in progress.
func (d *Detector) Speaking() bool {
	return d.state == VADStateSpeaking || d.state == VADStateStopping
}

// Reset clears the noise floor, counters and partial frame.
func (d *Detector) Reset() {
	d.state = VADStateQuiet
	d.avg = 0
	d.run = 0
	d.hang = 0
	d.pending = d.pending[:0]
}

// Feed splits pcm into analysis frames, carrying a partial frame over to the
// next call, and invokes fn for every complete frame in order.
func (d *Detector) Feed(pcm []byte, fn func(frame []byte, r Result)) {
	size := d.FrameBytes()
	d.pending = append(d.pending, pcm...)
	for len(d.pending) >= size {
		frame := make([]byte, size)
		copy(frame, d.pending[:size])
		d.pending = d.pending[size:]
		r := d.Analyze(frame)
		if fn != nil {
			fn(frame, r)
		}
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
}

// Analyze classifies one frame and advances the state machine.
func (d *Detector) Analyze(frame []byte) Result {
	rms := audio.RMS(frame)
	d.avg = d.avg*d.params.Alpha + rms*(1-d.params.Alpha)
	threshold := math.Max(d.params.BaseThreshold, d.avg*d.params.Multiplier)
	speech := rms > threshold

	event := EventNone
	switch d.state {
	case VADStateQuiet, VADStateStarting:
		if !speech {
			d.state = VADStateQuiet
			d.run = 0
			break
		}
		d.run++
		if d.run >= d.startFrames {
			d.state = VADStateSpeaking
			d.run = 0
			d.hang = d.hangFrames
			event = EventSpeechStart
		} else {
			d.state = VADStateStarting
		}

	case VADStateSpeaking, VADStateStopping:
		if speech {
			d.state = VADStateSpeaking
			d.hang = d.hangFrames
			break
		}
		d.hang--
		if d.hang <= 0 {
			d.state = VADStateQuiet
			d.hang = 0
			event = EventSpeechEnd
		} else {
			d.state = VADStateStopping
		}
	}

	return Result{
		RMS:       rms,
		Threshold: threshold,
		Level:     audio.Level(rms, d.params.LevelScale),
		Speech:    speech,
		State:     d.state,
		Event:     event,
	}
}
