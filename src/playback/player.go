// Package playback streams agent audio to the caller and handles barge-in.
package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/strawgo-call/src/audio"
	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/logger"
)

// Result is delivered once per Play, after natural completion, Stop, or a
// load/decode failure.
type Result struct {
	URL         string
	Interrupted bool
	Err         error
	Duration    time.Duration
}

type Config struct {
	// SampleRate of the emitted OutputAudioFrames.
	SampleRate int

	// ChunkDuration is the size of each emitted frame. Default 20ms.
	ChunkDuration time.Duration

	// NoPacing emits chunks as fast as the output accepts them.
	NoPacing bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 20 * time.Millisecond
	}
	return c
}

// Emit forwards a frame toward the caller.
type Emit func(frames.Frame) error

// Player plays one clip at a time. Chunks carry the generation they were
// produced under; Stop advances the generation so the output can drop what is
// still queued.
type Player struct {
	cfg    Config
	loader Loader
	emit   Emit
	log    *logger.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc

	speaking atomic.Bool
	muted    atomic.Bool
	wg       sync.WaitGroup
}

func NewPlayer(loader Loader, emit Emit, cfg Config) *Player {
	return &Player{
		cfg:    cfg.withDefaults(),
		loader: loader,
		emit:   emit,
		log:    logger.WithPrefix("Playback"),
	}
}

// Speaking reports whether a clip is currently playing.
func (p *Player) Speaking() bool {
	return p.speaking.Load()
}

// Generation is the generation of the current (or last) clip.
func (p *Player) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// SetSpeakerEnabled mutes or unmutes output, including mid-playback.
func (p *Player) SetSpeakerEnabled(enabled bool) {
	p.muted.Store(!enabled)
}

func (p *Player) SpeakerEnabled() bool {
	return !p.muted.Load()
}

// Play starts url, replacing anything already playing. The returned channel
// receives exactly one Result and is then closed.
func (p *Player) Play(ctx context.Context, url string) <-chan Result {
	res := make(chan Result, 1)

	p.mu.Lock()
	interruptGen, interrupted := p.interruptLocked()
	p.gen++
	gen := p.gen
	playCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.speaking.Store(true)
	p.wg.Add(1)
	p.mu.Unlock()

	if interrupted {
		p.emitInterruption(interruptGen)
	}

	go p.run(playCtx, gen, url, res)
	return res
}

// Stop interrupts the current clip. Speaking is false when Stop returns.
// It reports whether anything was playing.
func (p *Player) Stop() bool {
	p.mu.Lock()
	gen, interrupted := p.interruptLocked()
	p.mu.Unlock()

	if interrupted {
		p.emitInterruption(gen)
	}
	return interrupted
}

// Close stops playback and waits for the streaming goroutine to exit.
func (p *Player) Close() {
	p.Stop()
	p.wg.Wait()
}

func (p *Player) interruptLocked() (uint64, bool) {
	if p.cancel == nil {
		return 0, false
	}
	p.cancel()
	p.cancel = nil
	p.gen++
	p.speaking.Store(false)
	return p.gen, true
}

func (p *Player) emitInterruption(gen uint64) {
	p.log.Debug("Interrupted, generation now %d", gen)
	_ = p.emit(frames.NewInterruptionFrame(gen))
	_ = p.emit(frames.NewLevelFrame(frames.LevelOutput, 0))
}

func (p *Player) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}

func (p *Player) finish(gen uint64, res chan<- Result, r Result) {
	p.mu.Lock()
	if p.gen == gen && p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.speaking.Store(false)
	}
	p.mu.Unlock()

	res <- r
	close(res)
}

func (p *Player) run(ctx context.Context, gen uint64, url string, res chan<- Result) {
	defer p.wg.Done()
	started := time.Now()
	r := Result{URL: url}

	data, err := p.loader.Load(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			r.Interrupted = true
		} else {
			r.Err = err
			p.log.Warn("Cannot load %s: %v", url, err)
		}
		p.finish(gen, res, r)
		return
	}

	pcm, err := audio.DecodeClip(data, p.cfg.SampleRate)
	if err != nil {
		r.Err = err
		p.log.Warn("Cannot decode %s: %v", url, err)
		p.finish(gen, res, r)
		return
	}

	r.Interrupted = !p.stream(ctx, gen, pcm)
	if !r.Interrupted {
		_ = p.emit(frames.NewLevelFrame(frames.LevelOutput, 0))
	}
	r.Duration = time.Since(started)
	p.finish(gen, res, r)
}

// stream emits pcm in paced chunks. It returns false when interrupted.
func (p *Player) stream(ctx context.Context, gen uint64, pcm []byte) bool {
	chunkBytes := int(int64(p.cfg.SampleRate) * int64(p.cfg.ChunkDuration) / int64(time.Second) * 2)
	if chunkBytes < 2 {
		chunkBytes = 2
	}

	var nextSendTime time.Time
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[off:end]
		interval := time.Duration(int64(len(chunk)/2) * int64(time.Second) / int64(p.cfg.SampleRate))

		var sleepDuration time.Duration
		if !p.cfg.NoPacing {
			now := time.Now()
			if nextSendTime.IsZero() {
				nextSendTime = now
			}
			sleepDuration = nextSendTime.Sub(now)
			if sleepDuration > 0 {
				timer := time.NewTimer(sleepDuration)
				select {
				case <-ctx.Done():
					timer.Stop()
					return false
				case <-timer.C:
				}
			}
		}

		if ctx.Err() != nil || !p.current(gen) {
			return false
		}

		level := audio.Level(audio.RMS(chunk), audio.DefaultLevelScale)
		if p.muted.Load() {
			chunk = make([]byte, len(chunk))
			level = 0
		}
		if err := p.emit(frames.NewOutputAudioFrame(chunk, p.cfg.SampleRate, gen)); err != nil {
			p.log.Debug("Output closed: %v", err)
			return false
		}
		_ = p.emit(frames.NewLevelFrame(frames.LevelOutput, level))

		if !p.cfg.NoPacing {
			if sleepDuration <= 0 {
				nextSendTime = time.Now().Add(interval)
			} else {
				nextSendTime = nextSendTime.Add(interval)
			}
		}
	}
	return true
}
