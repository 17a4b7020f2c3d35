package transports

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/processors"
	"github.com/square-key-labs/strawgo-call/src/serializers"
)

// messageWriter is one client connection's outbound side.
type messageWriter interface {
	WriteBinary(data []byte) error
	WriteText(text string) error
}

func writeMessage(w messageWriter, data interface{}) error {
	switch v := data.(type) {
	case []byte:
		return w.WriteBinary(v)
	case string:
		return w.WriteText(v)
	default:
		return fmt.Errorf("unsupported message type %T", data)
	}
}

// audioChunk is a pre-serialized audio chunk ready to send.
type audioChunk struct {
	data         interface{}
	generation   uint64
	sendInterval time.Duration
}

// OutputProcessor is the tail of a call pipeline. It serializes control
// frames straight to the client and paces agent audio in fixed chunks.
// Audio from a generation older than the last interruption is dropped.
type OutputProcessor struct {
	*processors.BaseProcessor
	writer     messageWriter
	serializer serializers.FrameSerializer

	chunkDuration time.Duration

	mu          sync.Mutex
	audioBuffer []byte
	bufferGen   uint64
	cleanupDone bool

	minGeneration atomic.Uint64

	chunkQueue   chan *audioChunk
	senderCtx    context.Context
	senderCancel context.CancelFunc
	senderWg     sync.WaitGroup
	cleanupOnce  sync.Once
}

func newOutputProcessor(name string, writer messageWriter, serializer serializers.FrameSerializer) *OutputProcessor {
	p := &OutputProcessor{
		writer:        writer,
		serializer:    serializer,
		chunkDuration: 20 * time.Millisecond,
		chunkQueue:    make(chan *audioChunk, 500),
	}
	p.BaseProcessor = processors.NewBaseProcessor(name, p)

	p.senderCtx, p.senderCancel = context.WithCancel(context.Background())
	p.startChunkSender()
	return p
}

// chunkBytes is the PCM16 size of one chunk at sampleRate.
func (p *OutputProcessor) chunkBytes(sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	samples := int(time.Duration(sampleRate) * p.chunkDuration / time.Second)
	if samples < 1 {
		samples = 1
	}
	return samples * 2
}

// startChunkSender paces queued chunks at real time.
func (p *OutputProcessor) startChunkSender() {
	p.senderWg.Add(1)
	go func() {
		defer p.senderWg.Done()

		var nextSendTime time.Time
		firstChunk := true

		for {
			select {
			case <-p.senderCtx.Done():
				return

			case chunk := <-p.chunkQueue:
				if chunk.generation < p.minGeneration.Load() {
					continue
				}

				now := time.Now()
				if firstChunk {
					nextSendTime = now
					firstChunk = false
				}

				sleepDuration := nextSendTime.Sub(now)
				if sleepDuration > 0 {
					select {
					case <-time.After(sleepDuration):
					case <-p.senderCtx.Done():
						return
					}
				}

				// An interruption may have arrived while sleeping.
				if chunk.generation < p.minGeneration.Load() {
					continue
				}
				if err := writeMessage(p.writer, chunk.data); err != nil {
					p.Logger().Debug("Error sending chunk: %v", err)
				}

				if sleepDuration <= 0 {
					// Behind schedule: restart the clock from now.
					nextSendTime = time.Now().Add(chunk.sendInterval)
				} else {
					nextSendTime = nextSendTime.Add(chunk.sendInterval)
				}
			}
		}
	}()
}

// Cleanup stops the sender goroutine. Safe to call multiple times.
func (p *OutputProcessor) Cleanup() error {
	p.cleanupOnce.Do(func() {
		p.mu.Lock()
		p.cleanupDone = true
		p.audioBuffer = nil
		p.mu.Unlock()

		p.senderCancel()
		p.senderWg.Wait()
		p.Logger().Debug("Sender stopped")
	})
	return nil
}

// Stop stops the processor and its sender.
func (p *OutputProcessor) Stop() error {
	err := p.BaseProcessor.Stop()
	_ = p.Cleanup()
	return err
}

func (p *OutputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Upstream {
		return p.PushFrame(frame, direction)
	}

	switch f := frame.(type) {
	case *frames.StartFrame:
		if err := p.serializer.Setup(f); err != nil {
			p.Logger().Warn("Serializer setup failed: %v", err)
		}
		if err := p.send(f); err != nil {
			return err
		}
		return p.PushFrame(f, direction)

	case *frames.InterruptionFrame:
		p.interrupt(f)
		return p.PushFrame(f, direction)

	case *frames.OutputAudioFrame:
		return p.handleAudio(f)

	case *frames.AudioFrame:
		// Caller audio is never echoed back.
		return nil

	case *frames.EndFrame, *frames.CancelFrame:
		if err := p.send(f); err != nil {
			p.Logger().Debug("Could not send end notice: %v", err)
		}
		_ = p.Cleanup()
		return p.PushFrame(f, direction)
	}

	if err := p.send(frame); err != nil {
		return err
	}
	if frames.CategoryOf(frame) == frames.SystemCategory {
		return p.PushFrame(frame, direction)
	}
	return nil
}

func (p *OutputProcessor) send(frame frames.Frame) error {
	data, err := p.serializer.Serialize(frame)
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}
	if data == nil {
		return nil
	}
	if err := writeMessage(p.writer, data); err != nil {
		return fmt.Errorf("send %s: %w", frame.Name(), err)
	}
	return nil
}

// interrupt raises the generation floor, drops buffered audio and tells the
// client to flush what it already has.
func (p *OutputProcessor) interrupt(f *frames.InterruptionFrame) {
	for {
		cur := p.minGeneration.Load()
		if f.Generation <= cur || p.minGeneration.CompareAndSwap(cur, f.Generation) {
			break
		}
	}

	p.mu.Lock()
	buffered := len(p.audioBuffer)
	p.audioBuffer = nil
	p.mu.Unlock()

	drained := 0
drainLoop:
	for {
		select {
		case <-p.chunkQueue:
			drained++
		default:
			break drainLoop
		}
	}
	p.Logger().Debug("Interrupted at generation %d (dropped %d bytes buffered, %d chunks queued)", f.Generation, buffered, drained)

	if err := p.send(f); err != nil {
		p.Logger().Debug("Could not send clear: %v", err)
	}
}

func (p *OutputProcessor) handleAudio(f *frames.OutputAudioFrame) error {
	if f.Generation < p.minGeneration.Load() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cleanupDone {
		return nil
	}

	chunkSize := p.chunkBytes(f.SampleRate)
	sendInterval := p.chunkDuration

	if p.bufferGen != f.Generation {
		// A remainder from another clip must not prefix this one.
		p.audioBuffer = nil
		p.bufferGen = f.Generation
	}
	current := append(p.audioBuffer, f.Data...)
	p.audioBuffer = nil

	for len(current) >= chunkSize {
		chunk := frames.NewOutputAudioFrame(current[:chunkSize], f.SampleRate, f.Generation)
		current = current[chunkSize:]

		data, err := p.serializer.Serialize(chunk)
		if err != nil || data == nil {
			continue
		}

		select {
		case p.chunkQueue <- &audioChunk{data: data, generation: f.Generation, sendInterval: sendInterval}:
		case <-p.senderCtx.Done():
			return nil
		}
	}

	p.audioBuffer = append([]byte(nil), current...)
	return nil
}
