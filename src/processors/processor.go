package processors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/logger"
)

// ErrNotStarted is returned when a frame is queued on a processor that is not running.
var ErrNotStarted = errors.New("processor not started")

// FrameProcessor is the interface that all processors must implement
type FrameProcessor interface {
	// ProcessFrame processes a single frame
	ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error

	// QueueFrame adds a frame to this processor's queue
	QueueFrame(frame frames.Frame, direction frames.FrameDirection) error

	// PushFrame sends a frame to the next/previous processor
	PushFrame(frame frames.Frame, direction frames.FrameDirection) error

	// Link connects this processor to the next one in the chain
	Link(next FrameProcessor)

	// SetPrev sets the previous processor in the chain
	SetPrev(prev FrameProcessor)

	// Start begins processing frames
	Start(ctx context.Context) error

	// Stop stops the processor and waits for its loop to exit
	Stop() error

	// Name returns the processor name
	Name() string
}

// ProcessHandler is implemented by the concrete processor embedding BaseProcessor.
type ProcessHandler interface {
	HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error
}

// BaseProcessor provides the common functionality for all processors.
//
// Every processor owns exactly one goroutine. System frames are taken before
// queued data and control frames, and data and control frames share one queue,
// so a handler never runs concurrently with itself and observes content in
// arrival order.
type BaseProcessor struct {
	name string
	next FrameProcessor
	prev FrameProcessor

	systemChan chan frameWithDirection
	dataChan   chan frameWithDirection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	handler ProcessHandler
	log     *logger.Logger
}

type frameWithDirection struct {
	frame     frames.Frame
	direction frames.FrameDirection
}

// NewBaseProcessor creates a new BaseProcessor
func NewBaseProcessor(name string, handler ProcessHandler) *BaseProcessor {
	return &BaseProcessor{
		name:       name,
		systemChan: make(chan frameWithDirection, 64),
		dataChan:   make(chan frameWithDirection, 1024),
		handler:    handler,
		log:        logger.WithPrefix(name),
	}
}

func (p *BaseProcessor) Name() string {
	return p.name
}

// Logger returns the processor's prefixed logger.
func (p *BaseProcessor) Logger() *logger.Logger {
	return p.log
}

func (p *BaseProcessor) Link(next FrameProcessor) {
	p.mu.Lock()
	p.next = next
	p.mu.Unlock()
	if next != nil {
		next.SetPrev(p)
	}
}

func (p *BaseProcessor) SetPrev(prev FrameProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prev = prev
}

func (p *BaseProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("processor %s already started", p.name)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run(p.ctx)

	p.log.Debug("Started")
	return nil
}

func (p *BaseProcessor) Stop() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.log.Debug("Stopped")
	return nil
}

// Context returns the processor's run context, or nil before Start.
func (p *BaseProcessor) Context() context.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ctx
}

func (p *BaseProcessor) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	ctx := p.Context()
	if ctx == nil {
		return fmt.Errorf("%s: %w", p.name, ErrNotStarted)
	}

	fwd := frameWithDirection{frame: frame, direction: direction}
	ch := p.dataChan
	if frames.CategoryOf(frame) == frames.SystemCategory {
		ch = p.systemChan
	}

	select {
	case ch <- fwd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *BaseProcessor) PushFrame(frame frames.Frame, direction frames.FrameDirection) error {
	p.mu.RLock()
	var target FrameProcessor
	if direction == frames.Downstream {
		target = p.next
	} else {
		target = p.prev
	}
	p.mu.RUnlock()

	if target == nil {
		// End of chain
		return nil
	}

	return target.QueueFrame(frame, direction)
}

func (p *BaseProcessor) ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.handler != nil {
		return p.handler.HandleFrame(ctx, frame, direction)
	}
	return p.PushFrame(frame, direction)
}

func (p *BaseProcessor) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		// Drain pending system frames first.
		select {
		case <-ctx.Done():
			return
		case fwd := <-p.systemChan:
			p.dispatch(ctx, fwd)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case fwd := <-p.systemChan:
			p.dispatch(ctx, fwd)
		case fwd := <-p.dataChan:
			p.dispatch(ctx, fwd)
		}
	}
}

func (p *BaseProcessor) dispatch(ctx context.Context, fwd frameWithDirection) {
	if err := p.ProcessFrame(ctx, fwd.frame, fwd.direction); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("Error processing %s frame %s: %v", frames.CategoryOf(fwd.frame), fwd.frame.Name(), err)
	}
}
