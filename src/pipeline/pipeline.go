package pipeline

import (
	"context"
	"fmt"

	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/logger"
	"github.com/square-key-labs/strawgo-call/src/processors"
)

// PipelineSource is the entry point for frames into the pipeline
type PipelineSource struct {
	*processors.BaseProcessor
	task *PipelineTask
}

func newPipelineSource(task *PipelineTask) *PipelineSource {
	ps := &PipelineSource{task: task}
	ps.BaseProcessor = processors.NewBaseProcessor("PipelineSource", ps)
	return ps
}

func (p *PipelineSource) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Upstream {
		if p.task != nil {
			return p.task.handleUpstreamFrame(frame)
		}
		return nil
	}
	return p.PushFrame(frame, direction)
}

// PipelineSink is the exit point for frames from the pipeline
type PipelineSink struct {
	*processors.BaseProcessor
	task *PipelineTask
}

func newPipelineSink(task *PipelineTask) *PipelineSink {
	ps := &PipelineSink{task: task}
	ps.BaseProcessor = processors.NewBaseProcessor("PipelineSink", ps)
	return ps
}

func (p *PipelineSink) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Downstream {
		if p.task != nil {
			return p.task.handleDownstreamFrame(frame)
		}
		return nil
	}
	return p.PushFrame(frame, direction)
}

// Pipeline connects multiple processors in a linear chain
type Pipeline struct {
	processors []processors.FrameProcessor
	source     *PipelineSource
	sink       *PipelineSink
	log        *logger.Logger
}

// NewPipeline creates a new pipeline with the given processors
func NewPipeline(procs []processors.FrameProcessor) *Pipeline {
	return &Pipeline{
		processors: procs,
		log:        logger.WithPrefix("Pipeline"),
	}
}

// Initialize links source -> processors -> sink.
func (p *Pipeline) Initialize(task *PipelineTask) {
	p.source = newPipelineSource(task)
	p.sink = newPipelineSink(task)

	chain := []processors.FrameProcessor{p.source}
	chain = append(chain, p.processors...)
	chain = append(chain, p.sink)

	for i := 0; i < len(chain)-1; i++ {
		chain[i].Link(chain[i+1])
	}

	p.log.Debug("Initialized with %d processors", len(p.processors))
}

// Start begins processing in all processors. Downstream processors start
// first so nothing is queued on a processor that is not running yet.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.sink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}

	for i := len(p.processors) - 1; i >= 0; i-- {
		proc := p.processors[i]
		if err := proc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processor %s: %w", proc.Name(), err)
		}
	}

	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}

	p.log.Debug("Started all processors")
	return nil
}

// Stop stops all processors, source first.
func (p *Pipeline) Stop() {
	if err := p.source.Stop(); err != nil {
		p.log.Error("Error stopping source: %v", err)
	}

	for _, proc := range p.processors {
		if err := proc.Stop(); err != nil {
			p.log.Error("Error stopping processor %s: %v", proc.Name(), err)
		}
	}

	if err := p.sink.Stop(); err != nil {
		p.log.Error("Error stopping sink: %v", err)
	}

	p.log.Debug("Stopped all processors")
}

// QueueFrame queues a frame at the source of the pipeline
func (p *Pipeline) QueueFrame(frame frames.Frame) error {
	return p.source.QueueFrame(frame, frames.Downstream)
}
