package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/logger"
)

// ErrFinished is returned when frames are queued on a finished task.
var ErrFinished = errors.New("pipeline already finished")

// PipelineTask orchestrates the execution of a pipeline for one call.
type PipelineTask struct {
	pipeline *Pipeline
	start    *frames.StartFrame
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	started  bool
	finished bool
	mu       sync.RWMutex

	onStarted  func()
	onFinished func()
	onError    func(error)

	log *logger.Logger
}

// NewPipelineTask creates a task that opens the pipeline with start.
func NewPipelineTask(pipeline *Pipeline, start *frames.StartFrame) *PipelineTask {
	task := &PipelineTask{
		pipeline: pipeline,
		start:    start,
		done:     make(chan struct{}),
		log:      logger.WithPrefix("PipelineTask"),
	}
	pipeline.Initialize(task)
	return task
}

// OnStarted sets a callback for when the StartFrame reaches the sink
func (t *PipelineTask) OnStarted(callback func()) {
	t.onStarted = callback
}

// OnFinished sets a callback for when an End or Cancel frame reaches the sink
func (t *PipelineTask) OnFinished(callback func()) {
	t.onFinished = callback
}

// OnError sets a callback for ErrorFrames reaching either end of the pipeline
func (t *PipelineTask) OnError(callback func(error)) {
	t.onError = callback
}

// QueueFrame adds a frame at the head of the pipeline.
func (t *PipelineTask) QueueFrame(frame frames.Frame) error {
	t.mu.RLock()
	started, finished := t.started, t.finished
	t.mu.RUnlock()

	if !started {
		return fmt.Errorf("pipeline not started")
	}
	if finished {
		return ErrFinished
	}
	return t.pipeline.QueueFrame(frame)
}

// Run starts the pipeline and blocks until it finishes or ctx is cancelled.
func (t *PipelineTask) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
	defer close(t.done)

	t.log.Debug("Starting pipeline")

	if err := t.pipeline.Start(t.ctx); err != nil {
		t.cancel()
		t.pipeline.Stop()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	start := t.start
	if start == nil {
		start = frames.NewStartFrame("", 0)
	}
	if err := t.pipeline.QueueFrame(start); err != nil {
		t.cancel()
		t.pipeline.Stop()
		return fmt.Errorf("failed to queue start frame: %w", err)
	}

	<-t.ctx.Done()
	t.pipeline.Stop()
	t.markFinished()

	t.log.Debug("Pipeline finished")
	return nil
}

// Done is closed when Run returns.
func (t *PipelineTask) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the pipeline immediately
func (t *PipelineTask) Cancel() {
	t.mu.RLock()
	cancel := t.cancel
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
}

func (t *PipelineTask) handleDownstreamFrame(frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		t.log.Debug("Pipeline started")
		if t.onStarted != nil {
			t.onStarted()
		}

	case *frames.EndFrame:
		t.log.Debug("End frame reached sink (reason=%s)", f.Reason)
		t.markFinished()
		t.Cancel()

	case *frames.CancelFrame:
		t.log.Debug("Cancel frame reached sink (reason=%s)", f.Reason)
		t.markFinished()
		t.Cancel()

	case *frames.ErrorFrame:
		t.reportError(f)
	}

	return nil
}

func (t *PipelineTask) handleUpstreamFrame(frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.ErrorFrame:
		t.reportError(f)
	case *frames.EndFrame, *frames.CancelFrame:
		// A processor asked for shutdown: run it through the whole chain.
		return t.pipeline.QueueFrame(frame)
	}
	return nil
}

func (t *PipelineTask) reportError(f *frames.ErrorFrame) {
	t.log.Warn("Error frame: %v (fatal=%t)", f.Error, f.Fatal)
	if t.onError != nil {
		t.onError(f.Error)
	}
	if f.Fatal {
		t.markFinished()
		t.Cancel()
	}
}

func (t *PipelineTask) markFinished() {
	t.mu.Lock()
	already := t.finished
	t.finished = true
	t.mu.Unlock()

	if !already && t.onFinished != nil {
		t.onFinished()
	}
}
