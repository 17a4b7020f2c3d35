package transports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/logger"
	"github.com/square-key-labs/strawgo-call/src/pipeline"
	"github.com/square-key-labs/strawgo-call/src/processors"
	"github.com/square-key-labs/strawgo-call/src/serializers"
)

// CallBuilder returns the processors that sit between a connection's reader
// and its OutputProcessor. It runs once per call, after the hello.
type CallBuilder func(hello serializers.Hello) ([]processors.FrameProcessor, error)

var errStartTimeout = errors.New("call pipeline did not start in time")

const (
	startTimeout  = 5 * time.Second
	hangupTimeout = 5 * time.Second
)

// callRunner owns the pipeline of one connected call.
type callRunner struct {
	id     string
	task   *pipeline.PipelineTask
	output *OutputProcessor
	log    *logger.Logger

	hangupOnce sync.Once
}

// startCall builds the call pipeline and blocks until its StartFrame has
// reached the output. The StartFrame carries the session rate. Client audio
// keeps its own rate on each AudioFrame.
func startCall(ctx context.Context, name string, start *frames.StartFrame, sessionRate int,
	serializer serializers.FrameSerializer, writer messageWriter, hello serializers.Hello, build CallBuilder) (*callRunner, error) {
	if build == nil {
		return nil, fmt.Errorf("no call builder configured")
	}
	procs, err := build(hello)
	if err != nil {
		return nil, fmt.Errorf("build call: %w", err)
	}

	output := newOutputProcessor(name+"Output", writer, serializer)
	procs = append(procs, output)

	callID := start.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	sessionStart := frames.NewStartFrame(callID, sessionRate)
	sessionStart.Token = start.Token
	sessionStart.SpeechRecognition = start.SpeechRecognition

	task := pipeline.NewPipelineTask(pipeline.NewPipeline(procs), sessionStart)
	r := &callRunner{
		id:     callID,
		task:   task,
		output: output,
		log:    logger.WithPrefix(name),
	}

	started := make(chan struct{})
	var once sync.Once
	task.OnStarted(func() { once.Do(func() { close(started) }) })
	task.OnError(func(err error) { r.log.Warn("Call %s: %v", r.id, err) })

	go func() {
		if err := task.Run(ctx); err != nil {
			r.log.Error("Call %s pipeline: %v", r.id, err)
		}
	}()

	select {
	case <-started:
		return r, nil
	case <-task.Done():
		return nil, fmt.Errorf("call pipeline exited before start")
	case <-ctx.Done():
		task.Cancel()
		return nil, ctx.Err()
	case <-time.After(startTimeout):
		task.Cancel()
		return nil, errStartTimeout
	}
}

// deliver queues a client frame at the head of the pipeline.
func (r *callRunner) deliver(frame frames.Frame) error {
	return r.task.QueueFrame(frame)
}

func (r *callRunner) done() <-chan struct{} {
	return r.task.Done()
}

// hangup ends the call with reason and waits for the pipeline to drain.
// The pipeline is cancelled if it does not finish within hangupTimeout.
func (r *callRunner) hangup(reason string) {
	r.hangupOnce.Do(func() {
		if err := r.task.QueueFrame(frames.NewEndFrame(reason)); err != nil && !errors.Is(err, pipeline.ErrFinished) {
			r.log.Debug("Call %s: end not queued: %v", r.id, err)
		}
		select {
		case <-r.task.Done():
		case <-time.After(hangupTimeout):
			r.log.Warn("Call %s did not finish in %s, cancelling", r.id, hangupTimeout)
			r.task.Cancel()
			<-r.task.Done()
		}
	})
}
