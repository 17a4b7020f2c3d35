package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/processors"
)

// tagger records the frames it sees and can report a fatal error on a trigger.
type tagger struct {
	*processors.BaseProcessor
	mu     sync.Mutex
	seen   []string
	failOn string
}

func newTagger(name string) *tagger {
	p := &tagger{}
	p.BaseProcessor = processors.NewBaseProcessor(name, p)
	return p
}

func (p *tagger) HandleFrame(_ context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	p.mu.Lock()
	p.seen = append(p.seen, frame.Name())
	p.mu.Unlock()

	if p.failOn != "" && frame.Name() == p.failOn {
		errFrame := frames.NewErrorFrame(errors.New("device lost"))
		errFrame.Fatal = true
		return p.PushFrame(errFrame, frames.Upstream)
	}
	return p.PushFrame(frame, direction)
}

func (p *tagger) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

func countNames(names []string, want string) int {
	n := 0
	for _, name := range names {
		if name == want {
			n++
		}
	}
	return n
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not finish")
	}
}

func TestPipelineTaskDeliversInOrderAndFinishesOnEnd(t *testing.T) {
	first, second := newTagger("First"), newTagger("Second")
	task := NewPipelineTask(NewPipeline([]processors.FrameProcessor{first, second}), frames.NewStartFrame("call-1", 16000))

	started := make(chan struct{})
	var finished int
	var mu sync.Mutex
	task.OnStarted(func() { close(started) })
	task.OnFinished(func() {
		mu.Lock()
		finished++
		mu.Unlock()
	})

	go func() { _ = task.Run(context.Background()) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("start frame never reached the sink")
	}

	for i := 0; i < 3; i++ {
		if err := task.QueueFrame(frames.NewTranscriptionFrame("hello", true)); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for countNames(second.names(), "TranscriptionFrame") < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("transcripts never reached the last processor: %v", second.names())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := task.QueueFrame(frames.NewEndFrame("hangup")); err != nil {
		t.Fatalf("queue end: %v", err)
	}
	waitDone(t, task.Done())

	names := second.names()
	if len(names) == 0 || names[0] != "StartFrame" {
		t.Fatalf("expected StartFrame first, got %v", names)
	}
	if countNames(names, "EndFrame") != 1 {
		t.Fatalf("expected the end frame to pass through, got %v", names)
	}

	mu.Lock()
	defer mu.Unlock()
	if finished != 1 {
		t.Fatalf("expected one finish callback, got %d", finished)
	}
	if err := task.QueueFrame(frames.NewEndFrame("again")); !errors.Is(err, ErrFinished) {
		t.Fatalf("expected ErrFinished, got %v", err)
	}
}

func TestPipelineTaskFatalErrorCancels(t *testing.T) {
	proc := newTagger("Failing")
	proc.failOn = "MicrophoneFrame"
	task := NewPipelineTask(NewPipeline([]processors.FrameProcessor{proc}), nil)

	errCh := make(chan error, 1)
	task.OnError(func(err error) { errCh <- err })
	started := make(chan struct{})
	task.OnStarted(func() { close(started) })

	go func() { _ = task.Run(context.Background()) }()
	<-started

	if err := task.QueueFrame(frames.NewMicrophoneFrame(false, "denied")); err != nil {
		t.Fatalf("queue: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil || err.Error() != "device lost" {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error was not reported")
	}
	waitDone(t, task.Done())
}

func TestPipelineTaskRejectsFramesBeforeRun(t *testing.T) {
	task := NewPipelineTask(NewPipeline(nil), nil)
	if err := task.QueueFrame(frames.NewEndFrame("")); err == nil {
		t.Fatalf("expected error before Run")
	}
}

func TestPipelineTaskContextCancel(t *testing.T) {
	task := NewPipelineTask(NewPipeline([]processors.FrameProcessor{newTagger("Only")}), nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() { _ = task.Run(ctx) }()
	cancel()
	waitDone(t, task.Done())
}
