package frames

// SystemFrame is the base for all system-level frames
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

func newSystemFrame(name string) *SystemFrame {
	return &SystemFrame{BaseFrame: NewBaseFrame(name)}
}

// StartFrame opens a call. It carries what the client announced in its hello.
type StartFrame struct {
	*SystemFrame
	CallID     string
	Token      string
	SampleRate int

	// SpeechRecognition reports whether the client transcribes speech itself.
	SpeechRecognition bool
}

func NewStartFrame(callID string, sampleRate int) *StartFrame {
	return &StartFrame{
		SystemFrame: newSystemFrame("StartFrame"),
		CallID:      callID,
		SampleRate:  sampleRate,
	}
}

// EndFrame signals graceful shutdown after flushing all frames
type EndFrame struct {
	*SystemFrame
	Reason string
}

func NewEndFrame(reason string) *EndFrame {
	return &EndFrame{
		SystemFrame: newSystemFrame("EndFrame"),
		Reason:      reason,
	}
}

// CancelFrame signals immediate shutdown without flushing
type CancelFrame struct {
	*SystemFrame
	Reason string
}

func NewCancelFrame(reason string) *CancelFrame {
	return &CancelFrame{
		SystemFrame: newSystemFrame("CancelFrame"),
		Reason:      reason,
	}
}

// InterruptionFrame tells the output side to drop every queued agent audio
// frame whose generation is older than Generation.
type InterruptionFrame struct {
	*SystemFrame
	Generation uint64
}

func NewInterruptionFrame(generation uint64) *InterruptionFrame {
	return &InterruptionFrame{
		SystemFrame: newSystemFrame("InterruptionFrame"),
		Generation:  generation,
	}
}

// ErrorFrame carries error information through the pipeline
type ErrorFrame struct {
	*SystemFrame
	Error error
	Fatal bool
}

func NewErrorFrame(err error) *ErrorFrame {
	return &ErrorFrame{
		SystemFrame: newSystemFrame("ErrorFrame"),
		Error:       err,
	}
}
