package frames

// DataFrame is the base for frames that carry call content.
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

// NewDataFrame returns a DataFrame base for frame types declared outside
// this package.
func NewDataFrame(name string) *DataFrame {
	return &DataFrame{BaseFrame: NewBaseFrame(name)}
}

// AudioFrame is microphone audio: PCM16 little-endian.
type AudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame:  NewDataFrame("AudioFrame"),
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// Samples returns the number of samples per channel.
func (f *AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// OutputAudioFrame is audio for the client speaker, PCM16 mono. Generation is
// the playback generation it belongs to.
type OutputAudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Generation uint64
}

func NewOutputAudioFrame(data []byte, sampleRate int, generation uint64) *OutputAudioFrame {
	return &OutputAudioFrame{
		DataFrame:  NewDataFrame("OutputAudioFrame"),
		Data:       data,
		SampleRate: sampleRate,
		Generation: generation,
	}
}

// TranscriptionFrame is recognised user speech.
type TranscriptionFrame struct {
	*DataFrame
	Text  string
	Final bool

	// SegmentID links a server-side transcription to its segment. Empty for
	// transcripts produced by the client.
	SegmentID string
}

func NewTranscriptionFrame(text string, final bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: NewDataFrame("TranscriptionFrame"),
		Text:      text,
		Final:     final,
	}
}

// UserStartedSpeakingFrame is emitted on the speech-start VAD event. It is a
// data frame so it stays ordered with the audio around it.
type UserStartedSpeakingFrame struct {
	*DataFrame
}

func NewUserStartedSpeakingFrame() *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{DataFrame: NewDataFrame("UserStartedSpeakingFrame")}
}

// UserStoppedSpeakingFrame is emitted on the speech-end VAD event.
type UserStoppedSpeakingFrame struct {
	*DataFrame
}

func NewUserStoppedSpeakingFrame() *UserStoppedSpeakingFrame {
	return &UserStoppedSpeakingFrame{DataFrame: NewDataFrame("UserStoppedSpeakingFrame")}
}
