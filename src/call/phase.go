package call

// Phase is the lifecycle phase of a call.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseRinging    Phase = "ringing"
	PhaseGreeting   Phase = "greeting"
	PhaseListening  Phase = "listening"
	PhaseSpeaking   Phase = "speaking"
	PhaseEnded      Phase = "ended"
)

// Status lines shown to the caller.
const (
	StatusConnecting      = "Connecting…"
	StatusGreeting        = "AI is greeting you…"
	StatusListening       = "Listening…"
	StatusSpeaking        = "AI is speaking…"
	StatusSending         = "Sending transcript…"
	StatusNetworkError    = "Network error. Still listening…"
	StatusEnded           = "Call ended"
	StatusNoMicrophone    = "Microphone unavailable"
	StatusNoRecognition   = "Speech recognition unavailable. Transcripts won't be generated."
	StatusPlaybackFailure = "Couldn't play the reply. Still listening…"
)

func (p Phase) String() string { return string(p) }

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseEnded }
