package frames

// ControlFrame is the base for control/configuration frames
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

func newControlFrame(name string) *ControlFrame {
	return &ControlFrame{BaseFrame: NewBaseFrame(name)}
}

// SpeakerFrame toggles every audio output of the call.
type SpeakerFrame struct {
	*ControlFrame
	Enabled bool
}

func NewSpeakerFrame(enabled bool) *SpeakerFrame {
	return &SpeakerFrame{ControlFrame: newControlFrame("SpeakerFrame"), Enabled: enabled}
}

// MuteFrame mutes the microphone. Muted input is treated as silence.
type MuteFrame struct {
	*ControlFrame
	Muted bool
}

func NewMuteFrame(muted bool) *MuteFrame {
	return &MuteFrame{ControlFrame: newControlFrame("MuteFrame"), Muted: muted}
}

// MicrophoneFrame reports whether the client could acquire a microphone.
type MicrophoneFrame struct {
	*ControlFrame
	Available bool
	Reason    string
}

func NewMicrophoneFrame(available bool, reason string) *MicrophoneFrame {
	return &MicrophoneFrame{ControlFrame: newControlFrame("MicrophoneFrame"), Available: available, Reason: reason}
}

// PhaseFrame announces a call phase change to the client.
type PhaseFrame struct {
	*ControlFrame
	Phase     string
	Status    string
	ElapsedMS int64
}

func NewPhaseFrame(phase, status string, elapsedMS int64) *PhaseFrame {
	return &PhaseFrame{
		ControlFrame: newControlFrame("PhaseFrame"),
		Phase:        phase,
		Status:       status,
		ElapsedMS:    elapsedMS,
	}
}

// Status kinds.
const (
	StatusInfo    = "info"
	StatusWarning = "warning"
	StatusError   = "error"
)

// StatusFrame is a user-visible status line.
type StatusFrame struct {
	*ControlFrame
	Kind string
	Text string
}

func NewStatusFrame(kind, text string) *StatusFrame {
	return &StatusFrame{ControlFrame: newControlFrame("StatusFrame"), Kind: kind, Text: text}
}

// Level sources.
const (
	LevelInput  = "input"
	LevelOutput = "output"
)

// LevelFrame carries a normalised signal level in [0,1] for a meter.
type LevelFrame struct {
	*ControlFrame
	Source string
	Value  float64
}

func NewLevelFrame(source string, value float64) *LevelFrame {
	return &LevelFrame{ControlFrame: newControlFrame("LevelFrame"), Source: source, Value: value}
}

// TurnFrame mirrors an appended transcript turn to the client.
type TurnFrame struct {
	*ControlFrame
	Role     string
	Text     string
	AudioURL string
}

func NewTurnFrame(role, text, audioURL string) *TurnFrame {
	return &TurnFrame{ControlFrame: newControlFrame("TurnFrame"), Role: role, Text: text, AudioURL: audioURL}
}
