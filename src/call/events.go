package call

import (
	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/playback"
	"github.com/square-key-labs/strawgo-call/src/services/agent"
)

// Completions of asynchronous work are queued back to the session as data
// frames so that all session state changes happen on its own goroutine.

type agentReplyFrame struct {
	*frames.DataFrame
	reply agent.Reply
	err   error
}

func newAgentReplyFrame(reply agent.Reply, err error) *agentReplyFrame {
	return &agentReplyFrame{DataFrame: frames.NewDataFrame("AgentReplyFrame"), reply: reply, err: err}
}

type playbackDoneFrame struct {
	*frames.DataFrame
	seq    uint64
	result playback.Result
}

func newPlaybackDoneFrame(seq uint64, result playback.Result) *playbackDoneFrame {
	return &playbackDoneFrame{DataFrame: frames.NewDataFrame("PlaybackDoneFrame"), seq: seq, result: result}
}

type uploadDoneFrame struct {
	*frames.DataFrame
	segmentID string
	result    UploadResult
}

func newUploadDoneFrame(segmentID string, result UploadResult) *uploadDoneFrame {
	return &uploadDoneFrame{DataFrame: frames.NewDataFrame("UploadDoneFrame"), segmentID: segmentID, result: result}
}

type transcribedFrame struct {
	*frames.DataFrame
	segmentID string
	text      string
	err       error
}

func newTranscribedFrame(segmentID, text string, err error) *transcribedFrame {
	return &transcribedFrame{DataFrame: frames.NewDataFrame("TranscribedFrame"), segmentID: segmentID, text: text, err: err}
}

type transcriptGraceFrame struct {
	*frames.DataFrame
	segmentID string
}

func newTranscriptGraceFrame(segmentID string) *transcriptGraceFrame {
	return &transcriptGraceFrame{DataFrame: frames.NewDataFrame("TranscriptGraceFrame"), segmentID: segmentID}
}
