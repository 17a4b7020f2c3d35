package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/processors"
)

// Codec is an inbound microphone encoding.
type Codec string

const (
	CodecLinear16 Codec = "linear16"
	CodecMulaw    Codec = "mulaw"
	CodecAlaw     Codec = "alaw"
)

// ParseCodec normalises codec name variations. An empty name is linear16.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear16", "pcm", "pcm16", "s16le":
		return CodecLinear16, nil
	case "mulaw", "ulaw", "pcmu":
		return CodecMulaw, nil
	case "alaw", "pcma":
		return CodecAlaw, nil
	default:
		return "", fmt.Errorf("unsupported codec: %q", name)
	}
}

// DecodePCM decodes codec bytes into PCM16 samples.
func DecodePCM(codec Codec, data []byte) ([]int16, error) {
	switch codec {
	case CodecMulaw:
		return MulawToPCM(data), nil
	case CodecAlaw:
		return AlawToPCM(data), nil
	case CodecLinear16, "":
		return BytesToPCM(data)
	default:
		return nil, fmt.Errorf("unsupported codec: %q", codec)
	}
}

// ConverterProcessor turns inbound AudioFrames in the client codec and rate
// into PCM16 mono at the session rate.
type ConverterProcessor struct {
	*processors.BaseProcessor
	inputCodec       Codec
	outputSampleRate int
}

// ConverterConfig holds configuration for audio conversion
type ConverterConfig struct {
	InputCodec       Codec
	OutputSampleRate int
}

// NewConverterProcessor creates a new audio converter
func NewConverterProcessor(config ConverterConfig) *ConverterProcessor {
	p := &ConverterProcessor{
		inputCodec:       config.InputCodec,
		outputSampleRate: config.OutputSampleRate,
	}
	p.BaseProcessor = processors.NewBaseProcessor("AudioConverter", p)
	return p
}

func (p *ConverterProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	audioFrame, ok := frame.(*frames.AudioFrame)
	if !ok || direction != frames.Downstream {
		return p.PushFrame(frame, direction)
	}

	data, err := p.Convert(audioFrame.Data, audioFrame.SampleRate, audioFrame.Channels)
	if err != nil {
		// A malformed chunk is dropped; the call continues.
		p.Logger().Debug("Dropping audio chunk: %v", err)
		return nil
	}
	return p.PushFrame(frames.NewAudioFrame(data, p.outputSampleRate, 1), direction)
}

// Convert decodes, downmixes and resamples one chunk.
func (p *ConverterProcessor) Convert(data []byte, inputRate, channels int) ([]byte, error) {
	pcm, err := DecodePCM(p.inputCodec, data)
	if err != nil {
		return nil, err
	}
	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if inputRate > 0 && p.outputSampleRate > 0 && inputRate != p.outputSampleRate {
		pcm = Resample(pcm, inputRate, p.outputSampleRate)
	}
	return PCMToBytes(pcm), nil
}

// BytesToPCM converts byte array to int16 PCM (little-endian)
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts int16 PCM to byte array (little-endian)
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// StereoToMono averages interleaved left/right samples.
func StereoToMono(pcm []int16) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16((int32(pcm[2*i]) + int32(pcm[2*i+1])) / 2)
	}
	return out
}

// Resample performs linear interpolation resampling
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			s1 := float64(input[srcIdx])
			s2 := float64(input[srcIdx+1])
			output[i] = int16(s1 + (s2-s1)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}

	return output
}

var (
	mulawDecodeTable [256]int16
	alawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = mulawDecode(byte(i))
		alawDecodeTable[i] = alawDecode(byte(i))
	}
}

// MulawToPCM converts G.711 mu-law audio to linear PCM int16
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecodeTable[val]
	}
	return pcm
}

// AlawToPCM converts G.711 A-law audio to linear PCM int16
func AlawToPCM(alaw []byte) []int16 {
	pcm := make([]int16, len(alaw))
	for i, val := range alaw {
		pcm[i] = alawDecodeTable[val]
	}
	return pcm
}

func mulawDecode(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ((mantissa<<3)+0x84)<<exponent - 0x84
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func alawDecode(a byte) int16 {
	a ^= 0x55
	exponent := (a >> 4) & 0x07
	mantissa := int32(a & 0x0F)
	var sample int32
	if exponent == 0 {
		sample = (mantissa << 4) + 8
	} else {
		sample = ((mantissa << 4) + 0x108) << (exponent - 1)
	}
	if a&0x80 != 0 {
		return int16(sample)
	}
	return int16(-sample)
}
