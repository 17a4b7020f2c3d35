package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by DecodeWAV for data without a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a WAV file")

// EncodeWAV wraps little-endian PCM16 mono audio in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	dataSize := uint32(len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)
	return buf.Bytes()
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// WAVInfo describes the PCM payload of a WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
}

// DecodeWAV returns the PCM16 samples of a 16-bit PCM WAV file.
func DecodeWAV(data []byte) ([]int16, WAVInfo, error) {
	if !IsWAV(data) {
		return nil, WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	var bitsPerSample uint16
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, info, fmt.Errorf("wav fmt chunk too short: %d", size)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			if format != 1 || bitsPerSample != 16 {
				return nil, info, fmt.Errorf("unsupported wav format %d/%d-bit", format, bitsPerSample)
			}
		case "data":
			if info.SampleRate == 0 {
				return nil, info, fmt.Errorf("wav data before fmt chunk")
			}
			samples, err := BytesToPCM(data[body : body+size-size%2])
			return samples, info, err
		}

		pos = body + size + size%2
	}
	return nil, info, fmt.Errorf("wav has no data chunk")
}
