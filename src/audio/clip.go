package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeClip decodes a WAV or MP3 clip into PCM16 mono bytes at outRate.
func DecodeClip(data []byte, outRate int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty clip")
	}

	var (
		samples []int16
		rate    int
	)
	if IsWAV(data) {
		pcm, info, err := DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		if info.Channels == 2 {
			pcm = StereoToMono(pcm)
		}
		samples, rate = pcm, info.SampleRate
	} else {
		pcm, sr, err := decodeMP3(data)
		if err != nil {
			return nil, err
		}
		samples, rate = pcm, sr
	}

	if outRate > 0 {
		samples = Resample(samples, rate, outRate)
	}
	return PCMToBytes(samples), nil
}

// decodeMP3 returns mono samples. go-mp3 always yields 16-bit stereo.
func decodeMP3(data []byte) ([]int16, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decoder: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}
	raw = raw[:len(raw)-len(raw)%4]

	stereo := make([]int16, len(raw)/2)
	for i := range stereo {
		stereo[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return StereoToMono(stereo), dec.SampleRate(), nil
}
