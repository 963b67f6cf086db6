package audio

import (
	"encoding/binary"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WritePCMToWav encodes 16-bit little-endian PCM into a WAV file, used to
// hand audio to exec-mode backends.
func WritePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WavInfo describes a decoded WAV reference file.
type WavInfo struct {
	SampleRate      int
	Channels        int
	DurationSeconds float64
}

// ReadWavInfo decodes a WAV header and returns its format, used to validate
// voice reference audio.
func ReadWavInfo(path string) (WavInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WavInfo{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dur, err := dec.Duration()
	if err != nil {
		return WavInfo{}, fmt.Errorf("decode wav: %w", err)
	}
	if !dec.IsValidFile() {
		return WavInfo{}, fmt.Errorf("not a valid wav file: %s", path)
	}
	return WavInfo{
		SampleRate:      int(dec.SampleRate),
		Channels:        int(dec.NumChans),
		DurationSeconds: dur.Seconds(),
	}, nil
}
