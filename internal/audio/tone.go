package audio

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

// SynthesizeTone renders a sine tone with a short linear fade-in and fade-out
// and returns it as interleaved stereo 16-bit PCM.
func SynthesizeTone(frequency float64, durationMs, sampleRate int, volume float64) []byte {
	n := sampleRate * durationMs / 1000
	fade := min(n/3, int(float64(sampleRate)*0.03))
	fadeIn := max(fade/3, 1)

	mono := make([]int16, n)
	for i := range mono {
		t := float64(i) / float64(sampleRate)
		v := math.Sin(2*math.Pi*frequency*t) * volume
		switch {
		case i < fadeIn:
			v *= float64(i) / float64(fadeIn)
		case fade > 0 && i >= n-fade:
			v *= float64(n-i) / float64(fade)
		}
		mono[i] = int16(v * 32767)
	}
	stereo, _ := MonoToStereo(encodeSamples(mono))
	return stereo
}

// AckTone is the default acknowledgment cue: 880 Hz for 150 ms at 0.3 volume.
func AckTone() []byte {
	return SynthesizeTone(880, 150, SampleRate, 0.3)
}

// LoadCue reads a 16-bit mono or stereo WAV file and converts it to the
// playback layout.
func LoadCue(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio: %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode %s: %w", path, err)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("audio: %s has %d-bit samples, want 16", path, dec.BitDepth)
	}
	chans := buf.Format.NumChannels
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	pcm := encodeSamples(samples)
	switch chans {
	case 1:
	case 2:
		if pcm, err = StereoToMono(pcm[:len(pcm)-len(pcm)%4]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("audio: %s has %d channels", path, chans)
	}
	return ToPlayback(pcm, buf.Format.SampleRate)
}
