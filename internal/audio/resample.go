// Package audio converts and buffers 16-bit little-endian PCM for the voice
// pipeline.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Playback format of the voice transport: 48 kHz, stereo, 16-bit, 20 ms frames.
const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerSample = 2
	FrameSize      = SampleRate / 50 * Channels * BytesPerSample // 3840
)

// ErrMalformedPCM is returned when a buffer cannot be read as whole samples.
var ErrMalformedPCM = errors.New("audio: malformed pcm length")

// StereoToMono averages interleaved left/right samples, halving the length.
// The average floors like an arithmetic shift so -1,0 maps to -1.
func StereoToMono(pcm []byte) ([]byte, error) {
	if len(pcm)%(2*BytesPerSample) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not whole stereo frames", ErrMalformedPCM, len(pcm))
	}
	out := make([]byte, len(pcm)/2)
	for i, o := 0, 0; i < len(pcm); i, o = i+4, o+2 {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i+2:])))
		binary.LittleEndian.PutUint16(out[o:], uint16(int16((l+r)>>1)))
	}
	return out, nil
}

// MonoToStereo duplicates each sample into left and right, doubling the length.
func MonoToStereo(pcm []byte) ([]byte, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not whole samples", ErrMalformedPCM, len(pcm))
	}
	out := make([]byte, len(pcm)*2)
	for i, o := 0, 0; i < len(pcm); i, o = i+2, o+4 {
		out[o], out[o+1] = pcm[i], pcm[i+1]
		out[o+2], out[o+3] = pcm[i], pcm[i+1]
	}
	return out, nil
}

// ResampleRate converts mono PCM between sample rates using linear
// interpolation. Equal rates return a copy.
func ResampleRate(pcm []byte, fromHz, toHz int) ([]byte, error) {
	if fromHz <= 0 || toHz <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rates from=%d to=%d", fromHz, toHz)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not whole samples", ErrMalformedPCM, len(pcm))
	}
	if fromHz == toHz {
		return append([]byte(nil), pcm...), nil
	}
	in := decodeSamples(pcm)
	if len(in) == 0 {
		return []byte{}, nil
	}
	n := int(int64(len(in)) * int64(toHz) / int64(fromHz))
	out := make([]int16, n)
	ratio := float64(fromHz) / float64(toHz)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(idx)
		s0, s1 := float64(in[idx]), float64(in[idx+1])
		out[i] = int16(s0 + frac*(s1-s0))
	}
	return encodeSamples(out), nil
}

// ToPlayback converts mono PCM at rateHz into the transport's 48 kHz stereo
// layout.
func ToPlayback(mono []byte, rateHz int) ([]byte, error) {
	resampled, err := ResampleRate(mono, rateHz, SampleRate)
	if err != nil {
		return nil, err
	}
	return MonoToStereo(resampled)
}

func decodeSamples(pcm []byte) []int16 {
	s := make([]int16, len(pcm)/BytesPerSample)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return s
}

func encodeSamples(s []int16) []byte {
	out := make([]byte, len(s)*BytesPerSample)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Int16ToBytes and BytesToInt16 bridge codecs that work on sample slices.
func Int16ToBytes(s []int16) []byte { return encodeSamples(s) }

func BytesToInt16(pcm []byte) []int16 { return decodeSamples(pcm[:len(pcm)-len(pcm)%2]) }
