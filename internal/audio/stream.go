package audio

import (
	"encoding/binary"
	"sync"
)

// fadeBytes is ~5 ms of 48 kHz stereo 16-bit audio.
const fadeBytes = 960

// PCMStreamSource is a pull-based playback buffer. Producers call Feed and
// Finish from network callbacks while the playback driver calls Read once
// per frame interval.
type PCMStreamSource struct {
	mu          sync.Mutex
	buf         []byte
	frameSize   int
	finished    bool
	interrupted bool
}

// NewPCMStreamSource returns a source that yields frames of frameSize bytes.
// A non-positive frameSize selects FrameSize.
func NewPCMStreamSource(frameSize int) *PCMStreamSource {
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	return &PCMStreamSource{frameSize: frameSize}
}

// Feed appends PCM. Data fed after Interrupt is dropped.
func (s *PCMStreamSource) Feed(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		return
	}
	s.buf = append(s.buf, pcm...)
}

// Finish fades out the buffered tail and marks the stream complete. Buffers
// shorter than the fade window are left as is.
func (s *PCMStreamSource) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fadeOutLocked()
	s.finished = true
}

func (s *PCMStreamSource) fadeOutLocked() {
	if len(s.buf) < fadeBytes {
		return
	}
	n := fadeBytes
	tail := s.buf[len(s.buf)-n:]
	count := n / 2
	for i := 0; i < count; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(tail[i*2:])))
		v *= 1 - float64(i)/float64(count)
		binary.LittleEndian.PutUint16(tail[i*2:], uint16(int16(v)))
	}
}

// Interrupt drops buffered audio and ends the stream permanently.
func (s *PCMStreamSource) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = true
	s.buf = nil
}

// Interrupted reports whether Interrupt has been called.
func (s *PCMStreamSource) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// Read returns the next frame. It returns nil at end of stream and a frame of
// silence on underrun so the driver never stalls.
func (s *PCMStreamSource) Read() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		return nil
	}
	if len(s.buf) >= s.frameSize {
		frame := make([]byte, s.frameSize)
		copy(frame, s.buf)
		s.buf = s.buf[s.frameSize:]
		return frame
	}
	if s.finished {
		if len(s.buf) == 0 {
			return nil
		}
		frame := make([]byte, s.frameSize)
		copy(frame, s.buf)
		s.buf = nil
		return frame
	}
	return make([]byte, s.frameSize)
}

// Buffered returns the number of bytes waiting to be read.
func (s *PCMStreamSource) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Cleanup releases buffered audio without ending the stream.
func (s *PCMStreamSource) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
