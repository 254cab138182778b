package audio

import (
	"bytes"
	"encoding/binary"
)

// WrapWAV prepends a canonical 44-byte RIFF/WAVE header to raw PCM.
// sampleWidth is in bytes.
func WrapWAV(pcm []byte, sampleRate, channels, sampleWidth int) []byte {
	var buf bytes.Buffer
	byteRate := sampleRate * channels * sampleWidth
	blockAlign := channels * sampleWidth
	dataLen := len(pcm)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(sampleWidth*8))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}
