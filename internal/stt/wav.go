package stt

import (
	"bytes"
	"encoding/binary"
)

const (
	defaultSampleRate = 16000
	defaultChannels   = 1
	defaultBitDepth   = 16
)

// isWAV reports whether data already carries a RIFF/WAVE header.
func isWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// ensureWAV returns data unchanged when it is already a WAV container,
// otherwise wraps it as 16 kHz mono 16-bit PCM. Providers receive an
// in-memory WAV buffer either way.
func ensureWAV(data []byte) []byte {
	if isWAV(data) {
		return data
	}
	return encodeWAV(data, defaultSampleRate, defaultChannels, defaultBitDepth)
}

// encodeWAV writes the canonical 44-byte PCM header in front of raw samples.
func encodeWAV(pcm []byte, sampleRate, channels, bitDepth int) []byte {
	blockAlign := channels * bitDepth / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitDepth))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
