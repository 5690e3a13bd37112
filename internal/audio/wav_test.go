package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMToWAVHeader(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	wav := PCMToWAV(pcm, 16000, 16, 1)
	require.Len(t, wav, 44+len(pcm))

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "WAVE", string(wav[8:12]))

	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(wav[16:20]), "PCM fmt chunk size")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[20:22]), "PCM format tag")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]), "channels")
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]), "sample rate")
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(wav[28:32]), "byte rate")
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(wav[32:34]), "block align")
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]), "bits per sample")

	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, pcm, wav[44:])
}

func TestPCMToWAVStereoRates(t *testing.T) {
	wav := PCMToWAV(make([]byte, 16), 24000, 16, 2)

	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(96000), binary.LittleEndian.Uint32(wav[28:32]), "rate * channels * 2 bytes")
	assert.Equal(t, uint16(4), binary.LittleEndian.Uint16(wav[32:34]))
}

func TestPCMToWAVEmpty(t *testing.T) {
	wav := PCMToWAV(nil, 16000, 16, 1)
	require.Len(t, wav, 44)
	assert.Equal(t, uint32(36), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestCaptureToWAV(t *testing.T) {
	pcm := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	assert.Equal(t, PCMToWAV(pcm, 16000, 16, 1), CaptureToWAV(pcm))
}
