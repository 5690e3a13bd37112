// Package audio converts the agent's buffered PCM frames into container
// formats the analysis providers accept.
package audio

import "encoding/binary"

// Capture format of the room's user audio frames. The media server delivers
// 16 kHz mono 16-bit little-endian PCM; the paralinguistic provider wants the
// same samples wrapped as WAV.
const (
	CaptureSampleRate    = 16000
	CaptureBitsPerSample = 16
	CaptureChannels      = 1
)

// wavHeaderLen is the canonical RIFF/fmt/data header size for plain PCM.
const wavHeaderLen = 44

// PCMToWAV prefixes raw PCM samples with a WAV header so the bytes form a
// complete, self-describing file. The samples are not transcoded; callers
// must pass the format the PCM was captured in.
func PCMToWAV(pcm []byte, sampleRate, bitsPerSample, channels int) []byte {
	dataLen := len(pcm)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, wavHeaderLen)

	// RIFF chunk descriptor.
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(wavHeaderLen-8+dataLen))
	copy(header[8:12], "WAVE")

	// fmt sub-chunk: 16-byte PCM variant, format tag 1.
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))

	// data sub-chunk.
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return append(header, pcm...)
}

// CaptureToWAV wraps PCM in the room capture format.
func CaptureToWAV(pcm []byte) []byte {
	return PCMToWAV(pcm, CaptureSampleRate, CaptureBitsPerSample, CaptureChannels)
}
