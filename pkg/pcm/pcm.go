// Package pcm converts between normalised float32 audio samples and the
// 16-bit little-endian PCM byte streams used on the wire, plus the base64
// transport encoding the remote speech service expects for binary payloads.
//
// All functions are pure and allocation-bounded; they are called from audio
// callbacks and must complete well within one frame period.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedAudio is returned by DecodeChunk when the byte stream cannot be
// interpreted as 16-bit PCM (odd length).
var ErrMalformedAudio = errors.New("pcm: malformed audio chunk")

// Buffer holds decoded mono audio samples at a known sample rate.
type Buffer struct {
	// Samples are normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int
}

// Duration returns the playback duration of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// EncodeFrame converts normalised float32 samples to 16-bit signed
// little-endian PCM. Samples are clamped to [-1, 1]; negative values scale by
// 32768 and positive by 32767 so both extremes map onto the int16 range
// without overflow. The conversion is lossy (quantisation).
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

// DecodeChunk converts 16-bit signed little-endian PCM bytes into a Buffer at
// the given sample rate. Returns ErrMalformedAudio if the byte length is not
// a multiple of two.
func DecodeChunk(data []byte, sampleRate int) (Buffer, error) {
	if len(data)%2 != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrMalformedAudio, len(data))
	}
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		samples[i] = float32(v) / 32768.0
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// ToTransport encodes binary audio for the text-based transport.
func ToTransport(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromTransport decodes a transport-encoded payload back to raw bytes.
// The round trip through ToTransport is exact for all byte sequences.
func FromTransport(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pcm: transport decode: %w", err)
	}
	return data, nil
}
