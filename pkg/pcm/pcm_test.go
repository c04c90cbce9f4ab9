package pcm_test

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/calmahq/calma/pkg/pcm"
)

// ─── TestEncodeFrame_Clamping ────────────────────────────────────────────────

func TestEncodeFrame_Clamping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sample float32
		want   int16
	}{
		{"zero", 0, 0},
		{"positive full scale", 1, 32767},
		{"negative full scale", -1, -32768},
		{"above range clamps", 2.5, 32767},
		{"below range clamps", -3, -32768},
		{"half scale positive", 0.5, 16383},
		{"half scale negative", -0.5, -16384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := pcm.EncodeFrame([]float32{tt.sample})
			if len(data) != 2 {
				t.Fatalf("want 2 bytes, got %d", len(data))
			}
			got := int16(uint16(data[0]) | uint16(data[1])<<8)
			if got != tt.want {
				t.Fatalf("sample %v: want %d, got %d", tt.sample, tt.want, got)
			}
		})
	}
}

// ─── TestEncodeDecode_RoundTrip ──────────────────────────────────────────────

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = rng.Float32()*2 - 1
	}

	buf, err := pcm.DecodeChunk(pcm.EncodeFrame(samples), 16000)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if len(buf.Samples) != len(samples) {
		t.Fatalf("want %d samples, got %d", len(samples), len(buf.Samples))
	}

	// Quantisation error per sample must stay within one LSB of int16.
	const tol = 1.0 / 32768.0
	for i, want := range samples {
		if diff := math.Abs(float64(buf.Samples[i] - want)); diff > tol {
			t.Fatalf("sample %d: round-trip error %v exceeds %v (want %v, got %v)",
				i, diff, tol, want, buf.Samples[i])
		}
	}
}

// ─── TestDecodeChunk_OddLength ───────────────────────────────────────────────

func TestDecodeChunk_OddLength(t *testing.T) {
	t.Parallel()

	_, err := pcm.DecodeChunk([]byte{0x01, 0x02, 0x03}, 24000)
	if !errors.Is(err, pcm.ErrMalformedAudio) {
		t.Fatalf("want ErrMalformedAudio, got %v", err)
	}
}

// ─── TestDecodeChunk_Empty ───────────────────────────────────────────────────

func TestDecodeChunk_Empty(t *testing.T) {
	t.Parallel()

	buf, err := pcm.DecodeChunk(nil, 24000)
	if err != nil {
		t.Fatalf("DecodeChunk(nil): %v", err)
	}
	if len(buf.Samples) != 0 {
		t.Fatalf("want empty buffer, got %d samples", len(buf.Samples))
	}
}

// ─── TestBuffer_Duration ─────────────────────────────────────────────────────

func TestBuffer_Duration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		buf  pcm.Buffer
		want time.Duration
	}{
		{"one second at 24k", pcm.Buffer{Samples: make([]float32, 24000), SampleRate: 24000}, time.Second},
		{"half second at 16k", pcm.Buffer{Samples: make([]float32, 8000), SampleRate: 16000}, 500 * time.Millisecond},
		{"zero rate", pcm.Buffer{Samples: make([]float32, 100)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.buf.Duration(); got != tt.want {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
		})
	}
}

// ─── TestTransport_RoundTrip ─────────────────────────────────────────────────

func TestTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	// Exercise all byte values including NUL and high bytes.
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i % 256)
	}

	decoded, err := pcm.FromTransport(pcm.ToTransport(data))
	if err != nil {
		t.Fatalf("FromTransport: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("transport round trip is not exact")
	}
}

// ─── TestFromTransport_Invalid ───────────────────────────────────────────────

func TestFromTransport_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := pcm.FromTransport("not!!valid??base64"); err == nil {
		t.Fatal("want error for invalid transport payload, got nil")
	}
}
