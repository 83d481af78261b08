package audio

import (
	"testing"
	"time"
)

// pcm16le encodes samples as little-endian bytes for test fixtures.
func pcm16le(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	frame := AudioFrame{
		Data:       make([]byte, 640), // 320 samples
		SampleRate: 16000,
		Channels:   1,
	}
	if got, want := frame.Duration(), 20*time.Millisecond; got != want {
		t.Fatalf("Duration: want %v, got %v", want, got)
	}

	if d := (AudioFrame{}).Duration(); d != 0 {
		t.Fatalf("zero frame Duration: want 0, got %v", d)
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()

	want := []int16{0, 1, -1, 32767, -32768, 12345}
	frame := AudioFrame{Data: pcm16le(want...)}
	got := frame.PCM16()
	if len(got) != len(want) {
		t.Fatalf("PCM16 length: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PCM16[%d]: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{
			name: "averages channels",
			in:   pcm16le(100, 200, -100, -200),
			want: pcm16le(150, -150),
		},
		{
			name: "no overflow at extremes",
			in:   pcm16le(32767, 32767),
			want: pcm16le(32767),
		},
		{
			name: "empty input",
			in:   nil,
			want: pcm16le(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StereoToMono(tt.in)
			if string(got) != string(tt.want) {
				t.Fatalf("StereoToMono(%v): want %v, got %v", tt.in, tt.want, got)
			}
		})
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()

	got := MonoToStereo(pcm16le(7, -7))
	want := pcm16le(7, 7, -7, -7)
	if string(got) != string(want) {
		t.Fatalf("MonoToStereo: want %v, got %v", want, got)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	t.Run("identity when rates match", func(t *testing.T) {
		in := pcm16le(1, 2, 3)
		got := ResampleMono16(in, 16000, 16000)
		if string(got) != string(in) {
			t.Fatalf("identity resample changed data")
		}
	})

	t.Run("halves sample count on 2:1 downsample", func(t *testing.T) {
		in := make([]byte, 320*2)
		got := ResampleMono16(in, 32000, 16000)
		if len(got) != 160*2 {
			t.Fatalf("downsample length: want %d, got %d", 160*2, len(got))
		}
	})

	t.Run("doubles sample count on 1:2 upsample", func(t *testing.T) {
		in := make([]byte, 160*2)
		got := ResampleMono16(in, 16000, 32000)
		if len(got) != 320*2 {
			t.Fatalf("upsample length: want %d, got %d", 320*2, len(got))
		}
	})
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	t.Run("fast path keeps frame untouched", func(t *testing.T) {
		conv := FormatConverter{Target: Format{SampleRate: 16000, Channels: 1}}
		in := AudioFrame{Data: pcm16le(5), SampleRate: 16000, Channels: 1}
		got := conv.Convert(in)
		if string(got.Data) != string(in.Data) {
			t.Fatalf("fast path modified data")
		}
	})

	t.Run("stereo 48k to mono 16k", func(t *testing.T) {
		conv := FormatConverter{Target: Format{SampleRate: 16000, Channels: 1}}
		in := AudioFrame{Data: make([]byte, 960*4), SampleRate: 48000, Channels: 2}
		got := conv.Convert(in)
		if got.SampleRate != 16000 || got.Channels != 1 {
			t.Fatalf("format: want 16000/1, got %d/%d", got.SampleRate, got.Channels)
		}
		if len(got.Data) != 320*2 {
			t.Fatalf("converted length: want %d, got %d", 320*2, len(got.Data))
		}
	})

	t.Run("odd byte count drops frame data", func(t *testing.T) {
		conv := FormatConverter{Target: Format{SampleRate: 16000, Channels: 1}}
		got := conv.Convert(AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
		if len(got.Data) != 0 {
			t.Fatalf("corrupt frame: want empty data, got %d bytes", len(got.Data))
		}
	})
}
