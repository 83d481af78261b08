// Package audio defines the frame type and device contracts for the Balti
// Voice capture → playback pipeline.
//
// The two primary abstractions are:
//
//   - [Capture] owns the microphone device and produces a continuous
//     sequence of fixed-size PCM frames.
//   - [Playback] owns the speaker device and renders response audio chunks
//     in arrival order.
//
// Implementations are provided by device-specific adapter packages
// (e.g. audio/portaudio). The interfaces are intentionally narrow so the
// session controller stays decoupled from device details.
//
// This package lives under pkg/ because external code (alternative device
// adapters) is expected to implement [Capture] and [Playback].
package audio

import "time"

// AudioFrame represents a single fixed-duration block of PCM samples flowing
// through the pipeline. Frames are the atomic unit of audio transport:
// captured from the input device, classified by the VAD, and accumulated
// into utterances. A frame is immutable once captured.
type AudioFrame struct {
	// Data is little-endian 16-bit PCM. Sample rate and channel count are
	// fixed at session start.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for the AI gateway, 48000 for devices).
	SampleRate int

	// Channels: 1 for mono (gateway input), 2 for stereo device streams.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame, derived from its sample count.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// PCM16 decodes the frame payload into int16 samples. Used by the VAD for
// energy and zero-crossing analysis. A trailing odd byte is ignored.
func (f AudioFrame) PCM16() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(f.Data[i*2]) | int16(f.Data[i*2+1])<<8
	}
	return out
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
