package app

import (
	"github.com/balti-ai/balti-voice/internal/config"
	"github.com/balti-ai/balti-voice/pkg/audio"
	paudio "github.com/balti-ai/balti-voice/pkg/audio/portaudio"
)

// PortAudioDevices opens the host's default microphone and speaker through
// PortAudio. It is the production [Devices] implementation.
type PortAudioDevices struct{}

var _ Devices = PortAudioDevices{}

func (PortAudioDevices) OpenCapture(cfg config.AudioConfig) (audio.Capture, error) {
	return paudio.OpenCapture(paudio.CaptureConfig{
		SampleRate: cfg.SampleRate,
		FrameSize:  cfg.SampleRate * cfg.FrameMs / 1000,
		Channels:   1,
	})
}

func (PortAudioDevices) OpenPlayback(cfg config.AudioConfig) (audio.Playback, error) {
	return paudio.OpenPlayback(paudio.PlaybackConfig{
		SampleRate: cfg.PlaybackSampleRate,
		Channels:   1,
	})
}
