package portaudio

import (
	"sync"
	"testing"

	"github.com/balti-ai/balti-voice/pkg/audio"
)

// The callback and queueing paths are exercised directly so the tests run
// without an audio device.

func newTestCapture(devChannels int) *Capture {
	c := &Capture{
		format:      audio.Format{SampleRate: 16000, Channels: 1},
		frames:      make(chan audio.AudioFrame, 4),
		done:        make(chan struct{}),
		devChannels: devChannels,
	}
	if devChannels > 1 {
		c.conv = &audio.FormatConverter{Target: c.format}
	}
	return c
}

func TestCaptureDownmixesStereoDevice(t *testing.T) {
	t.Parallel()

	c := newTestCapture(2)
	c.onInput([]int16{100, 200, -100, -200})

	frame := <-c.frames
	if frame.Channels != 1 {
		t.Fatalf("channels = %d, want mono", frame.Channels)
	}
	samples := frame.PCM16()
	if len(samples) != 2 || samples[0] != 150 || samples[1] != -150 {
		t.Errorf("samples = %v, want averaged [150 -150]", samples)
	}
}

func TestCaptureMonoDevicePassesThrough(t *testing.T) {
	t.Parallel()

	c := newTestCapture(1)
	c.onInput([]int16{1, 2, 3})

	frame := <-c.frames
	samples := frame.PCM16()
	if len(samples) != 3 || samples[0] != 1 || samples[2] != 3 {
		t.Errorf("samples = %v, want [1 2 3]", samples)
	}
}

func TestCaptureDropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	c := newTestCapture(1)
	for i := range 6 {
		c.onInput([]int16{int16(i)})
	}
	if c.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", c.Dropped())
	}
	// The oldest frames went; the newest survive.
	first := <-c.frames
	if got := first.PCM16()[0]; got != 2 {
		t.Errorf("first queued sample = %d, want 2", got)
	}
}

func newTestPlayback(channels int) *Playback {
	p := &Playback{channels: channels}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func TestPlaybackDuplicatesMonoForStereoDevice(t *testing.T) {
	t.Parallel()

	p := newTestPlayback(2)
	if err := p.Enqueue([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if string(p.pending) != "\x01\x02\x01\x02" {
		t.Errorf("pending = %v, want the sample on both channels", p.pending)
	}
}

func TestPlaybackUnderrunRendersSilence(t *testing.T) {
	t.Parallel()

	p := newTestPlayback(1)
	if err := p.Enqueue([]byte{0x01, 0x00}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	out := make([]int16, 4)
	p.onOutput(out)

	if out[0] != 1 {
		t.Errorf("out[0] = %d, want 1", out[0])
	}
	for i := 1; i < len(out); i++ {
		if out[i] != 0 {
			t.Errorf("out[%d] = %d, want silence", i, out[i])
		}
	}
	if p.Underruns() != 1 {
		t.Errorf("underruns = %d, want 1", p.Underruns())
	}
}

func TestPlaybackStopDiscardsAndRejects(t *testing.T) {
	t.Parallel()

	p := newTestPlayback(1)
	if err := p.Enqueue([]byte{1, 0, 2, 0}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Stop()
	if len(p.pending) != 0 {
		t.Error("Stop left buffered audio")
	}
	if err := p.Enqueue([]byte{3, 0}); err != audio.ErrPlaybackStopped {
		t.Errorf("Enqueue after Stop = %v, want ErrPlaybackStopped", err)
	}
	p.Reset()
	if err := p.Enqueue([]byte{3, 0}); err != nil {
		t.Errorf("Enqueue after Reset: %v", err)
	}
}
