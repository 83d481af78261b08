package portaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/balti-ai/balti-voice/pkg/audio"
)

// defaultFrameQueue is the capture queue depth. At 20 ms frames this buffers
// just over one second of audio before old frames are dropped.
const defaultFrameQueue = 64

// CaptureConfig holds the parameters for opening a microphone stream.
type CaptureConfig struct {
	// SampleRate in Hz. Typical: 16000.
	SampleRate int

	// FrameSize is the number of samples per channel per frame.
	// Typical: SampleRate/50 for 20 ms frames.
	FrameSize int

	// Channels is the device input channel count. Frames are downmixed to
	// mono before delivery, since the detection pipeline is mono. Typical: 1.
	Channels int
}

// Capture implements [audio.Capture] on top of a PortAudio input stream.
type Capture struct {
	format      audio.Format
	frames      chan audio.AudioFrame
	devChannels int
	conv        *audio.FormatConverter

	mu      sync.Mutex
	stream  *portaudio.Stream
	devErr  error
	closed  bool
	done    chan struct{}
	elapsed time.Duration
	dropped int
}

// OpenCapture opens the default input device and starts streaming frames.
// The returned Capture owns the device until Close.
func OpenCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("portaudio: invalid capture config: rate=%d frame=%d", cfg.SampleRate, cfg.FrameSize)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	if err := acquire(); err != nil {
		return nil, &audio.DeviceError{Device: "capture", Err: err}
	}

	c := &Capture{
		format:      audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		frames:      make(chan audio.AudioFrame, defaultFrameQueue),
		done:        make(chan struct{}),
		devChannels: cfg.Channels,
	}
	if cfg.Channels > 1 {
		c.conv = &audio.FormatConverter{Target: c.format}
	}

	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FrameSize, c.onInput)
	if err != nil {
		release()
		return nil, &audio.DeviceError{Device: "capture", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, &audio.DeviceError{Device: "capture", Err: err}
	}

	c.stream = stream
	return c, nil
}

// onInput runs on PortAudio's realtime thread. It encodes the buffer,
// downmixes multi-channel devices to mono, and performs a non-blocking send,
// dropping the oldest queued frame on overflow so the newest audio is always
// retained.
func (c *Capture) onInput(in []int16) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ts := c.elapsed
	frame := audio.AudioFrame{
		Data:       pcmBytes(in),
		SampleRate: c.format.SampleRate,
		Channels:   c.devChannels,
		Timestamp:  ts,
	}
	if c.conv != nil {
		frame = c.conv.Convert(frame)
	}
	c.elapsed += frame.Duration()
	c.mu.Unlock()

	select {
	case c.frames <- frame:
	default:
		select {
		case <-c.frames:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		default:
		}
		select {
		case c.frames <- frame:
		default:
		}
	}
}

// Read implements [audio.Capture]. It blocks until the next frame arrives,
// ctx is cancelled, or the device is closed or fails.
func (c *Capture) Read(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.devErr
		c.mu.Unlock()
		if err != nil {
			return audio.AudioFrame{}, err
		}
		return audio.AudioFrame{}, &audio.DeviceError{Device: "capture", Err: fmt.Errorf("device closed")}
	}
}

// Format implements [audio.Capture].
func (c *Capture) Format() audio.Format { return c.format }

// Dropped returns the number of frames discarded because the consumer fell
// behind the device. Intended for diagnostics.
func (c *Capture) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close implements [audio.Capture]. Safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	c.stream = nil
	close(c.done)
	c.mu.Unlock()

	var err error
	if stream != nil {
		if stopErr := stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		release()
	}
	if err != nil {
		return &audio.DeviceError{Device: "capture", Err: err}
	}
	return nil
}
