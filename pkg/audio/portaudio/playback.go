package portaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/balti-ai/balti-voice/pkg/audio"
)

// maxPendingBytes bounds the playback buffer. At 16 kHz mono PCM16 this is
// about four seconds of audio; Enqueue blocks once the bound is reached so
// that a slow device applies backpressure to the response stream.
const maxPendingBytes = 128 * 1024

// PlaybackConfig holds the parameters for opening a speaker stream.
type PlaybackConfig struct {
	// SampleRate in Hz of enqueued chunks. Typical: 24000 for model output.
	SampleRate int

	// Channels is the output channel count. Enqueued chunks stay mono; a
	// stereo device renders each sample on both channels. Typical: 1.
	Channels int

	// FrameSize is the device buffer size in samples per channel.
	FrameSize int
}

// Playback implements [audio.Playback] on top of a PortAudio output stream.
//
// The device callback drains an internal byte buffer; when the buffer runs
// dry the callback writes silence, so late-arriving chunks produce a gap
// rather than a device error.
type Playback struct {
	channels int

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []byte
	stopped   bool
	closed    bool
	underruns int

	stream *portaudio.Stream
}

// OpenPlayback opens the default output device and starts rendering.
func OpenPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid playback sample rate %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = cfg.SampleRate / 50
	}

	if err := acquire(); err != nil {
		return nil, &audio.DeviceError{Device: "playback", Err: err}
	}

	p := &Playback{channels: cfg.Channels}
	p.cond = sync.NewCond(&p.mu)

	stream, err := portaudio.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), cfg.FrameSize, p.onOutput)
	if err != nil {
		release()
		return nil, &audio.DeviceError{Device: "playback", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, &audio.DeviceError{Device: "playback", Err: err}
	}

	p.stream = stream
	return p, nil
}

// onOutput runs on PortAudio's realtime thread. It copies pending PCM into
// the device buffer and zero-fills the remainder on underrun.
func (p *Playback) onOutput(out []int16) {
	p.mu.Lock()
	n := 0
	for ; n < len(out) && len(p.pending) >= 2; n++ {
		out[n] = int16(p.pending[0]) | int16(p.pending[1])<<8
		p.pending = p.pending[2:]
	}
	if n < len(out) && n > 0 {
		p.underruns++
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// Enqueue implements [audio.Playback]. It blocks while the internal buffer
// is full and returns [audio.ErrPlaybackStopped] if Stop is called before or
// while the chunk is being accepted. Chunks are mono PCM; a stereo device
// gets each sample duplicated across both channels.
func (p *Playback) Enqueue(chunk []byte) error {
	if p.channels == 2 {
		chunk = audio.MonoToStereo(chunk)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return &audio.DeviceError{Device: "playback", Err: fmt.Errorf("device closed")}
		}
		if p.stopped {
			return audio.ErrPlaybackStopped
		}
		if len(p.pending)+len(chunk) <= maxPendingBytes {
			p.pending = append(p.pending, chunk...)
			return nil
		}
		p.cond.Wait()
	}
}

// Stop implements [audio.Playback]. It discards all buffered audio; the
// device keeps running but renders silence until Reset.
func (p *Playback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Reset implements [audio.Playback]. It re-arms the playback after a Stop.
func (p *Playback) Reset() {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
}

// Underruns returns the number of device callbacks that ran out of buffered
// audio mid-fill. Intended for diagnostics.
func (p *Playback) Underruns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.underruns
}

// Close implements [audio.Playback]. Safe to call more than once.
func (p *Playback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopped = true
	p.pending = nil
	stream := p.stream
	p.stream = nil
	p.cond.Broadcast()
	p.mu.Unlock()

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
		return &audio.DeviceError{Device: "playback", Err: err}
	}
	return nil
}
