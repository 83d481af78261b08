// Package mock provides in-memory mock implementations of the [audio.Capture]
// and [audio.Playback] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	cap := mock.NewCapture(16)
//	cap.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	frame, err := cap.Read(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/balti-ai/balti-voice/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Frames pushed via
// [Capture.Push] are returned by Read in order. Closing the capture makes
// Read return FailWith (or a generic DeviceError when FailWith is nil).
type Capture struct {
	// FormatResult is returned by [Capture.Format].
	FormatResult audio.Format

	// FailWith, when non-nil, is the error Read returns after Close.
	FailWith error

	mu        sync.Mutex
	frames    chan audio.AudioFrame
	done      chan struct{}
	closed    bool
	readCalls int
}

// NewCapture creates a mock capture with a frame queue of depth buf.
func NewCapture(buf int) *Capture {
	return &Capture{
		FormatResult: audio.Format{SampleRate: 16000, Channels: 1},
		frames:       make(chan audio.AudioFrame, buf),
		done:         make(chan struct{}),
	}
}

// Push queues a frame for a future Read call. Panics if the queue is full;
// size the buffer to the test scenario.
func (c *Capture) Push(frame audio.AudioFrame) {
	select {
	case c.frames <- frame:
	default:
		panic("mock capture: frame queue full")
	}
}

// Read implements [audio.Capture].
func (c *Capture) Read(ctx context.Context) (audio.AudioFrame, error) {
	c.mu.Lock()
	c.readCalls++
	c.mu.Unlock()

	select {
	case frame := <-c.frames:
		return frame, nil
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-c.done:
		// Drain frames queued before Close so scripted scenarios finish.
		select {
		case frame := <-c.frames:
			return frame, nil
		default:
		}
		c.mu.Lock()
		err := c.FailWith
		c.mu.Unlock()
		if err == nil {
			err = &audio.DeviceError{Device: "capture", Err: context.Canceled}
		}
		return audio.AudioFrame{}, err
	}
}

// Format implements [audio.Capture].
func (c *Capture) Format() audio.Format { return c.FormatResult }

// ReadCalls returns how many times Read was called.
func (c *Capture) ReadCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCalls
}

// Close implements [audio.Capture]. Safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock implementation of [audio.Playback] that records every
// enqueued chunk. Tests inspect [Playback.Chunks] to assert ordering and
// [Playback.StopCalls] to assert interruption behaviour.
type Playback struct {
	// EnqueueError, when non-nil, is returned by every Enqueue call.
	EnqueueError error

	mu         sync.Mutex
	chunks     [][]byte
	stopped    bool
	closed     bool
	stopCalls  int
	resetCalls int
}

// NewPlayback creates a mock playback.
func NewPlayback() *Playback { return &Playback{} }

// Enqueue implements [audio.Playback].
func (p *Playback) Enqueue(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EnqueueError != nil {
		return p.EnqueueError
	}
	if p.closed {
		return &audio.DeviceError{Device: "playback", Err: context.Canceled}
	}
	if p.stopped {
		return audio.ErrPlaybackStopped
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	p.chunks = append(p.chunks, cp)
	return nil
}

// Stop implements [audio.Playback].
func (p *Playback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.stopCalls++
}

// Reset implements [audio.Playback].
func (p *Playback) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = false
	p.resetCalls++
}

// Close implements [audio.Playback].
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Chunks returns a copy of all chunks accepted so far, in enqueue order.
func (p *Playback) Chunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.chunks))
	copy(out, p.chunks)
	return out
}

// StopCalls returns how many times Stop was called.
func (p *Playback) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls
}

// ResetCalls returns how many times Reset was called.
func (p *Playback) ResetCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetCalls
}
