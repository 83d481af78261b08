package audio

import (
	"context"
	"fmt"
)

// DeviceError reports a capture or playback hardware failure. It is fatal to
// the current session but recoverable by reopening the device.
type DeviceError struct {
	// Device is "capture" or "playback".
	Device string

	// Err is the underlying driver error.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: %s device: %v", e.Device, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *DeviceError) Unwrap() error { return e.Err }

// Capture owns an audio input device for the lifetime of a session.
//
// Read produces an effectively infinite sequence of frames at real-time
// cadence. A Capture is not restartable: once Close is called (or the device
// fails), a fresh Capture must be opened for the next session.
//
// Implementations must adapt callback-driven device APIs behind this blocking
// contract using a bounded queue plus a dedicated goroutine, so the session
// controller's state machine never runs inside a device callback.
type Capture interface {
	// Read blocks until the next frame is available, ctx is cancelled, or the
	// device fails. Device failures are reported as a [*DeviceError].
	Read(ctx context.Context) (AudioFrame, error)

	// Format returns the sample rate and channel count of produced frames.
	// Constant for the lifetime of the Capture.
	Format() Format

	// Close releases the device. Pending and subsequent Read calls return an
	// error. Safe to call more than once.
	Close() error
}

// Playback owns an audio output device for the lifetime of a session.
//
// Chunks are rendered in arrival order without gaps. When chunks arrive
// slower than real-time consumption, implementations hold silence rather
// than terminating (underruns are tolerated).
//
// Stop is the interrupt path: it must be safe to call concurrently with
// Enqueue and guarantees no further audio is emitted after it returns.
type Playback interface {
	// Enqueue appends a PCM chunk to the render queue. It may block briefly
	// for backpressure when the queue is full. Returns a [*DeviceError] if
	// the device has failed, or [ErrPlaybackStopped] after Stop.
	Enqueue(chunk []byte) error

	// Stop flushes the queue and aborts rendering. After Stop returns, no
	// further audio is emitted; Enqueue calls fail until Reset.
	Stop()

	// Reset re-arms the playback after a Stop so the next response can be
	// rendered without reopening the device.
	Reset()

	// Close stops rendering and releases the device. Safe to call more than
	// once.
	Close() error
}

// ErrPlaybackStopped is returned by [Playback.Enqueue] after [Playback.Stop]
// until the playback is reset. It lets an in-flight response stream discover
// an interrupt without racing the session controller.
var ErrPlaybackStopped = fmt.Errorf("audio: playback stopped")
