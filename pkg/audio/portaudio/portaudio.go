// Package portaudio adapts local microphone and speaker devices to the
// [audio.Capture] and [audio.Playback] contracts using the PortAudio bindings.
//
// Device callbacks run on PortAudio's realtime thread and must never block.
// Both adapters therefore bridge the callback into a bounded queue: the
// capture callback pushes encoded frames into a channel and drops the oldest
// frame when the consumer falls behind; the playback callback pulls from a
// byte buffer fed by Enqueue and writes silence on underrun.
package portaudio

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

// initMu guards the PortAudio library refcount. PortAudio requires a global
// Initialize/Terminate pair; capture and playback may be opened and closed
// independently, so the last Close terminates the library.
var (
	initMu   sync.Mutex
	initRefs int
)

func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return err
		}
	}
	initRefs++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	initRefs--
	if initRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// pcmBytes encodes int16 samples as little-endian PCM.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
