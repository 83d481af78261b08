package session

import (
	"time"

	"github.com/balti-ai/balti-voice/pkg/audio"
)

// preRoll is a bounded ring of recent capture frames. Voice activity
// detection only announces an utterance after its trigger debounce has
// elapsed, so the frames that carried the onset of speech have already gone
// by. The ring lets the controller splice them back onto the front of the
// utterance.
type preRoll struct {
	frames []audio.AudioFrame
	total  time.Duration
	max    time.Duration
}

func newPreRoll(max time.Duration) *preRoll {
	return &preRoll{max: max}
}

// push appends frame and evicts from the front until the retained duration
// fits the configured window again.
func (p *preRoll) push(frame audio.AudioFrame) {
	p.frames = append(p.frames, frame)
	p.total += frame.Duration()
	for len(p.frames) > 1 && p.total-p.frames[0].Duration() >= p.max {
		p.total -= p.frames[0].Duration()
		p.frames = p.frames[1:]
	}
}

// bytes returns a copy of the buffered PCM, oldest frame first.
func (p *preRoll) bytes() []byte {
	var n int
	for _, f := range p.frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range p.frames {
		out = append(out, f.Data...)
	}
	return out
}

// reset discards all buffered frames.
func (p *preRoll) reset() {
	p.frames = p.frames[:0]
	p.total = 0
}
