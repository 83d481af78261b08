// Package session implements the conversational state machine at the heart of
// the voice engine. A [Controller] pulls PCM frames from an audio capture
// device, runs them through voice activity detection, submits completed
// utterances to an AI gateway, and streams the spoken reply to an audio
// playback device.
//
// The controller moves through four phases:
//
//	Idle → Listening → Thinking → Speaking → Idle
//
// Exactly one reply can be live at a time. Every gateway exchange carries a
// correlation ID; chunks whose ID no longer matches the live exchange are
// discarded, which makes interruption a matter of retiring the ID rather
// than racing the network.
//
// This package is internal because it encapsulates application-private voice
// pipeline logic and is not intended for import by external code.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotRunning is returned by session lifecycle operations when no session
// is live.
var ErrNotRunning = errors.New("session: not running")

// Phase identifies the controller's position in the conversation loop.
type Phase int

const (
	// PhaseIdle means no speech is being captured and no reply is in flight.
	PhaseIdle Phase = iota
	// PhaseListening means an utterance is being accumulated.
	PhaseListening
	// PhaseThinking means a completed utterance has been submitted and no
	// reply chunk has arrived yet.
	PhaseThinking
	// PhaseSpeaking means reply chunks are being played back.
	PhaseSpeaking
)

// String returns the lowercase phase name used in logs and the status API.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseThinking:
		return "thinking"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the phase as its lowercase name rather than a number.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses a phase name produced by [Phase.MarshalJSON].
func (p *Phase) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "listening":
		*p = PhaseListening
	case "thinking":
		*p = PhaseThinking
	case "speaking":
		*p = PhaseSpeaking
	default:
		*p = PhaseIdle
	}
	return nil
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	Phase         Phase     `json:"phase"`
	CorrelationID uint64    `json:"correlation_id,omitempty"`
	Since         time.Time `json:"since"`
	LastError     string    `json:"last_error,omitempty"`
}

// EventType distinguishes the kinds of events fanned out to subscribers.
type EventType string

const (
	// EventPhase is emitted on every phase transition.
	EventPhase EventType = "phase"
	// EventTranscript is emitted per reply text delta and per recognised
	// user utterance.
	EventTranscript EventType = "transcript"
	// EventError is emitted when a gateway exchange fails.
	EventError EventType = "error"
)

// Role identifies the speaker of a transcript event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event is a single entry in the controller's event stream.
type Event struct {
	Type          EventType `json:"type"`
	Phase         Phase     `json:"phase,omitempty"`
	Role          Role      `json:"role,omitempty"`
	Text          string    `json:"text,omitempty"`
	CorrelationID uint64    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
}

// ─── event fan-out ─────────────────────────────────────────────────────────────

// broadcaster fans events out to any number of subscribers. Delivery is
// best-effort: a subscriber that stops draining its channel loses events
// rather than stalling the pipeline.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

// subscribe registers a new buffered subscriber channel and returns it along
// with a cancel function. Cancelling closes the channel.
func (b *broadcaster) subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// publish delivers ev to every subscriber, dropping it for any whose buffer
// is full.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close shuts the broadcaster down and closes every subscriber channel.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
