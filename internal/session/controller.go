package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/balti-ai/balti-voice/internal/observe"
	"github.com/balti-ai/balti-voice/pkg/audio"
	"github.com/balti-ai/balti-voice/pkg/gateway"
	"github.com/balti-ai/balti-voice/pkg/vad"
)

// Config carries the controller's tunables.
type Config struct {
	// VAD configures the voice activity detector. Zero fields take the
	// detector's defaults.
	VAD vad.Config

	// Instructions is the system prompt forwarded with every gateway request.
	Instructions string

	// PreRoll is how much recent audio is retained ahead of utterance
	// detection so the onset of speech is not clipped. It should cover at
	// least the VAD trigger debounce. Defaults to 500ms.
	PreRoll time.Duration

	// EventBuffer is the channel depth handed to event subscribers.
	// Defaults to 64.
	EventBuffer int
}

func (c *Config) withDefaults() {
	if c.PreRoll <= 0 {
		c.PreRoll = 500 * time.Millisecond
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithMetrics attaches metric instruments. Without it the controller records
// nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTranscriptFilter installs a redaction function applied to every
// assistant text delta before it is published.
func WithTranscriptFilter(f func(string) string) Option {
	return func(c *Controller) { c.filter = f }
}

// Controller drives the capture → detect → respond → play loop.
//
// All capture-side state (the utterance buffer, pre-roll ring and detector)
// is owned by the [Controller.Run] goroutine. Reply delivery runs on a
// per-exchange goroutine; the two sides coordinate through the live
// correlation ID, which is read and retired atomically.
type Controller struct {
	capture  audio.Capture
	playback audio.Playback
	client   gateway.Client
	detector *vad.Detector
	cfg      Config

	log     *slog.Logger
	metrics *observe.Metrics
	filter  func(string) string

	// liveID is the correlation ID of the exchange currently allowed to
	// reach playback. Zero means none. Retiring it is the interrupt
	// mechanism: stale chunks compare against it and are dropped.
	liveID atomic.Uint64
	nextID atomic.Uint64

	mu         sync.Mutex
	phase      Phase
	since      time.Time
	lastErr    error
	cancelResp context.CancelFunc
	respStream gateway.Stream

	// discard asks the Run goroutine to drop the open utterance. Set by an
	// interrupt during Listening; the capture state is Run-goroutine-owned,
	// so the discard itself happens on the next frame.
	discard bool

	// playMu serialises reply enqueues against re-arming the output device,
	// so a goroutine that passed its liveness check just before an interrupt
	// cannot slip a stale chunk in once the next exchange re-arms playback.
	playMu sync.Mutex

	// Run-goroutine-owned capture state.
	preRoll    *preRoll
	utterance  []byte
	speechFrom time.Time
	sampleRate int

	events *broadcaster
	wg     sync.WaitGroup
}

// New constructs a Controller. The voice activity detector is built from
// cfg.VAD; an invalid VAD configuration is rejected here rather than at Run
// time.
func New(capture audio.Capture, playback audio.Playback, client gateway.Client, cfg Config, opts ...Option) (*Controller, error) {
	cfg.withDefaults()

	detector, err := vad.New(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	c := &Controller{
		capture:    capture,
		playback:   playback,
		client:     client,
		detector:   detector,
		cfg:        cfg,
		log:        slog.Default(),
		preRoll:    newPreRoll(cfg.PreRoll),
		sampleRate: capture.Format().SampleRate,
		phase:      PhaseIdle,
		since:      time.Now(),
		events:     newBroadcaster(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run pulls frames from the capture device until ctx is cancelled or the
// device fails. It blocks; callers run it on its own goroutine. On return
// any in-flight exchange has been cancelled and all event subscribers'
// channels are closed.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
		defer c.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	for {
		frame, err := c.capture.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.recordErr(err)
			return fmt.Errorf("session: capture: %w", err)
		}
		c.handleFrame(ctx, frame)
	}
}

// handleFrame runs one frame through the detector and advances the state
// machine. Called only from the Run goroutine.
func (c *Controller) handleFrame(ctx context.Context, frame audio.AudioFrame) {
	if c.takeDiscard() {
		c.detector.Reset()
		c.utterance = nil
		c.preRoll.reset()
	}

	c.preRoll.push(frame)
	ev := c.detector.Feed(frame)

	if c.metrics != nil {
		c.metrics.FramesCaptured.Add(ctx, 1)
	}

	switch ev.Type {
	case vad.UtteranceStart:
		c.beginUtterance()

	case vad.Continue:
		if c.phaseNow() == PhaseListening {
			c.utterance = append(c.utterance, frame.Data...)
		}

	case vad.UtteranceEnd:
		if c.phaseNow() == PhaseListening {
			c.finishUtterance(ctx, ev.Reason)
		}
	}
}

// beginUtterance transitions into Listening. When a reply is live this is a
// barge-in: the reply is cancelled first, then capture restarts, so the new
// utterance replaces the old exchange rather than queueing behind it.
func (c *Controller) beginUtterance() {
	c.mu.Lock()
	if c.interruptLocked() {
		c.log.Info("barge-in, cancelled live reply")
	}
	c.setPhaseLocked(PhaseListening, 0)
	c.mu.Unlock()

	c.utterance = c.preRoll.bytes()
	c.speechFrom = time.Now()
}

// finishUtterance submits the accumulated utterance as a new gateway
// exchange and transitions into Thinking.
func (c *Controller) finishUtterance(ctx context.Context, reason vad.EndReason) {
	pcm := c.utterance
	c.utterance = nil
	c.preRoll.reset()

	id := c.nextID.Add(1)
	respCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.liveID.Store(id)
	c.cancelResp = cancel
	c.respStream = nil
	c.setPhaseLocked(PhaseThinking, id)
	c.mu.Unlock()

	c.rearmPlayback()

	dur := time.Since(c.speechFrom)
	c.log.Info("utterance complete",
		"correlation_id", id,
		"duration", dur,
		"bytes", len(pcm),
		"end_reason", reason,
	)
	if c.metrics != nil {
		c.metrics.UtterancesDetected.Add(ctx, 1,
			metric.WithAttributes(attribute.String("end_reason", reason.String())))
		c.metrics.UtteranceDuration.Record(ctx, dur.Seconds())
	}

	c.wg.Add(1)
	go c.respond(respCtx, id, pcm)
}

// respond runs one gateway exchange to completion, feeding playback and the
// event stream. Chunks carrying a retired correlation ID are dropped.
func (c *Controller) respond(ctx context.Context, id uint64, pcm []byte) {
	defer c.wg.Done()

	start := time.Now()
	stream, err := c.client.Send(ctx, gateway.Request{
		CorrelationID: id,
		Audio:         pcm,
		SampleRate:    c.sampleRate,
		Instructions:  c.cfg.Instructions,
	})
	if err != nil {
		c.failExchange(id, err)
		return
	}
	defer stream.Close()

	c.mu.Lock()
	if c.liveID.Load() == id {
		c.respStream = stream
	}
	c.mu.Unlock()

	first := true
	for {
		chunk, err := stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.finishExchange(id)
			case ctx.Err() != nil || c.liveID.Load() != id:
				// Interrupted; the stream was torn down deliberately.
			default:
				c.failExchange(id, err)
			}
			return
		}

		if chunk.CorrelationID != c.liveID.Load() {
			continue
		}

		if first {
			first = false
			if c.metrics != nil {
				c.metrics.FirstChunkLatency.Record(ctx, time.Since(start).Seconds())
			}
			c.mu.Lock()
			if c.liveID.Load() == id {
				c.setPhaseLocked(PhaseSpeaking, id)
			}
			c.mu.Unlock()
		}

		if chunk.TextDelta != "" {
			text := chunk.TextDelta
			if c.filter != nil {
				text = c.filter(text)
			}
			c.events.publish(Event{
				Type:          EventTranscript,
				Role:          RoleAssistant,
				Text:          text,
				CorrelationID: id,
				Time:          time.Now(),
			})
		}

		if len(chunk.Audio) > 0 {
			if err := c.enqueueLive(id, chunk.Audio); err != nil {
				if errors.Is(err, audio.ErrPlaybackStopped) {
					// Lost the race with an interrupt.
					return
				}
				c.failExchange(id, fmt.Errorf("playback: %w", err))
				return
			}
		}

		if chunk.Final {
			c.finishExchange(id)
			return
		}
	}
}

// finishExchange retires id after a clean reply and returns to Idle. A
// no-op when the exchange was already interrupted.
func (c *Controller) finishExchange(id uint64) {
	if !c.liveID.CompareAndSwap(id, 0) {
		return
	}
	c.mu.Lock()
	c.cancelResp = nil
	c.respStream = nil
	c.setPhaseLocked(PhaseIdle, 0)
	c.mu.Unlock()
	c.log.Info("reply complete", "correlation_id", id)
}

// failExchange retires id after a gateway failure, records the error, and
// returns to Idle. A no-op when the exchange was already interrupted.
func (c *Controller) failExchange(id uint64, err error) {
	if !c.liveID.CompareAndSwap(id, 0) {
		return
	}
	c.mu.Lock()
	c.cancelResp = nil
	c.respStream = nil
	c.lastErr = err
	c.setPhaseLocked(PhaseIdle, 0)
	c.mu.Unlock()

	c.log.Error("gateway exchange failed", "correlation_id", id, "err", err)
	if c.metrics != nil {
		c.metrics.GatewayErrors.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", errorKind(err))))
	}
	c.events.publish(Event{
		Type:          EventError,
		Text:          err.Error(),
		CorrelationID: id,
		Time:          time.Now(),
	})
}

// Interrupt cancels the live exchange, if any, and returns the session to
// Idle. During Listening the open utterance is discarded instead. Reports
// whether anything was cancelled; calling it while idle is a no-op, so
// concurrent or repeated interrupts are safe.
func (c *Controller) Interrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptLocked()
}

// interruptLocked retires the live correlation ID and tears the exchange
// down: the stream is closed and pending playback is discarded. The device
// stays silenced until the next exchange re-arms it. Must be called with
// c.mu held.
func (c *Controller) interruptLocked() bool {
	id := c.liveID.Load()
	if id == 0 {
		if c.phase != PhaseListening {
			return false
		}
		// An open utterance with no exchange yet. The capture state is
		// owned by the Run goroutine, so flag it for discard there.
		c.discard = true
		c.setPhaseLocked(PhaseIdle, 0)
		if c.metrics != nil {
			c.metrics.Interrupts.Add(context.Background(), 1)
		}
		c.log.Info("utterance discarded by interrupt")
		return true
	}
	c.liveID.Store(0)

	if c.cancelResp != nil {
		c.cancelResp()
		c.cancelResp = nil
	}
	if c.respStream != nil {
		_ = c.respStream.Close()
		c.respStream = nil
	}
	c.playback.Stop()
	c.setPhaseLocked(PhaseIdle, 0)

	if c.metrics != nil {
		c.metrics.Interrupts.Add(context.Background(), 1)
	}
	c.log.Info("reply interrupted", "correlation_id", id)
	return true
}

// takeDiscard consumes the pending-discard flag.
func (c *Controller) takeDiscard() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.discard
	c.discard = false
	return d
}

// enqueueLive delivers a reply chunk to playback if id is still the live
// exchange. The check and the enqueue are atomic with respect to
// rearmPlayback, which closes the window left by checking liveID alone.
func (c *Controller) enqueueLive(id uint64, chunk []byte) error {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	if c.liveID.Load() != id {
		return audio.ErrPlaybackStopped
	}
	return c.playback.Enqueue(chunk)
}

// rearmPlayback re-enables the output device at the start of an exchange.
// Playback.Stop does not take playMu: it must stay callable while an enqueue
// is blocked on device backpressure, since Stop is what unblocks it.
func (c *Controller) rearmPlayback() {
	c.playMu.Lock()
	c.playback.Reset()
	c.playMu.Unlock()
}

// setPhaseLocked records the transition, publishes a phase event, and
// updates the phase-duration histogram for the phase being left. Must be
// called with c.mu held.
func (c *Controller) setPhaseLocked(p Phase, id uint64) {
	if p == c.phase {
		return
	}
	now := time.Now()
	if c.metrics != nil {
		c.metrics.PhaseDuration.Record(context.Background(), now.Sub(c.since).Seconds(),
			metric.WithAttributes(attribute.String("phase", c.phase.String())))
	}
	c.phase = p
	c.since = now
	c.events.publish(Event{
		Type:          EventPhase,
		Phase:         p,
		CorrelationID: id,
		Time:          now,
	})
}

func (c *Controller) phaseNow() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Status returns a point-in-time snapshot for the status API.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Phase:         c.phase,
		CorrelationID: c.liveID.Load(),
		Since:         c.since,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Events subscribes to the controller's event stream. The returned cancel
// function releases the subscription and closes the channel; the channel is
// also closed when Run returns.
func (c *Controller) Events() (<-chan Event, func()) {
	return c.events.subscribe(c.cfg.EventBuffer)
}

// shutdown cancels any in-flight exchange, waits for reply goroutines, and
// closes the event stream.
func (c *Controller) shutdown() {
	c.mu.Lock()
	c.interruptLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.events.close()
}

// errorKind maps a gateway failure onto a low-cardinality metric label.
func errorKind(err error) string {
	var reqErr *gateway.RequestError
	var protoErr *gateway.ProtocolError
	var transErr *gateway.TransportError
	switch {
	case errors.As(err, &reqErr):
		return "request_" + string(reqErr.Reason)
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &transErr):
		return "transport"
	default:
		return "other"
	}
}
