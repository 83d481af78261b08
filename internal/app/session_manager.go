package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/balti-ai/balti-voice/internal/config"
	"github.com/balti-ai/balti-voice/internal/observe"
	"github.com/balti-ai/balti-voice/internal/session"
	"github.com/balti-ai/balti-voice/internal/transcript"
	"github.com/balti-ai/balti-voice/internal/transcript/store"
	"github.com/balti-ai/balti-voice/pkg/audio"
	"github.com/balti-ai/balti-voice/pkg/gateway"
	"github.com/balti-ai/balti-voice/pkg/vad"
)

// Devices opens the audio endpoints for a session. The production
// implementation is [PortAudioDevices]; tests inject mocks.
type Devices interface {
	OpenCapture(cfg config.AudioConfig) (audio.Capture, error)
	OpenPlayback(cfg config.AudioConfig) (audio.Playback, error)
}

// TranscriptStore persists finished utterances. Satisfied by [store.Store].
type TranscriptStore interface {
	WriteEntry(ctx context.Context, entry store.Entry) error
}

// SessionManager owns the lifecycle of the voice session. At most one session
// can be live at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg      *config.Config
	registry *config.Registry
	devices  Devices
	metrics  *observe.Metrics
	store    TranscriptStore
	log      *slog.Logger

	mu        sync.Mutex
	ctrl      *session.Controller
	cancel    context.CancelFunc
	runDone   chan struct{}
	pollDone  chan struct{}
	startedAt time.Time

	// closers are called in reverse order during Stop.
	closers []func() error
}

// SessionManagerConfig holds the dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Registry *config.Registry
	Devices  Devices
	Metrics  *observe.Metrics
	Store    TranscriptStore
	Logger   *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		cfg:      cfg.Config,
		registry: cfg.Registry,
		devices:  cfg.Devices,
		metrics:  cfg.Metrics,
		store:    cfg.Store,
		log:      log,
	}
}

// Start opens the audio devices, builds the configured gateway client and
// begins the capture loop. Returns an error if a session is already live.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctrl != nil {
		return fmt.Errorf("session: already active since %s", sm.startedAt.Format(time.RFC3339))
	}

	client, err := sm.buildGateway()
	if err != nil {
		return fmt.Errorf("session: build gateway: %w", err)
	}

	audioCfg := effectiveAudio(sm.cfg.Audio)
	capture, err := sm.devices.OpenCapture(audioCfg)
	if err != nil {
		return fmt.Errorf("session: open capture: %w", err)
	}
	playback, err := sm.devices.OpenPlayback(audioCfg)
	if err != nil {
		_ = capture.Close()
		return fmt.Errorf("session: open playback: %w", err)
	}

	// Reply audio arrives at the gateway rate; a device opened at another
	// rate gets it resampled on the way in.
	var sessionPlayback audio.Playback = playback
	if audioCfg.PlaybackSampleRate != gatewayOutputRate {
		sessionPlayback = &resampledPlayback{
			Playback: playback,
			from:     gatewayOutputRate,
			to:       audioCfg.PlaybackSampleRate,
		}
	}

	opts := []session.Option{
		session.WithLogger(sm.log),
		session.WithMetrics(sm.metrics),
	}
	if words := sm.cfg.Assistant.ForbiddenWords; len(words) > 0 {
		filter := transcript.NewFilter(words)
		opts = append(opts, session.WithTranscriptFilter(filter.Redact))
	}

	ctrl, err := session.New(capture, sessionPlayback, client, session.Config{
		VAD:          vadConfig(sm.cfg.VAD),
		Instructions: transcript.BuildInstructions(sm.cfg.Assistant),
	}, opts...)
	if err != nil {
		_ = playback.Close()
		_ = capture.Close()
		return fmt.Errorf("session: %w", err)
	}

	// The run context outlives the Start request.
	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})

	if sm.store != nil {
		events, unsubscribe := ctrl.Events()
		go sm.recordTranscripts(runCtx, events, unsubscribe)
	}

	var pollDone chan struct{}
	if sm.metrics != nil {
		pollDone = make(chan struct{})
		go func() {
			defer close(pollDone)
			sm.pollDeviceCounters(runCtx, capture, playback)
		}()
	}

	go func() {
		defer close(runDone)
		if err := ctrl.Run(runCtx); err != nil {
			sm.log.Error("session run failed", "err", err)
		}
	}()

	sm.ctrl = ctrl
	sm.cancel = cancel
	sm.runDone = runDone
	sm.pollDone = pollDone
	sm.startedAt = time.Now()
	sm.closers = []func() error{capture.Close, playback.Close}

	sm.log.Info("session started",
		"gateway", sm.cfg.Gateway.Name,
		"sample_rate", audioCfg.SampleRate,
		"playback_rate", audioCfg.PlaybackSampleRate,
	)
	return nil
}

// Stop ends the live session: the capture loop is cancelled, any in-flight
// reply is dropped, and the audio devices are closed. Returns
// [session.ErrNotRunning] when idle.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctrl == nil {
		return session.ErrNotRunning
	}

	sm.cancel()
	select {
	case <-sm.runDone:
	case <-ctx.Done():
		sm.log.Warn("session stop timed out waiting for capture loop")
	}
	if sm.pollDone != nil {
		select {
		case <-sm.pollDone:
		case <-ctx.Done():
		}
	}

	for i := len(sm.closers) - 1; i >= 0; i-- {
		if err := sm.closers[i](); err != nil {
			sm.log.Warn("session: closer error", "index", i, "err", err)
		}
	}

	sm.ctrl = nil
	sm.cancel = nil
	sm.runDone = nil
	sm.pollDone = nil
	sm.closers = nil
	sm.startedAt = time.Time{}

	sm.log.Info("session stopped")
	return nil
}

// Interrupt cancels the in-flight exchange of the live session. Reports
// whether anything was actually cancelled.
func (sm *SessionManager) Interrupt() (bool, error) {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		return false, session.ErrNotRunning
	}
	return ctrl.Interrupt(), nil
}

// Status returns the live session's snapshot. The bool is false when idle.
func (sm *SessionManager) Status() (session.Status, bool) {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		return session.Status{}, false
	}
	return ctrl.Status(), true
}

// Events subscribes to the live session's event feed.
func (sm *SessionManager) Events() (<-chan session.Event, func(), error) {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		return nil, nil, session.ErrNotRunning
	}
	events, cancel := ctrl.Events()
	return events, cancel, nil
}

// Running reports whether a session is live.
func (sm *SessionManager) Running() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl != nil
}

// buildGateway creates the configured gateway client and wraps it with the
// retry policy.
func (sm *SessionManager) buildGateway() (gateway.Client, error) {
	client, err := sm.registry.CreateGateway(sm.cfg.Gateway)
	if err != nil {
		return nil, err
	}

	r := sm.cfg.Gateway.Retry
	retryCfg := gateway.RetryConfig{
		MaxAttempts: r.MaxAttempts,
		Backoff:     time.Duration(r.BackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(r.MaxBackoffMs) * time.Millisecond,
	}
	if sm.metrics != nil {
		retryCfg.OnRetry = func(int, error) {
			sm.metrics.GatewayRetries.Add(context.Background(), 1)
		}
	}

	wrapped := gateway.Client(gateway.NewRetryClient(client, retryCfg))
	if sm.metrics != nil {
		// Outside the retry layer, so an exchange counts once however many
		// attempts it took.
		wrapped = &meteredClient{inner: wrapped, name: sm.cfg.Gateway.Name, metrics: sm.metrics}
	}
	return wrapped, nil
}

// meteredClient counts gateway exchanges by gateway name and outcome.
type meteredClient struct {
	inner   gateway.Client
	name    string
	metrics *observe.Metrics
}

func (m *meteredClient) Send(ctx context.Context, req gateway.Request) (gateway.Stream, error) {
	stream, err := m.inner.Send(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordGatewayRequest(ctx, m.name, status)
	return stream, err
}

// gatewayOutputRate is the PCM rate both bundled gateways synthesise.
const gatewayOutputRate = 24000

// resampledPlayback converts reply audio from the gateway rate to the device
// rate before enqueueing.
type resampledPlayback struct {
	audio.Playback
	from, to int
}

func (p *resampledPlayback) Enqueue(chunk []byte) error {
	return p.Playback.Enqueue(audio.ResampleMono16(chunk, p.from, p.to))
}

// Device adapters report diagnostic counters through these optional
// interfaces; mocks and third-party adapters may not.
type underrunReporter interface{ Underruns() int }
type dropReporter interface{ Dropped() int }

// pollDeviceCounters publishes the devices' cumulative drop and underrun
// counters as metric increments while the session runs, with a final read on
// shutdown.
func (sm *SessionManager) pollDeviceCounters(ctx context.Context, capture audio.Capture, playback audio.Playback) {
	underruns, hasUnderruns := playback.(underrunReporter)
	drops, hasDrops := capture.(dropReporter)
	if !hasUnderruns && !hasDrops {
		return
	}

	var lastUnderruns, lastDrops int
	record := func(ctx context.Context) {
		if hasUnderruns {
			if u := underruns.Underruns(); u > lastUnderruns {
				sm.metrics.PlaybackUnderruns.Add(ctx, int64(u-lastUnderruns))
				lastUnderruns = u
			}
		}
		if hasDrops {
			if d := drops.Dropped(); d > lastDrops {
				sm.metrics.CaptureDrops.Add(ctx, int64(d-lastDrops))
				lastDrops = d
			}
		}
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			record(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			record(ctx)
		}
	}
}

// recordTranscripts drains the session event feed and persists utterances.
// Assistant text arrives as deltas; they are accumulated per correlation ID
// and flushed when the exchange leaves the speaking phase.
func (sm *SessionManager) recordTranscripts(ctx context.Context, events <-chan session.Event, unsubscribe func()) {
	defer unsubscribe()

	pending := make(map[uint64]*strings.Builder)

	flush := func(id uint64, role session.Role) {
		b, ok := pending[id]
		if !ok || b.Len() == 0 {
			delete(pending, id)
			return
		}
		delete(pending, id)
		entry := store.Entry{
			CorrelationID: id,
			Role:          string(role),
			Text:          b.String(),
			Timestamp:     time.Now(),
		}
		if err := sm.store.WriteEntry(ctx, entry); err != nil {
			sm.log.Warn("transcript write failed", "correlation_id", id, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case session.EventTranscript:
				if ev.Role != session.RoleAssistant || ev.Text == "" {
					continue
				}
				b, ok := pending[ev.CorrelationID]
				if !ok {
					b = &strings.Builder{}
					pending[ev.CorrelationID] = b
				}
				b.WriteString(ev.Text)
			case session.EventPhase:
				if ev.Phase == session.PhaseIdle {
					for id := range pending {
						flush(id, session.RoleAssistant)
					}
				}
			case session.EventError:
				flush(ev.CorrelationID, session.RoleAssistant)
			}
		}
	}
}

// effectiveAudio fills unset audio settings with the engine defaults.
func effectiveAudio(cfg config.AudioConfig) config.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}
	if cfg.PlaybackSampleRate <= 0 {
		cfg.PlaybackSampleRate = 24000
	}
	return cfg
}

// vadConfig converts the YAML schema to detector tunables. Zero fields pass
// through so the detector applies its own defaults.
func vadConfig(cfg config.VADConfig) vad.Config {
	return vad.Config{
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
		MaxZeroCrossRate: cfg.MaxZeroCrossRate,
		TriggerDuration:  time.Duration(cfg.TriggerMs) * time.Millisecond,
		ReleaseDuration:  time.Duration(cfg.ReleaseMs) * time.Millisecond,
		MaxUtterance:     time.Duration(cfg.MaxUtteranceS) * time.Second,
	}
}
