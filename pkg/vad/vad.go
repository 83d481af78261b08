// Package vad implements frame-level voice activity detection for segmenting
// a continuous capture stream into utterances.
//
// The detector combines a rolling RMS energy estimate with a zero-crossing
// rate gate and applies hysteresis in the time domain: sustained signal above
// the speech threshold for the trigger duration starts an utterance, and
// sustained silence beyond the release duration ends it. A maximum-utterance
// timeout forces the end of pathologically long segments so request size and
// buffering stay bounded.
//
// Feed is synchronous and returns immediately with a detection result, so
// the detector can sit inline in the capture loop. A Detector is stateful
// and must not be shared across goroutines.
package vad

import (
	"fmt"
	"math"
	"time"

	"github.com/balti-ai/balti-voice/pkg/audio"
)

// Default detection parameters, tuned for 16 kHz mono speech. Acoustic
// environments vary, so every knob is overridable via [Config].
const (
	defaultSpeechThreshold  = 0.015
	defaultSilenceThreshold = 0.008
	defaultMaxZeroCrossRate = 0.35
	defaultTriggerDuration  = 300 * time.Millisecond
	defaultReleaseDuration  = 800 * time.Millisecond
	defaultMaxUtterance     = 30 * time.Second
)

// EventType enumerates detection results for a single frame.
type EventType int

const (
	// Continue indicates no utterance boundary at this frame.
	Continue EventType = iota

	// UtteranceStart indicates sustained speech has crossed the trigger
	// duration. The utterance's audio includes the trigger window, so callers
	// should prepend their pre-roll buffer.
	UtteranceStart

	// UtteranceEnd indicates the open utterance has ended, either through
	// sustained silence or the maximum-duration timeout.
	UtteranceEnd
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case Continue:
		return "continue"
	case UtteranceStart:
		return "utterance-start"
	case UtteranceEnd:
		return "utterance-end"
	default:
		return "unknown"
	}
}

// EndReason explains why an [UtteranceEnd] event fired.
type EndReason int

const (
	// EndNone is set on events that are not UtteranceEnd.
	EndNone EndReason = iota

	// EndSilence means trailing silence exceeded the release duration.
	EndSilence

	// EndTimeout means the utterance hit the maximum-duration bound.
	EndTimeout
)

// String returns the human-readable name of the end reason.
func (r EndReason) String() string {
	switch r {
	case EndSilence:
		return "silence"
	case EndTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Event is the result of feeding one frame to the detector.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Energy is the normalised RMS level of the frame (0.0 to 1.0).
	Energy float64

	// Reason explains an UtteranceEnd event; EndNone otherwise.
	Reason EndReason
}

// Config holds the tuning parameters for a [Detector]. Zero-value fields are
// replaced with defaults by [New]; negative values are rejected.
//
// The thresholds trade false starts against clipped speech: raising
// SpeechThreshold or TriggerDuration suppresses noise triggers at the cost of
// start latency, while raising ReleaseDuration allows longer natural pauses
// at the cost of slower turn-taking.
type Config struct {
	// SpeechThreshold is the normalised RMS level above which a frame counts
	// as speech. Range (0.0, 1.0]. Default: 0.015.
	SpeechThreshold float64

	// SilenceThreshold is the normalised RMS level below which a frame counts
	// as silence while an utterance is open. Must be ≤ SpeechThreshold.
	// Default: 0.008.
	SilenceThreshold float64

	// MaxZeroCrossRate rejects high-frequency noise: frames whose
	// zero-crossing rate exceeds this fraction are not counted as speech even
	// above the energy threshold. Range (0.0, 1.0]. Default: 0.35.
	MaxZeroCrossRate float64

	// TriggerDuration is how long signal must stay above SpeechThreshold
	// before UtteranceStart fires (debounce against transient noise).
	// Default: 300ms.
	TriggerDuration time.Duration

	// ReleaseDuration is how long silence must persist before UtteranceEnd
	// fires (allows natural pauses without truncating speech). Default: 800ms.
	ReleaseDuration time.Duration

	// MaxUtterance forces UtteranceEnd once an open utterance reaches this
	// duration, even without trailing silence. Default: 30s.
	MaxUtterance time.Duration
}

// withDefaults returns cfg with zero-value fields replaced. Negative values
// pass through so validate can reject them.
func (c Config) withDefaults() Config {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = defaultSpeechThreshold
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = defaultSilenceThreshold
	}
	if c.MaxZeroCrossRate == 0 {
		c.MaxZeroCrossRate = defaultMaxZeroCrossRate
	}
	if c.TriggerDuration == 0 {
		c.TriggerDuration = defaultTriggerDuration
	}
	if c.ReleaseDuration == 0 {
		c.ReleaseDuration = defaultReleaseDuration
	}
	if c.MaxUtterance == 0 {
		c.MaxUtterance = defaultMaxUtterance
	}
	return c
}

// validate rejects negative values and incoherent threshold combinations.
// Runs after withDefaults, so zero-value fields never reach it.
func (c Config) validate() error {
	if c.SpeechThreshold < 0 || c.SilenceThreshold < 0 || c.MaxZeroCrossRate < 0 {
		return fmt.Errorf("vad: thresholds must be positive")
	}
	if c.TriggerDuration < 0 || c.ReleaseDuration < 0 || c.MaxUtterance < 0 {
		return fmt.Errorf("vad: durations must be positive")
	}
	if c.SilenceThreshold > c.SpeechThreshold {
		return fmt.Errorf("vad: silence threshold %.4f exceeds speech threshold %.4f", c.SilenceThreshold, c.SpeechThreshold)
	}
	if c.SpeechThreshold > 1 || c.MaxZeroCrossRate > 1 {
		return fmt.Errorf("vad: thresholds must be ≤ 1.0")
	}
	return nil
}

// Detector segments a frame stream into utterances. Not safe for concurrent
// use; create one per capture stream.
type Detector struct {
	cfg Config

	open       bool
	speechRun  time.Duration
	silenceRun time.Duration
	openFor    time.Duration
}

// New creates a Detector. Zero-value config fields get defaults; incoherent
// thresholds are rejected.
func New(cfg Config) (*Detector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Feed classifies one frame and advances the utterance state machine.
// The invariant holds for every input sequence: exactly one UtteranceStart
// precedes each UtteranceEnd, and no UtteranceStart fires while an utterance
// is open.
func (d *Detector) Feed(frame audio.AudioFrame) Event {
	samples := frame.PCM16()
	energy := rms(samples)
	dur := frame.Duration()

	isSpeech := energy >= d.cfg.SpeechThreshold && zeroCrossRate(samples) <= d.cfg.MaxZeroCrossRate

	if !d.open {
		if isSpeech {
			d.speechRun += dur
			if d.speechRun >= d.cfg.TriggerDuration {
				d.open = true
				d.openFor = d.speechRun
				d.speechRun = 0
				d.silenceRun = 0
				return Event{Type: UtteranceStart, Energy: energy}
			}
		} else {
			d.speechRun = 0
		}
		return Event{Type: Continue, Energy: energy}
	}

	d.openFor += dur
	if energy < d.cfg.SilenceThreshold {
		d.silenceRun += dur
	} else {
		d.silenceRun = 0
	}

	switch {
	case d.openFor >= d.cfg.MaxUtterance:
		d.close()
		return Event{Type: UtteranceEnd, Energy: energy, Reason: EndTimeout}
	case d.silenceRun >= d.cfg.ReleaseDuration:
		d.close()
		return Event{Type: UtteranceEnd, Energy: energy, Reason: EndSilence}
	default:
		return Event{Type: Continue, Energy: energy}
	}
}

// Open reports whether an utterance is currently open.
func (d *Detector) Open() bool { return d.open }

// Reset clears all accumulated detection state. Use this when the capture
// stream is interrupted or restarted so stale state from the previous
// segment cannot affect subsequent frames.
func (d *Detector) Reset() {
	d.open = false
	d.speechRun = 0
	d.silenceRun = 0
	d.openFor = 0
}

func (d *Detector) close() {
	d.open = false
	d.speechRun = 0
	d.silenceRun = 0
	d.openFor = 0
}

// rms computes the normalised root-mean-square level of the samples (0.0 to 1.0).
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// zeroCrossRate returns the fraction of adjacent sample pairs whose sign
// differs. Voiced speech sits well below 0.3; broadband noise sits higher.
func zeroCrossRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
